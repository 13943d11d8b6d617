// Package retry decides what happens to an envelope after execution: ack on
// success, delayed redelivery with exponential backoff on failure, and
// dead-lettering once the retry budget is spent.
package retry

import (
	"fmt"
	"time"

	"github.com/msageha/conveyor/internal/model"
)

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func PolicyFromConfig(cfg model.RetryConfig) Policy {
	p := Policy{
		MaxRetries: model.DefaultMaxRetries,
		BaseDelay:  time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.MaxDelayMs) * time.Millisecond,
	}
	if cfg.MaxRetries != nil {
		p.MaxRetries = *cfg.MaxRetries
	}
	return p
}

// Backoff returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	max := p.MaxDelay
	if max < p.BaseDelay {
		max = p.BaseDelay
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// ShouldRetry reports whether an envelope that has already been retried
// retryCount times gets another attempt, with the reason when it does not.
func (p Policy) ShouldRetry(retryCount int) (bool, string) {
	if retryCount >= p.MaxRetries {
		return false, fmt.Sprintf("max retries exceeded (%d/%d)", retryCount, p.MaxRetries)
	}
	return true, ""
}
