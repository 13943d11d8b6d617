package broker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/conveyor/internal/logging"
)

// Reconnector collapses concurrent reconnect requests from many dispatchers
// into one ping loop with exponential backoff.
type Reconnector struct {
	broker Broker
	base   time.Duration
	max    time.Duration
	logger *logging.Logger
	group  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts int64
	outages  int64
}

func NewReconnector(b Broker, base, max time.Duration, logger *logging.Logger) *Reconnector {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{
		broker: b,
		base:   base,
		max:    max,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Reconnect blocks until the broker answers a ping or ctx ends. The shared
// ping loop runs on the reconnector's own context so one caller giving up
// does not abort it for the others.
func (r *Reconnector) Reconnect(ctx context.Context) error {
	ch := r.group.DoChan("reconnect", func() (any, error) {
		return nil, r.loop()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconnector) loop() error {
	r.mu.Lock()
	r.outages++
	r.mu.Unlock()

	delay := r.base
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(r.ctx, r.max)
		err := r.broker.Ping(pingCtx)
		cancel()

		r.mu.Lock()
		r.attempts++
		r.mu.Unlock()

		if err == nil {
			r.logger.Info("broker_reconnected attempts=%d", attempt)
			return nil
		}
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		r.logger.Warn("broker_unavailable attempt=%d retry_in=%s error=%v", attempt, delay, err)

		t := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			t.Stop()
			return r.ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > r.max {
			delay = r.max
		}
	}
}

// Stats returns the number of outages handled and pings sent.
func (r *Reconnector) Stats() (outages, attempts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outages, r.attempts
}

// Close stops any running ping loop.
func (r *Reconnector) Close() {
	r.cancel()
}
