package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/pool"
)

// Echo logs the payload and succeeds.
func Echo(logger *logging.Logger) pool.Handler {
	logger = logger.With("echo")
	return func(ctx context.Context, env *model.TaskEnvelope) error {
		logger.Info("id=%s queue=%s retry=%d payload=%s", env.ID, env.Queue, env.RetryCount, env.Payload)
		return nil
	}
}

type sleepPayload struct {
	Duration string `json:"duration"`
	Fail     bool   `json:"fail,omitempty"`
}

// Sleep waits for the payload's duration ({"duration":"2s"}) or until ctx ends.
// With "fail": true it returns an error after sleeping.
func Sleep(ctx context.Context, env *model.TaskEnvelope) error {
	var p sleepPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("sleep: decode payload: %w", err)
		}
	}
	d := time.Duration(0)
	if p.Duration != "" {
		var err error
		if d, err = time.ParseDuration(p.Duration); err != nil {
			return fmt.Errorf("sleep: %w", err)
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if p.Fail {
		return fmt.Errorf("sleep: requested failure after %s", d)
	}
	return nil
}
