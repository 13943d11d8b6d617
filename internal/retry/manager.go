package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/conveyor/internal/broker"
	"github.com/msageha/conveyor/internal/events"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/pool"
)

var ErrClosed = errors.New("retry manager closed")

// Reconnector is satisfied by *broker.Reconnector.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

type Options struct {
	Logger    *logging.Logger
	Bus       *events.Bus
	Reconnect Reconnector
	// LedgerSize bounds how many settled ids are remembered for duplicate detection.
	LedgerSize int
}

type op struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// Manager settles envelopes with the broker. All broker writes run on a
// single goroutine, in submission order.
type Manager struct {
	broker broker.Broker
	policy Policy
	logger *logging.Logger
	bus    *events.Bus
	recon  Reconnector
	ledger *AckLedger

	sendMu sync.RWMutex
	closed bool
	ops    chan op
	done   chan struct{}

	dispatched    atomic.Int64
	succeeded     atomic.Int64
	failed        atomic.Int64
	timedOut      atomic.Int64
	retried       atomic.Int64
	deadLettered  atomic.Int64
	released      atomic.Int64
	duplicateAcks atomic.Int64
	malformed     atomic.Int64
}

func NewManager(b broker.Broker, policy Policy, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	m := &Manager{
		broker: b,
		policy: policy,
		logger: logger,
		bus:    opts.Bus,
		recon:  opts.Reconnect,
		ledger: NewAckLedger(opts.LedgerSize),
		ops:    make(chan op),
		done:   make(chan struct{}),
	}
	go m.writer()
	return m
}

func (m *Manager) Policy() Policy { return m.policy }

func (m *Manager) writer() {
	defer close(m.done)
	for o := range m.ops {
		o.reply <- o.fn(o.ctx)
	}
}

func (m *Manager) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	m.sendMu.RLock()
	if m.closed {
		m.sendMu.RUnlock()
		return ErrClosed
	}
	reply := make(chan error, 1)
	select {
	case m.ops <- op{ctx: ctx, fn: fn, reply: reply}:
		m.sendMu.RUnlock()
	case <-ctx.Done():
		m.sendMu.RUnlock()
		return ctx.Err()
	}
	return <-reply
}

// Close stops accepting work and waits for queued writes to finish.
func (m *Manager) Close() {
	m.sendMu.Lock()
	if m.closed {
		m.sendMu.Unlock()
		return
	}
	m.closed = true
	close(m.ops)
	m.sendMu.Unlock()
	<-m.done
}

// write runs fn, reconnecting and repeating it while the broker is unavailable.
func (m *Manager) write(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if !broker.IsUnavailable(err) || m.recon == nil {
			return err
		}
		m.publish(events.EventBrokerOutage, map[string]any{"error": err.Error()})
		if rerr := m.recon.Reconnect(ctx); rerr != nil {
			return err
		}
		m.publish(events.EventBrokerRecovery, nil)
	}
}

func (m *Manager) publish(t events.EventType, data map[string]any) {
	m.bus.Publish(t, data)
}

func envFields(env *model.TaskEnvelope) map[string]any {
	return map[string]any{
		"task_id":     env.ID,
		"queue":       env.Queue,
		"task":        env.Task,
		"retry_count": env.RetryCount,
	}
}

func (m *Manager) duplicate(env *model.TaskEnvelope, source string) {
	m.duplicateAcks.Add(1)
	m.logger.Warn("duplicate_ack id=%s queue=%s source=%s", env.ID, env.Queue, source)
	data := envFields(env)
	data["source"] = source
	m.publish(events.EventDuplicateAck, data)
}

// Success acknowledges env. A repeated call for the same delivery is a no-op
// reported as a duplicate ack. Only deliveries this manager settled are
// remembered; a stale ack the broker rejects leaves later deliveries alone.
func (m *Manager) Success(ctx context.Context, env *model.TaskEnvelope) error {
	return m.submit(ctx, func(ctx context.Context) error {
		key := deliveryKey(env)
		if m.ledger.Seen(key) {
			m.duplicate(env, "ledger")
			return nil
		}
		err := m.write(ctx, func() error { return m.broker.Ack(ctx, env.ID) })
		if errors.Is(err, broker.ErrNotFound) {
			m.duplicate(env, "broker")
			return nil
		}
		if err != nil {
			return fmt.Errorf("ack %s: %w", env.ID, err)
		}
		m.ledger.Add(key)
		m.succeeded.Add(1)
		m.logger.Info("task_ack id=%s queue=%s task=%s", env.ID, env.Queue, env.Task)
		m.publish(events.EventTaskSucceeded, envFields(env))
		return nil
	})
}

// Failure schedules a retry or dead-letters env once its retries are spent.
// The delay is computed from the retry count before it is incremented.
func (m *Manager) Failure(ctx context.Context, env *model.TaskEnvelope, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return m.submit(ctx, func(ctx context.Context) error {
		if m.ledger.Seen(deliveryKey(env)) {
			m.duplicate(env, "ledger")
			return nil
		}
		work := env.Clone()
		work.LastError = reason

		ok, why := m.policy.ShouldRetry(work.RetryCount)
		if !ok {
			return m.deadLetter(ctx, work, why)
		}

		delay := m.policy.Backoff(work.RetryCount)
		work.RetryCount++
		err := m.write(ctx, func() error { return m.broker.Nack(ctx, work, delay) })
		if errors.Is(err, broker.ErrNotFound) {
			m.logger.Warn("nack_stale id=%s queue=%s (lease no longer held)", work.ID, work.Queue)
			return nil
		}
		if err != nil {
			return fmt.Errorf("nack %s: %w", work.ID, err)
		}
		m.retried.Add(1)
		m.logger.Info("task_retry id=%s queue=%s task=%s retry=%d/%d delay=%s error=%q",
			work.ID, work.Queue, work.Task, work.RetryCount, m.policy.MaxRetries, delay, reason)
		data := envFields(work)
		data["delay"] = delay.String()
		data["error"] = reason
		m.publish(events.EventTaskRetried, data)
		return nil
	})
}

func (m *Manager) deadLetter(ctx context.Context, work *model.TaskEnvelope, why string) error {
	work.DeadLetter = &model.DeadLetterMark{At: time.Now().UTC(), Reason: why}
	err := m.write(ctx, func() error { return m.broker.DeadLetter(ctx, work) })
	if errors.Is(err, broker.ErrNotFound) {
		m.logger.Warn("dead_letter_stale id=%s queue=%s (lease no longer held)", work.ID, work.Queue)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", work.ID, err)
	}
	m.ledger.Add(deliveryKey(work))
	m.deadLettered.Add(1)
	m.logger.Warn("dead_letter id=%s queue=%s task=%s reason=%q last_error=%q",
		work.ID, work.Queue, work.Task, why, work.LastError)
	data := envFields(work)
	data["reason"] = why
	data["error"] = work.LastError
	m.publish(events.EventTaskDeadLettered, data)
	return nil
}

// Release hands env back to the broker for immediate redelivery without
// spending a retry. Used for envelopes drained at shutdown.
func (m *Manager) Release(ctx context.Context, env *model.TaskEnvelope, why string) error {
	return m.submit(ctx, func(ctx context.Context) error {
		if m.ledger.Seen(deliveryKey(env)) {
			return nil
		}
		err := m.write(ctx, func() error { return m.broker.Nack(ctx, env, 0) })
		if errors.Is(err, broker.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("release %s: %w", env.ID, err)
		}
		m.released.Add(1)
		m.logger.Info("task_released id=%s queue=%s reason=%s", env.ID, env.Queue, why)
		data := envFields(env)
		data["reason"] = why
		m.publish(events.EventTaskReleased, data)
		return nil
	})
}

// Complete maps a pool result onto Success, Failure or Release.
func (m *Manager) Complete(ctx context.Context, res pool.Result) error {
	switch res.Outcome {
	case pool.OutcomeSuccess:
		return m.Success(ctx, res.Envelope)
	case pool.OutcomeTimeout:
		m.timedOut.Add(1)
		return m.Failure(ctx, res.Envelope, res.Err)
	case pool.OutcomeCancelled:
		return m.Release(ctx, res.Envelope, "cancelled")
	default:
		m.failed.Add(1)
		return m.Failure(ctx, res.Envelope, res.Err)
	}
}

// NoteDispatched records that env was handed to the pool.
func (m *Manager) NoteDispatched(env *model.TaskEnvelope) {
	m.dispatched.Add(1)
	m.publish(events.EventTaskDispatched, envFields(env))
}

// NoteMalformed records a message the broker could not decode.
func (m *Manager) NoteMalformed(queue string, err error) {
	m.malformed.Add(1)
	m.publish(events.EventMalformed, map[string]any{"queue": queue, "error": err.Error()})
}

func (m *Manager) Counters() model.MetricsCounters {
	return model.MetricsCounters{
		Dispatched:    m.dispatched.Load(),
		Succeeded:     m.succeeded.Load(),
		Failed:        m.failed.Load(),
		TimedOut:      m.timedOut.Load(),
		Retried:       m.retried.Load(),
		DeadLettered:  m.deadLettered.Load(),
		Released:      m.released.Load(),
		DuplicateAcks: m.duplicateAcks.Load(),
		Malformed:     m.malformed.Load(),
	}
}
