// Package dispatcher pulls envelopes for one queue from the broker and feeds
// them to the shared execution pool, holding back when the pool is full.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/conveyor/internal/broker"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/pool"
	"github.com/msageha/conveyor/internal/retry"
)

const (
	defaultPollInterval      = time.Second
	defaultSaturationBackoff = 100 * time.Millisecond
	// forceCancelWait bounds how long Drain waits for cancelled tasks to be
	// settled with the broker.
	forceCancelWait = 10 * time.Second
)

type Reconnector interface {
	Reconnect(ctx context.Context) error
}

type Config struct {
	Assignment        model.QueueAssignment
	Handler           pool.Handler
	PollInterval      time.Duration
	SaturationBackoff time.Duration
	Logger            *logging.Logger
	// SettleCtx bounds broker writes for finished tasks. It should outlive
	// Drain so that released and cancelled envelopes reach the broker.
	SettleCtx    context.Context
	OnTransition func(queue string, from, to State)
}

type inflightEntry struct {
	env    *model.TaskEnvelope
	handle *pool.Handle
}

type Dispatcher struct {
	cfg     Config
	queue   string
	broker  broker.Broker
	pool    *pool.Pool
	manager *retry.Manager
	recon   Reconnector
	logger  *logging.Logger

	mu       sync.Mutex
	state    State
	inflight map[string]*inflightEntry
	pending  []*model.TaskEnvelope // received, not yet accepted by the pool

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

func New(cfg Config, b broker.Broker, p *pool.Pool, m *retry.Manager, r Reconnector) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SaturationBackoff <= 0 {
		cfg.SaturationBackoff = defaultSaturationBackoff
	}
	if cfg.SettleCtx == nil {
		cfg.SettleCtx = context.Background()
	}
	return &Dispatcher{
		cfg:      cfg,
		queue:    cfg.Assignment.Queue,
		broker:   b,
		pool:     p,
		manager:  m,
		recon:    r,
		logger:   cfg.Logger.With("dispatcher[" + cfg.Assignment.Queue + "]"),
		state:    StateIdle,
		inflight: make(map[string]*inflightEntry),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (d *Dispatcher) Queue() string { return d.queue }

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// transition moves to next when allowed and reports whether it did. A loop
// racing with Drain simply fails to leave DRAINING.
func (d *Dispatcher) transition(next State) bool {
	d.mu.Lock()
	from := d.state
	if ValidateTransition(from, next) != nil {
		d.mu.Unlock()
		return false
	}
	d.state = next
	d.mu.Unlock()

	d.logger.Debug("state %s → %s", from, next)
	if d.cfg.OnTransition != nil {
		d.cfg.OnTransition(d.queue, from, next)
	}
	return true
}

// Snapshot reports the dispatcher for metrics.
func (d *Dispatcher) Snapshot() model.QueueMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return model.QueueMetrics{
		Queue:    d.queue,
		Shard:    d.cfg.Assignment.Shard,
		State:    d.state.String(),
		InFlight: len(d.inflight),
		Pending:  len(d.pending),
		Ready:    -1,
		Dead:     -1,
	}
}

// InFlight returns the ids currently executing for this queue.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Run polls until ctx ends or Drain is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.started.Store(true)
	defer close(d.loopDone)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if !d.transition(StatePolling) {
		return nil
	}
	d.logger.Info("dispatcher started queue=%s shard=%s", d.queue, d.cfg.Assignment.Shard)

	var waker broker.Waker
	if w, ok := d.broker.(broker.Waker); ok {
		waker = w
	}

	for ctx.Err() == nil {
		if d.hasPending() {
			released := d.pool.Released()
			if err := d.dispatchPending(); errors.Is(err, pool.ErrPoolSaturated) {
				d.wait(ctx, d.cfg.SaturationBackoff, released, nil)
			} else if errors.Is(err, pool.ErrPoolClosed) {
				return nil
			}
			continue
		}

		released := d.pool.Released()
		n := d.pool.Available()
		if n <= 0 {
			d.wait(ctx, 0, released, nil)
			continue
		}

		var wake <-chan struct{}
		if waker != nil {
			wake = waker.Wake()
		}
		envs, err := d.broker.Poll(ctx, []string{d.queue}, n)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.handlePollError(ctx, err)
			continue
		}
		if len(envs) == 0 {
			d.wait(ctx, d.cfg.PollInterval, nil, wake)
			continue
		}

		if !d.transition(StateDispatching) {
			d.mu.Lock()
			d.pending = append(d.pending, envs...)
			d.mu.Unlock()
			break
		}
		d.mu.Lock()
		d.pending = append(d.pending, envs...)
		d.mu.Unlock()
		err = d.dispatchPending()
		d.transition(StatePolling)
		if errors.Is(err, pool.ErrPoolClosed) {
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) handlePollError(ctx context.Context, err error) {
	if broker.IsUnavailable(err) && d.recon != nil {
		d.logger.Warn("poll_failed queue=%s error=%v, pausing until broker reconnects", d.queue, err)
		if rerr := d.recon.Reconnect(ctx); rerr != nil && ctx.Err() == nil {
			d.logger.Error("reconnect_failed queue=%s error=%v", d.queue, rerr)
		}
		return
	}
	d.logger.Error("poll_failed queue=%s error=%v", d.queue, err)
	d.wait(ctx, d.cfg.PollInterval, nil, nil)
}

// wait blocks for timeout (0 = no timeout) or until one of the channels fires.
func (d *Dispatcher) wait(ctx context.Context, timeout time.Duration, released, wake <-chan struct{}) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
	case <-timer:
	case <-released:
	case <-wake:
	}
}

func (d *Dispatcher) hasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending) > 0
}

// dispatchPending submits pending envelopes in order until the pool refuses one.
func (d *Dispatcher) dispatchPending() error {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return nil
		}
		env := d.pending[0]
		entry := &inflightEntry{env: env}
		d.inflight[env.ID] = entry
		d.mu.Unlock()

		h, err := d.pool.Submit(env, d.cfg.Handler, d.onDone)

		d.mu.Lock()
		if err != nil {
			delete(d.inflight, env.ID)
			d.mu.Unlock()
			if errors.Is(err, pool.ErrPoolSaturated) {
				d.logger.Debug("pool_saturated queue=%s id=%s pending=%d", d.queue, env.ID, len(d.pending))
			}
			return err
		}
		d.pending = d.pending[1:]
		entry.handle = h
		d.mu.Unlock()

		d.manager.NoteDispatched(env)
		d.logger.Info("task_dispatched id=%s queue=%s task=%s retry=%d", env.ID, env.Queue, env.Task, env.RetryCount)
	}
}

func (d *Dispatcher) onDone(res pool.Result) {
	d.mu.Lock()
	delete(d.inflight, res.Envelope.ID)
	d.mu.Unlock()

	if err := d.manager.Complete(d.cfg.SettleCtx, res); err != nil {
		d.logger.Error("settle_failed id=%s outcome=%s error=%v", res.Envelope.ID, res.Outcome, err)
	}
}

// Drain stops polling, hands never-started envelopes back to the broker and
// waits up to grace for running tasks. Tasks still running after grace are
// cancelled; the pool reports them as cancelled and they are released, not
// retried.
func (d *Dispatcher) Drain(grace time.Duration) {
	d.transition(StateDraining)
	d.stopOnce.Do(func() { close(d.stop) })
	if d.started.Load() {
		<-d.loopDone
	}

	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	handles := make([]*pool.Handle, 0, len(d.inflight))
	for _, e := range d.inflight {
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
	}
	d.mu.Unlock()

	for _, env := range pending {
		if err := d.manager.Release(d.cfg.SettleCtx, env, "shutdown"); err != nil {
			d.logger.Error("release_failed id=%s error=%v", env.ID, err)
		}
	}

	if len(handles) > 0 {
		d.logger.Info("draining queue=%s in_flight=%d grace=%s", d.queue, len(handles), grace)
		if remaining := waitAll(handles, grace); len(remaining) > 0 {
			d.logger.Warn("grace expired queue=%s cancelling=%d", d.queue, len(remaining))
			for _, h := range remaining {
				h.Cancel()
			}
			if left := waitAll(remaining, forceCancelWait); len(left) > 0 {
				d.logger.Error("tasks not settled after cancel queue=%s count=%d", d.queue, len(left))
			}
		}
	}

	d.transition(StateStopped)
	d.logger.Info("dispatcher stopped queue=%s", d.queue)
}

// waitAll waits for every handle up to timeout and returns the unfinished ones.
func waitAll(handles []*pool.Handle, timeout time.Duration) []*pool.Handle {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for i, h := range handles {
		select {
		case <-h.Done():
		case <-timer.C:
			var left []*pool.Handle
			for _, rest := range handles[i:] {
				select {
				case <-rest.Done():
				default:
					left = append(left, rest)
				}
			}
			return left
		}
	}
	return nil
}
