// Package pool runs task handlers on a fixed number of execution slots.
//
// Each slot enforces a per-task timeout and converts handler errors and panics into
// results; nothing a handler does can stop the pool or a sibling slot. When all slots
// are busy Submit fails fast with ErrPoolSaturated instead of queueing, so backpressure
// reaches whoever is pulling work from the broker.
package pool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
)

// Handler executes one task. It must honor ctx: the pool cancels it on timeout and shutdown.
type Handler func(ctx context.Context, env *model.TaskEnvelope) error

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeHandlerError
	OutcomeTimeout
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeHandlerError:
		return "handler_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the outcome of one execution slot.
type Result struct {
	Envelope  *model.TaskEnvelope
	Outcome   Outcome
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Handle tracks one submitted task.
type Handle struct {
	env    *model.TaskEnvelope
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

func (h *Handle) Envelope() *model.TaskEnvelope { return h.env }

// Done is closed after the task's completion callback has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result is valid once Done is closed.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

// Cancel force-cancels the task. The slot is released immediately.
func (h *Handle) Cancel() { h.cancel() }

// Pool is a bounded set of execution slots.
type Pool struct {
	capacity int
	timeout  time.Duration
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	slots    map[uint64]*Handle
	nextSlot uint64
	closed   bool
	released chan struct{}

	wg sync.WaitGroup
}

// New creates a pool with capacity slots. timeout <= 0 disables the per-task timeout.
func New(capacity int, timeout time.Duration, logger *logging.Logger) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		capacity: capacity,
		timeout:  timeout,
		logger:   logger.With("pool"),
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(map[uint64]*Handle),
		released: make(chan struct{}),
	}
}

func (p *Pool) Capacity() int { return p.capacity }

func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.slots)
}

// Released returns a channel that is closed the next time a slot frees up.
// Grab the channel before checking Available to avoid missing a wake-up.
func (p *Pool) Released() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Submit starts env on a free slot. onDone, if non-nil, runs on the slot goroutine
// after the slot is released and before the handle's Done channel closes.
func (p *Pool) Submit(env *model.TaskEnvelope, h Handler, onDone func(Result)) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.slots) >= p.capacity {
		p.mu.Unlock()
		return nil, ErrPoolSaturated
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if p.timeout > 0 {
		taskCtx, cancel = context.WithTimeout(p.ctx, p.timeout)
	} else {
		taskCtx, cancel = context.WithCancel(p.ctx)
	}
	handle := &Handle{env: env, cancel: cancel, done: make(chan struct{})}
	p.nextSlot++
	slotID := p.nextSlot
	p.slots[slotID] = handle
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Debug("slot_acquire slot=%d task=%s queue=%s", slotID, env.ID, env.Queue)
	go p.run(taskCtx, slotID, handle, h, onDone)
	return handle, nil
}

func (p *Pool) run(ctx context.Context, slotID uint64, handle *Handle, h Handler, onDone func(Result)) {
	defer p.wg.Done()
	defer handle.cancel()

	env := handle.env
	start := time.Now()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- &HandlerError{TaskID: env.ID, Panic: r, Stack: debug.Stack()}
			}
		}()
		errCh <- h(ctx, env)
	}()

	var res Result
	select {
	case err := <-errCh:
		if err == nil {
			res = Result{Outcome: OutcomeSuccess}
		} else {
			res = classify(ctx, env, err)
		}
	case <-ctx.Done():
		// The handler goroutine may keep running; the slot is not held for it.
		res = classify(ctx, env, ctx.Err())
	}
	res.Envelope = env
	res.StartedAt = start
	res.Duration = time.Since(start)

	p.release(slotID)
	p.logger.Debug("slot_release slot=%d task=%s outcome=%s duration=%s", slotID, env.ID, res.Outcome, res.Duration)
	if res.Outcome == OutcomeHandlerError {
		var he *HandlerError
		if errors.As(res.Err, &he) && he.Panic != nil {
			p.logger.Error("handler_panic task=%s panic=%v\n%s", env.ID, he.Panic, he.Stack)
		}
	}

	handle.result = res
	if onDone != nil {
		onDone(res)
	}
	close(handle.done)
}

func classify(ctx context.Context, env *model.TaskEnvelope, err error) Result {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return Result{Outcome: OutcomeTimeout, Err: ErrTimeout}
	case errors.Is(ctxErr, context.Canceled):
		return Result{Outcome: OutcomeCancelled, Err: ErrCancelled}
	case err == nil:
		return Result{Outcome: OutcomeSuccess}
	}
	if IsHandlerError(err) {
		return Result{Outcome: OutcomeHandlerError, Err: err}
	}
	return Result{Outcome: OutcomeHandlerError, Err: &HandlerError{TaskID: env.ID, Err: err}}
}

func (p *Pool) release(slotID uint64) {
	p.mu.Lock()
	delete(p.slots, slotID)
	close(p.released)
	p.released = make(chan struct{})
	p.mu.Unlock()
}

// CancelAll force-cancels every running task.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.slots))
	for _, h := range p.slots {
		handles = append(handles, h)
	}
	p.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// Close rejects further submissions. Running tasks are not affected.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait blocks until every slot has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the pool, waits up to grace for running tasks, then cancels the rest
// and waits for their completion callbacks.
func (p *Pool) Shutdown(grace time.Duration) {
	p.Close()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		p.logger.Warn("shutdown grace %s expired with %d tasks running, cancelling", grace, p.InFlight())
		p.CancelAll()
		p.wg.Wait()
	}
	p.cancel()
}
