package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/conveyor/internal/broker"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/pool"
	"github.com/msageha/conveyor/internal/retry"
)

type harness struct {
	broker  *broker.Memory
	pool    *pool.Pool
	manager *retry.Manager
}

func newHarness(t *testing.T, capacity int, policy retry.Policy) *harness {
	t.Helper()
	b := broker.NewMemory(broker.Options{Visibility: time.Minute})
	p := pool.New(capacity, 5*time.Second, nil)
	m := retry.NewManager(b, policy, retry.Options{})
	t.Cleanup(func() {
		m.Close()
		p.Close()
		_ = b.Close()
	})
	return &harness{broker: b, pool: p, manager: m}
}

func (h *harness) start(t *testing.T, queue string, handler pool.Handler, r Reconnector) *Dispatcher {
	t.Helper()
	d := New(Config{
		Assignment:        model.QueueAssignment{Pattern: queue, Queue: queue, Shard: "test@host#0"},
		Handler:           handler,
		PollInterval:      5 * time.Millisecond,
		SaturationBackoff: 5 * time.Millisecond,
	}, h.broker, h.pool, h.manager, r)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(context.Background())
	}()
	t.Cleanup(func() {
		d.Drain(time.Second)
		<-done
	})
	return d
}

func (h *harness) enqueue(t *testing.T, queue string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		env := model.NewEnvelope(queue, "call_train", []byte(`{}`))
		require.NoError(t, h.broker.Enqueue(context.Background(), env, 0))
		ids = append(ids, env.ID)
	}
	return ids
}

func (h *harness) depth(t *testing.T, queue string) broker.Depth {
	t.Helper()
	d, err := h.broker.Depth(context.Background(), queue)
	require.NoError(t, err)
	return d
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StatePolling, true},
		{StatePolling, StateDispatching, true},
		{StateDispatching, StatePolling, true},
		{StatePolling, StateDraining, true},
		{StateIdle, StateDraining, true},
		{StateDraining, StateStopped, true},
		{StateIdle, StateDispatching, false},
		{StateDraining, StatePolling, false},
		{StateStopped, StatePolling, false},
		{StatePolling, StateStopped, false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s → %s", tt.from, tt.to)
		} else {
			assert.Error(t, err, "%s → %s", tt.from, tt.to)
		}
	}
}

func TestDispatcher_BackpressureRespectsCapacity(t *testing.T) {
	h := newHarness(t, 2, retry.Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	var running, peak atomic.Int32
	var mu sync.Mutex
	var starts []time.Time
	var firstFinish time.Time
	handler := func(ctx context.Context, env *model.TaskEnvelope) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()

		time.Sleep(80 * time.Millisecond)

		mu.Lock()
		if firstFinish.IsZero() {
			firstFinish = time.Now()
		}
		mu.Unlock()
		running.Add(-1)
		return nil
	}

	h.start(t, "broadcast", handler, nil)
	h.start(t, "moduleA", handler, nil)
	h.enqueue(t, "moduleA", 3)

	require.Eventually(t, func() bool {
		return h.manager.Counters().Succeeded == 3
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, broker.Depth{}, h.depth(t, "moduleA"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	assert.False(t, starts[2].Before(firstFinish), "third task started before a slot freed")
}

func TestDispatcher_AlwaysFailingHandlerDeadLetters(t *testing.T) {
	h := newHarness(t, 2, retry.Policy{MaxRetries: 2, BaseDelay: 30 * time.Millisecond, MaxDelay: time.Second})

	var mu sync.Mutex
	var calls []time.Time
	handler := func(ctx context.Context, env *model.TaskEnvelope) error {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return errors.New("training crashed")
	}

	h.start(t, "moduleA", handler, nil)
	h.enqueue(t, "moduleA", 1)

	require.Eventually(t, func() bool {
		return h.depth(t, "moduleA").Dead == 1
	}, 3*time.Second, 5*time.Millisecond)

	dead, err := h.broker.DeadLetters(context.Background(), "moduleA")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].RetryCount)
	assert.True(t, dead[0].IsDeadLettered())
	assert.Contains(t, dead[0].LastError, "training crashed")

	d := h.depth(t, "moduleA")
	assert.Zero(t, d.Ready)
	assert.Zero(t, d.InFlight)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	first, second := calls[1].Sub(calls[0]), calls[2].Sub(calls[1])
	assert.GreaterOrEqual(t, first, 30*time.Millisecond)
	assert.GreaterOrEqual(t, second, 60*time.Millisecond)

	c := h.manager.Counters()
	assert.Equal(t, int64(3), c.Failed)
	assert.Equal(t, int64(2), c.Retried)
	assert.Equal(t, int64(1), c.DeadLettered)
}

func TestDispatcher_DrainWaitsForRunningTasks(t *testing.T) {
	h := newHarness(t, 1, retry.Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	started := make(chan struct{})
	var once sync.Once
	handler := func(ctx context.Context, env *model.TaskEnvelope) error {
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
		return nil
	}
	d := New(Config{
		Assignment:   model.QueueAssignment{Queue: "moduleA"},
		Handler:      handler,
		PollInterval: 5 * time.Millisecond,
	}, h.broker, h.pool, h.manager, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	h.enqueue(t, "moduleA", 1)
	<-started
	d.Drain(time.Second)

	require.NoError(t, <-runDone)
	assert.Equal(t, StateStopped, d.State())
	assert.Equal(t, int64(1), h.manager.Counters().Succeeded)
	assert.Equal(t, broker.Depth{}, h.depth(t, "moduleA"))
}

func TestDispatcher_DrainCancelsAfterGraceAndReleases(t *testing.T) {
	h := newHarness(t, 1, retry.Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	started := make(chan struct{})
	var once sync.Once
	handler := func(ctx context.Context, env *model.TaskEnvelope) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}
	var transitions []State
	var tmu sync.Mutex
	d := New(Config{
		Assignment:   model.QueueAssignment{Queue: "moduleA"},
		Handler:      handler,
		PollInterval: 5 * time.Millisecond,
		OnTransition: func(_ string, _, to State) {
			tmu.Lock()
			transitions = append(transitions, to)
			tmu.Unlock()
		},
	}, h.broker, h.pool, h.manager, nil)
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(context.Background()) }()

	h.enqueue(t, "moduleA", 2)
	<-started
	d.Drain(30 * time.Millisecond)
	require.NoError(t, <-runDone)

	// The cancelled task and the one never polled are both back in the queue.
	assert.Equal(t, broker.Depth{Ready: 2}, h.depth(t, "moduleA"))
	got, err := h.broker.Poll(context.Background(), []string{"moduleA"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, env := range got {
		assert.Zero(t, env.RetryCount)
	}
	assert.Equal(t, int64(1), h.manager.Counters().Released)

	tmu.Lock()
	defer tmu.Unlock()
	require.NotEmpty(t, transitions)
	assert.Equal(t, StatePolling, transitions[0])
	assert.Equal(t, StateStopped, transitions[len(transitions)-1])
	assert.Contains(t, transitions, StateDispatching)
	assert.Contains(t, transitions, StateDraining)
}

func TestDispatcher_DrainWithoutRun(t *testing.T) {
	h := newHarness(t, 1, retry.Policy{})
	d := New(Config{Assignment: model.QueueAssignment{Queue: "q"}}, h.broker, h.pool, h.manager, nil)
	d.Drain(time.Millisecond)
	assert.Equal(t, StateStopped, d.State())
	assert.NoError(t, d.Run(context.Background()))
}

type fakeReconnector struct {
	calls atomic.Int32
	b     *broker.Memory
}

func (f *fakeReconnector) Reconnect(ctx context.Context) error {
	f.calls.Add(1)
	f.b.SetUnavailable(false)
	return nil
}

func TestDispatcher_PollOutageTriggersReconnect(t *testing.T) {
	h := newHarness(t, 2, retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	h.enqueue(t, "moduleA", 1)
	h.broker.SetUnavailable(true)

	r := &fakeReconnector{b: h.broker}
	h.start(t, "moduleA", func(ctx context.Context, env *model.TaskEnvelope) error { return nil }, r)

	require.Eventually(t, func() bool {
		return h.manager.Counters().Succeeded == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, r.calls.Load(), int32(1))
}

func TestDispatcher_Snapshot(t *testing.T) {
	h := newHarness(t, 1, retry.Policy{})
	release := make(chan struct{})
	d := h.start(t, "moduleA", func(ctx context.Context, env *model.TaskEnvelope) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, nil)
	defer close(release)

	ids := h.enqueue(t, "moduleA", 1)
	require.Eventually(t, func() bool { return len(d.InFlight()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ids, d.InFlight())

	s := d.Snapshot()
	assert.Equal(t, "moduleA", s.Queue)
	assert.Equal(t, "test@host#0", s.Shard)
	assert.Equal(t, 1, s.InFlight)
	assert.Equal(t, -1, s.Ready)
}
