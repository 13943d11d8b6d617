package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/conveyor/internal/codec"
	"github.com/msageha/conveyor/internal/model"
)

type memItem struct {
	id      string
	raw     []byte
	readyAt time.Time
	seq     uint64
}

type memLease struct {
	item     memItem
	queue    string
	deadline time.Time
}

// Memory is an in-process broker. Envelopes are stored encoded so the
// consumer path exercises the codec exactly as with a remote transport.
type Memory struct {
	opts Options

	mu          sync.Mutex
	ready       map[string][]memItem
	inflight    map[string]*memLease
	dead        map[string][]*model.TaskEnvelope
	deadIDs     map[string]bool
	seq         uint64
	unavailable bool
	closed      bool
	wake        chan struct{}
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:     opts.withDefaults(),
		ready:    make(map[string][]memItem),
		inflight: make(map[string]*memLease),
		dead:     make(map[string][]*model.TaskEnvelope),
		deadIDs:  make(map[string]bool),
		wake:     make(chan struct{}),
	}
}

// SetUnavailable simulates a transport outage. While set, every call fails
// with ErrUnavailable.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	if m.unavailable {
		return fmt.Errorf("%w: memory broker offline", ErrUnavailable)
	}
	return nil
}

func (m *Memory) Wake() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wake
}

// signalLocked wakes everyone waiting on the current generation.
func (m *Memory) signalLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Memory) insertLocked(queue string, item memItem) {
	items := append(m.ready[queue], item)
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].readyAt.Equal(items[j].readyAt) {
			return items[i].readyAt.Before(items[j].readyAt)
		}
		return items[i].seq < items[j].seq
	})
	m.ready[queue] = items
	m.signalLocked()
}

func (m *Memory) Enqueue(ctx context.Context, env *model.TaskEnvelope, delay time.Duration) error {
	raw, err := codec.Encode(stored(env))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.knownLocked(env.Queue, env.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, env.ID)
	}
	m.seq++
	m.insertLocked(env.Queue, memItem{id: env.ID, raw: raw, readyAt: time.Now().Add(delay), seq: m.seq})
	return nil
}

// EnqueueRaw stores bytes as-is, bypassing validation.
func (m *Memory) EnqueueRaw(queue, id string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.insertLocked(queue, memItem{id: id, raw: raw, readyAt: time.Now(), seq: m.seq})
}

func (m *Memory) knownLocked(queue, id string) bool {
	if _, ok := m.inflight[id]; ok {
		return true
	}
	for _, it := range m.ready[queue] {
		if it.id == id {
			return true
		}
	}
	return m.deadIDs[id]
}

func (m *Memory) Poll(ctx context.Context, queues []string, max int) ([]*model.TaskEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	now := time.Now()
	m.requeueExpiredLocked(now)

	var out []*model.TaskEnvelope
	for _, q := range queues {
		items := m.ready[q]
		n := 0
		for n < len(items) && len(out) < max && !items[n].readyAt.After(now) {
			it := items[n]
			n++
			env, err := codec.Decode(it.raw)
			if err != nil {
				m.opts.malformed(q, it.raw, err)
				continue
			}
			deadline := now.Add(m.opts.Visibility)
			m.inflight[env.ID] = &memLease{item: it, queue: q, deadline: deadline}
			out = append(out, leaseCopy(env, deadline))
		}
		m.ready[q] = items[n:]
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (m *Memory) requeueExpiredLocked(now time.Time) {
	for id, l := range m.inflight {
		if l.deadline.After(now) {
			continue
		}
		delete(m.inflight, id)
		m.opts.Logger.Warn("lease_expired queue=%s id=%s", l.queue, id)
		it := l.item
		it.readyAt = now
		m.insertLocked(l.queue, it)
	}
}

func (m *Memory) Ack(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.inflight[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.inflight, id)
	return nil
}

func (m *Memory) Nack(ctx context.Context, env *model.TaskEnvelope, delay time.Duration) error {
	raw, err := codec.Encode(stored(env))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	l, ok := m.inflight[env.ID]
	if !ok || !sameLease(env, l.deadline) {
		return fmt.Errorf("%w: %s", ErrNotFound, env.ID)
	}
	delete(m.inflight, env.ID)
	it := l.item
	it.raw = raw
	it.readyAt = time.Now().Add(delay)
	m.insertLocked(l.queue, it)
	return nil
}

func (m *Memory) DeadLetter(ctx context.Context, env *model.TaskEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.deadIDs[env.ID] {
		return nil
	}
	if !env.VisibilityDeadline.IsZero() {
		if l, ok := m.inflight[env.ID]; !ok || !sameLease(env, l.deadline) {
			return fmt.Errorf("%w: %s", ErrNotFound, env.ID)
		}
	}
	delete(m.inflight, env.ID)
	items := m.ready[env.Queue]
	for i, it := range items {
		if it.id == env.ID {
			m.ready[env.Queue] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	m.deadIDs[env.ID] = true
	m.dead[env.Queue] = append(m.dead[env.Queue], stored(env))
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Depth(ctx context.Context, queue string) (Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Depth{}, err
	}
	d := Depth{Ready: len(m.ready[queue]), Dead: len(m.dead[queue])}
	for _, l := range m.inflight {
		if l.queue == queue {
			d.InFlight++
		}
	}
	return d, nil
}

func (m *Memory) DeadLetters(ctx context.Context, queue string) ([]*model.TaskEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]*model.TaskEnvelope, 0, len(m.dead[queue]))
	for _, e := range m.dead[queue] {
		out = append(out, e.Clone())
	}
	return out, nil
}

var (
	_ Broker    = (*Memory)(nil)
	_ Producer  = (*Memory)(nil)
	_ Waker     = (*Memory)(nil)
	_ Inspector = (*Memory)(nil)
)
