// Package events carries task lifecycle events from the ack/retry manager to
// the audit log and metrics.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventTaskDispatched   EventType = "task_dispatched"
	EventTaskSucceeded    EventType = "task_succeeded"
	EventTaskRetried      EventType = "task_retried"
	EventTaskDeadLettered EventType = "task_dead_lettered"
	// EventTaskReleased is published when an envelope goes back to the broker
	// unexecuted or force-cancelled during shutdown.
	EventTaskReleased   EventType = "task_released"
	EventDuplicateAck   EventType = "duplicate_ack"
	EventMalformed      EventType = "malformed_envelope"
	EventBrokerOutage   EventType = "broker_unavailable"
	EventBrokerRecovery EventType = "broker_reconnected"
)

// AllTypes lists every type published by the worker.
var AllTypes = []EventType{
	EventTaskDispatched,
	EventTaskSucceeded,
	EventTaskRetried,
	EventTaskDeadLettered,
	EventTaskReleased,
	EventDuplicateAck,
	EventMalformed,
	EventBrokerOutage,
	EventBrokerRecovery,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber gets a
// buffered channel; when it is full the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
	wg          sync.WaitGroup

	dropMu  sync.Mutex
	dropped int64
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given types. fn runs on one goroutine per
// subscription, so calls for one subscription never overlap. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, subCh := range subs {
					if subCh == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

// Publish never blocks.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropMu.Lock()
			b.dropped++
			b.dropMu.Unlock()
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was behind.
func (b *Bus) Dropped() int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped
}

// Close stops accepting subscriptions, closes every subscriber channel and
// waits for queued events to be delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	seen := make(map[chan Event]bool)
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, t)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
