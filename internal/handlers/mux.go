// Package handlers maps task names to the functions that run them.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/pool"
)

var ErrNoHandler = errors.New("no handler registered for task")

// Mux dispatches an envelope to the handler registered for its task name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]pool.Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]pool.Handler)}
}

// Register binds name to h, replacing any earlier binding.
func (m *Mux) Register(name string, h pool.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
}

func (m *Mux) Lookup(name string) (pool.Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[name]
	return h, ok
}

// Names returns the registered task names in sorted order.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handlers))
	for n := range m.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handle satisfies pool.Handler.
func (m *Mux) Handle(ctx context.Context, env *model.TaskEnvelope) error {
	h, ok := m.Lookup(env.Task)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, env.Task)
	}
	return h(ctx, env)
}

// Default returns a mux with the built-in handlers plus one command handler
// per configured task. Configured tasks override built-ins of the same name.
func Default(cfg map[string]model.HandlerConfig, logger *logging.Logger) *Mux {
	m := NewMux()
	m.Register("echo", Echo(logger))
	m.Register("sleep", Sleep)
	for name, hc := range cfg {
		m.Register(name, Command(name, hc, logger))
	}
	return m
}
