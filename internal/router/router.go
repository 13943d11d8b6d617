// Package router turns configured queue patterns and runtime module names into the
// concrete queue set a worker subscribes to.
package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/conveyor/internal/model"
)

// ModulePlaceholder in a pattern is replaced by every module name.
const ModulePlaceholder = "{module}"

var ErrNoQueuesConfigured = errors.New("no queues configured")

// Router resolves queue names. The zero Router has no broadcast queue.
type Router struct {
	Broadcast string
}

func New(broadcast string) *Router {
	return &Router{Broadcast: broadcast}
}

// Resolve returns the sorted, de-duplicated queue set: the broadcast queue, literal
// patterns, and every {module} pattern expanded for every module. With no patterns the
// module names are used as queue names directly. An empty result is a configuration error.
func (r *Router) Resolve(patterns, modules []string) ([]string, error) {
	set := make(map[string]struct{})
	add := func(name string) error {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil
		}
		if err := validateQueueName(name); err != nil {
			return err
		}
		set[name] = struct{}{}
		return nil
	}

	if err := add(r.Broadcast); err != nil {
		return nil, err
	}

	if len(patterns) == 0 {
		patterns = []string{ModulePlaceholder}
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, ModulePlaceholder) {
			if err := add(p); err != nil {
				return nil, err
			}
			continue
		}
		for _, m := range modules {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			if err := add(strings.ReplaceAll(p, ModulePlaceholder, m)); err != nil {
				return nil, err
			}
		}
	}

	if len(set) == 0 {
		return nil, &model.ConfigError{Field: "queues", Err: ErrNoQueuesConfigured}
	}

	queues := make([]string, 0, len(set))
	for q := range set {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues, nil
}

// Assign maps each resolved queue to one dispatcher shard of identity.
// patterns is used only to record which pattern produced each queue.
func (r *Router) Assign(identity model.WorkerIdentity, queues, patterns []string) []model.QueueAssignment {
	out := make([]model.QueueAssignment, 0, len(queues))
	for i, q := range queues {
		out = append(out, model.QueueAssignment{
			Pattern: r.sourcePattern(q, patterns),
			Queue:   q,
			Shard:   fmt.Sprintf("%s#%d", identity, i+1),
		})
	}
	return out
}

func (r *Router) sourcePattern(queue string, patterns []string) string {
	if queue == r.Broadcast {
		return queue
	}
	if len(patterns) == 0 {
		patterns = []string{ModulePlaceholder}
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == queue {
			return p
		}
		prefix, suffix, ok := strings.Cut(p, ModulePlaceholder)
		if ok && !strings.Contains(suffix, ModulePlaceholder) &&
			len(queue) > len(prefix)+len(suffix) &&
			strings.HasPrefix(queue, prefix) && strings.HasSuffix(queue, suffix) {
			return p
		}
	}
	return queue
}

// ParseModules splits an environment value such as "moduleA, moduleB moduleC".
func ParseModules(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	var out []string
	seen := make(map[string]bool)
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// MergeModules appends extra to base, skipping duplicates and keeping first-seen order.
func MergeModules(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, list := range [][]string{base, extra} {
		for _, m := range list {
			m = strings.TrimSpace(m)
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// validateQueueName accepts names every broker can store: queue names become
// spool file names and redis key segments.
func validateQueueName(name string) error {
	if strings.ContainsAny(name, " \t\r\n,{}/\\") || strings.HasPrefix(name, ".") {
		return &model.ConfigError{Field: "queues", Err: fmt.Errorf("invalid queue name %q", name)}
	}
	return nil
}
