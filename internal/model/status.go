package model

import "fmt"

// Status is the lifecycle position of a stored envelope.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDeadLetter Status = "dead_letter"
)

// pending ↔ in_progress → dead_letter. Acknowledged entries are deleted, not marked.
var validEntryTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusDeadLetter: true,
	},
	StatusInProgress: {
		StatusPending:    true, // nack or lease expiry
		StatusDeadLetter: true,
	},
}

func IsTerminal(s Status) bool {
	return s == StatusDeadLetter
}

func ValidateEntryTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validEntryTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid entry transition: %q → %q", from, to)
	}
	return nil
}
