// Package model defines the task envelope, worker identity, queue assignment and configuration types.
package model

import (
	"bytes"
	"time"
)

// TaskEnvelope is one task message as read from the broker.
type TaskEnvelope struct {
	ID                 string          `yaml:"id"`
	Queue              string          `yaml:"queue"`
	Task               string          `yaml:"task"`
	Payload            []byte          `yaml:"payload,omitempty"`
	EnqueuedAt         time.Time       `yaml:"enqueued_at"`
	RetryCount         int             `yaml:"retry_count"`
	VisibilityDeadline time.Time       `yaml:"visibility_deadline,omitempty"`
	LastError          string          `yaml:"last_error,omitempty"`
	DeadLetter         *DeadLetterMark `yaml:"dead_letter,omitempty"`
}

// DeadLetterMark is the terminal marker attached when an envelope leaves the active queue for good.
type DeadLetterMark struct {
	At     time.Time `yaml:"at"`
	Reason string    `yaml:"reason"`
}

// NewEnvelope builds a fresh envelope for queue with a generated id.
func NewEnvelope(queue, task string, payload []byte) *TaskEnvelope {
	return &TaskEnvelope{
		ID:         NewEnvelopeID(),
		Queue:      queue,
		Task:       task,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy so brokers never share payload slices with callers.
func (e *TaskEnvelope) Clone() *TaskEnvelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = bytes.Clone(e.Payload)
	}
	if e.DeadLetter != nil {
		dl := *e.DeadLetter
		c.DeadLetter = &dl
	}
	return &c
}

func (e *TaskEnvelope) IsDeadLettered() bool {
	return e.DeadLetter != nil
}
