// Package codec converts task envelopes to and from their JSON wire form.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/conveyor/internal/model"
)

// ErrMalformedEnvelope marks bytes or envelopes that cannot be carried on the wire.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// wireEnvelope is the on-the-wire shape. Times are RFC 3339 UTC strings with
// nanoseconds; the zero time is omitted.
type wireEnvelope struct {
	ID                 string          `json:"id"`
	Queue              string          `json:"queue"`
	Task               string          `json:"task,omitempty"`
	Payload            []byte          `json:"payload"`
	EnqueuedAt         string          `json:"enqueued_at,omitempty"`
	RetryCount         int             `json:"retry_count"`
	VisibilityDeadline string          `json:"visibility_deadline,omitempty"`
	LastError          string          `json:"last_error,omitempty"`
	DeadLetter         *wireDeadLetter `json:"dead_letter,omitempty"`
}

type wireDeadLetter struct {
	At     string `json:"at,omitempty"`
	Reason string `json:"reason"`
}

// Encode validates e and returns its wire bytes.
func Encode(e *model.TaskEnvelope) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	w := wireEnvelope{
		ID:                 e.ID,
		Queue:              e.Queue,
		Task:               e.Task,
		Payload:            e.Payload,
		EnqueuedAt:         formatTime(e.EnqueuedAt),
		RetryCount:         e.RetryCount,
		VisibilityDeadline: formatTime(e.VisibilityDeadline),
		LastError:          e.LastError,
	}
	if e.DeadLetter != nil {
		w.DeadLetter = &wireDeadLetter{At: formatTime(e.DeadLetter.At), Reason: e.DeadLetter.Reason}
	}
	data, err := json.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return data, nil
}

// Decode parses wire bytes. Any failure wraps ErrMalformedEnvelope.
func Decode(data []byte) (*model.TaskEnvelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	e := &model.TaskEnvelope{
		ID:         w.ID,
		Queue:      w.Queue,
		Task:       w.Task,
		Payload:    w.Payload,
		RetryCount: w.RetryCount,
		LastError:  w.LastError,
	}
	var err error
	if e.EnqueuedAt, err = parseTime("enqueued_at", w.EnqueuedAt); err != nil {
		return nil, err
	}
	if e.VisibilityDeadline, err = parseTime("visibility_deadline", w.VisibilityDeadline); err != nil {
		return nil, err
	}
	if w.DeadLetter != nil {
		at, err := parseTime("dead_letter.at", w.DeadLetter.At)
		if err != nil {
			return nil, err
		}
		e.DeadLetter = &model.DeadLetterMark{At: at, Reason: w.DeadLetter.Reason}
	}
	if err := Validate(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate applies the envelope invariants shared by both directions.
func Validate(e *model.TaskEnvelope) error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	case e.Queue == "":
		return fmt.Errorf("%w: envelope %s: missing queue name", ErrMalformedEnvelope, e.ID)
	case e.RetryCount < 0:
		return fmt.Errorf("%w: envelope %s: negative retry_count %d", ErrMalformedEnvelope, e.ID, e.RetryCount)
	case !inRange(e.EnqueuedAt), !inRange(e.VisibilityDeadline):
		return fmt.Errorf("%w: envelope %s: timestamp outside years 0-9999", ErrMalformedEnvelope, e.ID)
	case e.DeadLetter != nil && !inRange(e.DeadLetter.At):
		return fmt.Errorf("%w: envelope %s: dead letter timestamp outside years 0-9999", ErrMalformedEnvelope, e.ID)
	}
	return nil
}

// inRange reports whether t has an RFC 3339 form.
func inRange(t time.Time) bool {
	y := t.UTC().Year()
	return y >= 0 && y <= 9999
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, field, err)
	}
	return t.UTC(), nil
}
