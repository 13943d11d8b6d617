package model

import (
	"strings"

	"github.com/google/uuid"
)

const envelopeIDPrefix = "task_"

// NewEnvelopeID returns a random envelope identifier.
func NewEnvelopeID() string {
	return envelopeIDPrefix + uuid.NewString()
}

// ValidateEnvelopeID reports whether id was produced by NewEnvelopeID.
// Brokers accept any non-empty id; this only recognizes locally generated ones.
func ValidateEnvelopeID(id string) bool {
	rest, ok := strings.CutPrefix(id, envelopeIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
