package model

import (
	"errors"
	"fmt"
)

// ErrInvalidWorkingDirectory is returned when the worker is not started from a project root.
var ErrInvalidWorkingDirectory = errors.New("invalid working directory")

// ConfigError is a fatal startup error: the process exits non-zero.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
