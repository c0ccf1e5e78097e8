package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for registration-time failures. Both are returned
// synchronously: when they fire, nothing has been created.
var (
	// ErrValidation marks a malformed trigger or cron expression.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateRegistration marks an id that is already registered.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrNotFound marks a lookup for an id that does not exist.
	ErrNotFound = errors.New("not found")
)

// StorageError wraps a failure from the persistent pattern store. Callers
// inside an autonomous cycle log it and skip the affected item; it is never
// allowed to halt a loop.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err with the failing store operation name.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// ConfigError reports an invalid configuration value. The previous
// configuration is always retained when one of these is returned.
type ConfigError struct {
	Option string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config option %s=%v: %s", e.Option, e.Value, e.Reason)
}
