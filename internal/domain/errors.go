package domain

import (
	"context"
	"errors"
)

var (
	// ErrTransientStorage marks connection and timeout failures of a backing
	// store. Background tasks retry it, request paths fail the request.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrUserNotFound is returned by user stores for unknown ids.
	ErrUserNotFound = errors.New("user not found")
)

// Transient wraps err as ErrTransientStorage. Nil and already-wrapped errors
// pass through, and ErrUserNotFound is a definitive answer, not a transient one.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientStorage) || errors.Is(err, ErrUserNotFound) {
		return err
	}
	return errors.Join(ErrTransientStorage, err)
}

// IsTransient reports whether err is a storage failure worth retrying,
// including deadline expiries that were not wrapped.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage) || errors.Is(err, context.DeadlineExceeded)
}
