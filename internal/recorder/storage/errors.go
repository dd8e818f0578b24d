package storage

import "errors"

var (
	// ErrUnmountTimeout is returned when a losing volume stays mounted past
	// the configured wait.
	ErrUnmountTimeout = errors.New("volume still mounted after unmount request")
	// ErrNoVolume means neither volume is mounted.
	ErrNoVolume = errors.New("storage not detected")
)

// StorageError represents a storage operation error
type StorageError struct {
	Op        string
	Key       string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
