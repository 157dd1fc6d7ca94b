package netcache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotInitialized: the service is shut down (or was never started).
	ErrNotInitialized = errors.New("netcache: not initialized")
	// ErrOutOfMemory is never returned: a failed Go allocation aborts the
	// program instead. It is kept so callers can match the full error set.
	ErrOutOfMemory = errors.New("netcache: out of memory")
	// ErrKeyNotFound: read-only open of a key that has no entry.
	ErrKeyNotFound = errors.New("netcache: key not found")
	// ErrCacheInUse: a device holds a different key in the same slot.
	ErrCacheInUse = errors.New("netcache: cache in use")
	// ErrNotAvailable: no device can serve the request, or the entry lost its device.
	ErrNotAvailable = errors.New("netcache: not available")
	// ErrWouldBlock: a non-blocking open would have to wait for validation.
	ErrWouldBlock       = errors.New("netcache: would block")
	ErrAccessDenied     = errors.New("netcache: access denied")
	ErrDescriptorClosed = errors.New("netcache: descriptor closed")
	// ErrStreamMismatch: stream-based request against a non-stream entry or vice versa.
	ErrStreamMismatch = errors.New("netcache: stream mismatch")

	errWaitForValidation = errors.New("netcache: wait for validation")
	errEntryDoomed       = errors.New("netcache: entry doomed")
)

// DeviceError reports a failed device operation.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("netcache: %s device %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ShutdownError collects every failure seen while shutting down.
type ShutdownError struct {
	Errs []error
}

func (e *ShutdownError) Error() string {
	switch len(e.Errs) {
	case 0:
		return "netcache: shutdown: unknown error"
	case 1:
		return "netcache: shutdown: " + e.Errs[0].Error()
	}
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("netcache: shutdown: %d errors: %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *ShutdownError) Unwrap() []error { return e.Errs }
