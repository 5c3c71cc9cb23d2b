package medsync

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the medsync client.
var (
	// ErrNotFound is returned when an entity is not in the mirror.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidEntity is returned when a row is missing its identity or owner.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a network operation is attempted in offline mode.
	ErrOffline = errors.New("operation unavailable in offline mode")

	// ErrStorageBackendMissing is returned when an image is supplied but no
	// blob store is configured. The mutation is abandoned.
	ErrStorageBackendMissing = errors.New("blob storage backend not configured")

	// ErrRefreshInFlight is returned when a refresh is dropped because
	// another pass over the same table is already running.
	ErrRefreshInFlight = errors.New("refresh already in flight")

	// ErrRefresherClosed is returned by refreshes attempted after Close.
	ErrRefresherClosed = errors.New("refresher is closed")

	// ErrLoggedOut is returned by operations attempted after Logout.
	ErrLoggedOut = errors.New("session logged out")

	// ErrUnexplainedEmpty is returned when a replace would collapse a
	// non-empty table to zero without an intentional-clear tag.
	ErrUnexplainedEmpty = errors.New("replace rejected: unexplained collapse to empty")

	// ErrVersionMismatch is the sentinel wrapped by VersionMismatchError.
	ErrVersionMismatch = errors.New("client version mismatch")
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SyncError is returned when a remote read or write fails. It is the
// transient network error of the taxonomy: the mirror is preserved and
// optimistic mutations are rolled back.
// Extractable via errors.As(). Supports Unwrap().
type SyncError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsTransient reports whether err came from a remote round trip that may
// succeed if the user retries.
func IsTransient(err error) bool {
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		return false
	}
	// 4xx other than timeouts and throttling will not heal on retry.
	if syncErr.StatusCode >= 400 && syncErr.StatusCode < 500 {
		return syncErr.StatusCode == 408 || syncErr.StatusCode == 429
	}
	return true
}

// MalformedEventError is returned when a change-feed payload is missing
// required fields or has an unrecognized shape.
type MalformedEventError struct {
	Table     Table
	EventType Op
	Missing   []string
	Err       error
}

func (e *MalformedEventError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("malformed %s event on %s: missing %s", e.EventType, e.Table, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("malformed %s event on %s: %v", e.EventType, e.Table, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// NotFoundOnReconcileError is returned when an update or delete event
// references a row absent from the mirror.
type NotFoundOnReconcileError struct {
	Table     Table
	EventType Op
	ID        string
}

func (e *NotFoundOnReconcileError) Error() string {
	return fmt.Sprintf("%s event on %s references unknown id %q", e.EventType, e.Table, e.ID)
}

func (e *NotFoundOnReconcileError) Unwrap() error { return ErrNotFound }

// VersionMismatchError is returned when the server requires a different
// client build. Local state has been purged by the time it is returned.
type VersionMismatchError struct {
	Required string
	Running  string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("client version %q does not match required %q: local state purged, restart session", e.Running, e.Required)
}

func (e *VersionMismatchError) Unwrap() error { return ErrVersionMismatch }
