package draftsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrStorageFull      = errors.New("storage full")
	ErrConflictPending  = errors.New("conflict pending")
	ErrOwnershipDenied  = errors.New("ownership denied")
	ErrCorruptedEntry   = errors.New("corrupted entry")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrSessionClosed    = errors.New("session closed")
	ErrInvalidInput     = errors.New("invalid input")
)

// OwnershipError reports a failed acquisition or renewal together with the
// lease holder observed at the time of the attempt.
type OwnershipError struct {
	DocumentID string
	Holder     string
	ExpiresAt  time.Time
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("ownership of %s denied: held by %s until %s",
		e.DocumentID, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

func (e *OwnershipError) Is(target error) bool {
	return target == ErrOwnershipDenied
}

// CorruptedEntryError marks an entry that failed to deserialize. The entry is
// deleted by whoever hits it; the error is logged, not propagated to unrelated
// operations.
type CorruptedEntryError struct {
	Key   string
	Cause error
}

func (e *CorruptedEntryError) Error() string {
	return fmt.Sprintf("corrupted entry %s: %v", e.Key, e.Cause)
}

func (e *CorruptedEntryError) Is(target error) bool {
	return target == ErrCorruptedEntry
}

func (e *CorruptedEntryError) Unwrap() error {
	return e.Cause
}

// StoreError wraps a failure of a basic store operation so callers can
// distinguish a broken medium from a missing key.
type StoreError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Cause)
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}
