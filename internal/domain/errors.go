package domain

import (
	"errors"
	"fmt"
)

// NotFoundError represents a missing resource.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is enables errors.Is matching on NotFoundError.
func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	if ok {
		return true
	}
	_, ok = target.(*NotFoundError)
	return ok
}

// ErrNotFound is the sentinel error for missing resources.
var ErrNotFound = NotFoundError{}

// ErrEntryLocked signals that the only collect entry for a definition is
// currently locked by another worker. Expected contention, retried by the
// coordinator, never surfaced to operators directly.
var ErrEntryLocked = errors.New("collect entry is locked")

// ErrJoinLockTimeout is returned when the coordinator's bounded retry loop
// exhausts its wall-clock deadline without acquiring the entry. No partial
// state was written; the caller treats this as transient.
var ErrJoinLockTimeout = errors.New("timed out trying to lock collect entry")

// VersionConflictError reports an optimistic-concurrency write that lost the
// race on a DeltaFile document. The caller re-reads and retries.
type VersionConflictError struct {
	Did string
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict writing deltafile %s", e.Did)
}

// Is enables errors.Is matching on VersionConflictError.
func (e VersionConflictError) Is(target error) bool {
	_, ok := target.(VersionConflictError)
	if ok {
		return true
	}
	_, ok = target.(*VersionConflictError)
	return ok
}

// ErrVersionConflict is the sentinel for optimistic-concurrency conflicts.
var ErrVersionConflict = VersionConflictError{}
