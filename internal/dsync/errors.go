package dsync

import (
	"errors"
	"fmt"
)

// ErrorKind tags the outcome of a failed intent so the drain loop can branch on it.
type ErrorKind int

const (
	// KindRetryable failures consume a retry and are attempted again later.
	KindRetryable ErrorKind = iota + 1
	// KindFatal failures abort the whole drain pass without consuming a retry.
	KindFatal
	// KindConflict failures park the record until the user resolves it.
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// SyncError is the tagged failure produced while processing one intent.
type SyncError struct {
	Kind     ErrorKind
	RecordID string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s failure for record %s: %v", e.Kind, e.RecordID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

var (
	// ErrReauthenticate is returned by Engine.Sync when the remote rejected the session.
	ErrReauthenticate = errors.New("sync aborted: session expired, re-authentication required")

	// ErrRecordNotFound is returned by service calls that require an existing record.
	ErrRecordNotFound = errors.New("record not found")
)

// classify maps a remote error onto an ErrorKind for the given operation.
// 401 is always fatal. 404 and 409 only signal a conflict for updates; for a create
// they are ordinary retryable failures.
func classify(op Operation, err error) ErrorKind {
	if errors.Is(err, ErrUnauthorized) {
		return KindFatal
	}
	if op == OpUpdate {
		var ce *ConflictError
		if errors.Is(err, ErrNotFound) || errors.As(err, &ce) {
			return KindConflict
		}
	}
	return KindRetryable
}
