package dsync

import (
	"context"
	"errors"
	"fmt"
)

// RemoteRecord is the server's copy of a design.
type RemoteRecord struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Design
}

// RemoteAck is the server's acknowledgement of a create or update.
type RemoteAck struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	// Replayed is set on a create answered with the record an earlier request for
	// the same offline id already created. The payload of the replay was not applied.
	Replayed bool `json:"-"`
}

// Remote is the record API the engine reconciles against.
//
// Implementations map transport outcomes onto the errors below: ErrUnauthorized for
// 401, ErrNotFound for 404, *ConflictError for 409 and *HTTPStatusError for any other
// non-2xx status. Transport failures are returned unwrapped.
type Remote interface {
	// Create posts a new record. offlineID correlates retries of the same local record.
	Create(ctx context.Context, offlineID string, d Design) (*RemoteAck, error)

	// Get fetches the current server copy of a record.
	Get(ctx context.Context, remoteID string) (*RemoteRecord, error)

	// Update applies a partial payload. baseVersion is the last server version the
	// client has seen.
	Update(ctx context.Context, remoteID string, baseVersion int64, p Patch) (*RemoteAck, error)

	// Delete removes a record.
	Delete(ctx context.Context, remoteID string) error

	// List returns every record visible to the client.
	List(ctx context.Context) ([]*RemoteRecord, error)
}

var (
	// ErrUnauthorized means the session expired and the user must re-authenticate.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrNotFound means the remote record does not exist.
	ErrNotFound = errors.New("remote: not found")
)

// ConflictError reports a server-detected version conflict.
type ConflictError struct {
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote: version conflict (server version %d)", e.ServerVersion)
}

// HTTPStatusError reports any other non-2xx response.
type HTTPStatusError struct {
	Code    int
	Message string
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote: status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote: status %d", e.Code)
}
