package dsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Designs is the mutation surface used by the UI. Every call updates the local store
// and records the matching intent in the sync queue.
type Designs struct {
	store  *Store
	queue  *Queue
	remote Remote
	clock  Clock
	logger Logger
}

// NewDesigns creates a Designs service. remote is only used by Pull and ResolveConflict.
func NewDesigns(store *Store, queue *Queue, remote Remote, clock Clock, logger Logger) *Designs {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Designs{store: store, queue: queue, remote: remote, clock: clock, logger: logger}
}

// CreateDesign stores a new design and queues its create.
func (s *Designs) CreateDesign(d Design) (*Record, error) {
	r, err := s.store.Create(d)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(OpCreate, r.LocalID, FullPatch(d)); err != nil {
		return nil, err
	}
	s.logger.Info("design created", "id", r.LocalID, "name", d.Name)
	return r, nil
}

// UpdateDesign applies a partial update and queues it. Returns ErrRecordNotFound if
// the design is absent or deleted.
func (s *Designs) UpdateDesign(id string, p Patch) (*Record, error) {
	if p.Empty() {
		return nil, fmt.Errorf("update of %s sets no fields", id)
	}
	r, err := s.store.Update(id, p)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("updating %s: %w", id, ErrRecordNotFound)
	}
	if _, err := s.queue.Enqueue(OpUpdate, r.LocalID, p); err != nil {
		return nil, err
	}
	s.logger.Info("design updated", "id", r.LocalID, "version", r.LocalVersion)
	return r, nil
}

// DeleteDesign deletes a design. A design that never reached the server disappears
// together with its queued create; otherwise a delete is queued.
func (s *Designs) DeleteDesign(id string) error {
	r, purged, err := s.store.Delete(id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("deleting %s: %w", id, ErrRecordNotFound)
	}
	if purged {
		if err := s.queue.Remove(r.LocalID); err != nil {
			return err
		}
		s.logger.Info("design deleted locally", "id", r.LocalID)
		return nil
	}
	if _, err := s.queue.Enqueue(OpDelete, r.LocalID, Patch{}); err != nil {
		return err
	}
	s.logger.Info("design delete queued", "id", r.LocalID, "remote_id", r.RemoteID)
	return nil
}

// GetDesign resolves a local or remote id. Returns nil if absent.
func (s *Designs) GetDesign(id string) (*Record, error) {
	return s.store.Get(id)
}

// ListDesigns returns live designs, optionally restricted to one folder.
func (s *Designs) ListDesigns(folderID string) ([]*Record, error) {
	if folderID != "" {
		return s.DesignsByFolder(folderID)
	}
	return s.store.All()
}

// DesignsByFolder returns live designs in one folder.
func (s *Designs) DesignsByFolder(folderID string) ([]*Record, error) {
	return s.store.ByFolder(folderID)
}

// DesignsByStatus returns live designs in the given statuses.
func (s *Designs) DesignsByStatus(statuses ...SyncStatus) ([]*Record, error) {
	return s.store.ByStatus(statuses...)
}

// DesignsNeedingSync returns designs that are pending or in error.
func (s *Designs) DesignsNeedingSync() ([]*Record, error) {
	return s.store.NeedsSync()
}

// RetryFailed resets a failed intent and returns its record to pending.
func (s *Designs) RetryFailed(intentID string) (*Intent, error) {
	in, err := s.queue.RetryFailedItem(intentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.MarkPending(in.RecordID); err != nil {
		return nil, err
	}
	s.logger.Info("failed intent requeued", "intent", in.ID, "record", in.RecordID)
	return in, nil
}

// RetryAllFailed requeues every failed intent and returns how many were reset.
func (s *Designs) RetryAllFailed() (int, error) {
	failed, err := s.queue.List(IntentFailed)
	if err != nil {
		return 0, err
	}
	for _, in := range failed {
		if _, err := s.RetryFailed(in.ID); err != nil {
			return 0, err
		}
	}
	return len(failed), nil
}

// Summary is the aggregated sync state shown to the user.
type Summary struct {
	Pending      int
	Failed       int
	Conflicts    int
	LastSyncTime time.Time
}

// LastSynced renders LastSyncTime relative to now, e.g. "3 minutes ago".
func (s *Summary) LastSynced(now time.Time) string {
	if s.LastSyncTime.IsZero() {
		return "never"
	}
	return humanize.RelTime(s.LastSyncTime, now, "ago", "from now")
}

// Status returns the aggregated pending, failed and conflict counts.
func (s *Designs) Status() (*Summary, error) {
	pending, err := s.queue.PendingCount()
	if err != nil {
		return nil, err
	}
	failed, err := s.queue.FailedCount()
	if err != nil {
		return nil, err
	}
	conflicts, err := s.store.CountByStatus(StatusConflict)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LastSyncTime()
	if err != nil {
		return nil, err
	}
	return &Summary{Pending: pending, Failed: failed, Conflicts: conflicts, LastSyncTime: last}, nil
}

// Resolution is a user decision for a record parked in conflict.
type Resolution string

const (
	// ResolveKeepLocal overwrites the server copy with the local design.
	ResolveKeepLocal Resolution = "keep-local"
	// ResolveKeepRemote discards local changes in favor of the server copy.
	ResolveKeepRemote Resolution = "keep-remote"
	// ResolveRestore recreates a design whose server copy was deleted.
	ResolveRestore Resolution = "restore"
	// ResolveAbandon drops the local design.
	ResolveAbandon Resolution = "abandon"
)

// ParseResolution validates a resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolveKeepLocal, ResolveKeepRemote, ResolveRestore, ResolveAbandon:
		return r, nil
	default:
		return "", fmt.Errorf("unknown resolution %q", s)
	}
}

// ResolveConflict applies the user's decision to a record in conflict.
func (s *Designs) ResolveConflict(ctx context.Context, id string, how Resolution) (*Record, error) {
	r, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("resolving %s: %w", id, ErrRecordNotFound)
	}
	if r.SyncStatus != StatusConflict {
		return nil, fmt.Errorf("record %s is %s, not in conflict", r.LocalID, r.SyncStatus)
	}

	switch how {
	case ResolveKeepLocal:
		current, err := s.remote.Get(ctx, r.RemoteID)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("server copy of %s is gone, use %s or %s", r.LocalID, ResolveRestore, ResolveAbandon)
		}
		if err != nil {
			return nil, fmt.Errorf("fetching server copy: %w", err)
		}
		r, err = s.store.Rebase(r.LocalID, current.Version)
		if err != nil {
			return nil, err
		}
		if _, err := s.queue.Enqueue(OpUpdate, r.LocalID, FullPatch(r.Design)); err != nil {
			return nil, err
		}

	case ResolveKeepRemote:
		current, err := s.remote.Get(ctx, r.RemoteID)
		if err != nil {
			return nil, fmt.Errorf("fetching server copy: %w", err)
		}
		if err := s.queue.Remove(r.LocalID); err != nil {
			return nil, err
		}
		if r, err = s.store.ImportFromRemote(current); err != nil {
			return nil, err
		}

	case ResolveRestore:
		if err := s.queue.Remove(r.LocalID); err != nil {
			return nil, err
		}
		if r, err = s.store.Detach(r.LocalID); err != nil {
			return nil, err
		}
		if _, err := s.queue.Enqueue(OpCreate, r.LocalID, FullPatch(r.Design)); err != nil {
			return nil, err
		}

	case ResolveAbandon:
		if err := s.queue.Remove(r.LocalID); err != nil {
			return nil, err
		}
		if err := s.store.Purge(r.LocalID); err != nil {
			return nil, err
		}
		r = nil

	default:
		return nil, fmt.Errorf("unknown resolution %q", how)
	}

	s.logger.Info("conflict resolved", "id", id, "resolution", how)
	return r, nil
}

// PullResult summarizes a Pull.
type PullResult struct {
	Imported int
	Skipped  int
}

// Pull refreshes the local store from the server. Records with queued local work or
// an unresolved conflict are skipped so local edits are never overwritten.
func (s *Designs) Pull(ctx context.Context) (*PullResult, error) {
	remote, err := s.remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing remote records: %w", err)
	}

	res := &PullResult{}
	for _, rr := range remote {
		local, err := s.store.db.FindRecordByRemoteID(rr.ID)
		if err != nil {
			return nil, fmt.Errorf("finding local shadow: %w", err)
		}
		if local != nil {
			in, err := s.queue.ForRecord(local.LocalID)
			if err != nil {
				return nil, err
			}
			if in != nil || local.SyncStatus == StatusConflict || local.PendingDelete {
				s.logger.Debug("pull skipped record with local work", "id", local.LocalID)
				res.Skipped++
				continue
			}
		}
		if _, err := s.store.ImportFromRemote(rr); err != nil {
			return nil, err
		}
		res.Imported++
	}
	s.logger.Info("pull finished", "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}
