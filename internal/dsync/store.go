package dsync

import (
	"errors"
	"fmt"
	"time"
)

const metaLastSyncTime = "last_sync_time"

var errSkipWrite = errors.New("skip write")

// Store is the local store: durable record snapshots plus the sync metadata table.
type Store struct {
	db     Database
	clock  Clock
	idgen  IDGenerator
	logger Logger
}

// NewStore creates a Store. logger, clock and idgen default to no-op and real
// implementations when nil.
func NewStore(db Database, clock Clock, idgen IDGenerator, logger Logger) *Store {
	if clock == nil {
		clock = RealClock{}
	}
	if idgen == nil {
		idgen = UUIDGenerator{}
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Store{db: db, clock: clock, idgen: idgen, logger: logger}
}

// Create assigns a fresh local id and persists the design as a pending record at version 1.
func (s *Store) Create(d Design) (*Record, error) {
	r := &Record{
		LocalID:           s.idgen.New(),
		Design:            d,
		LocalVersion:      1,
		SyncStatus:        StatusPending,
		LastModifiedLocal: s.clock.Now(),
	}
	if err := s.db.InsertRecord(r); err != nil {
		return nil, fmt.Errorf("inserting record: %w", err)
	}
	s.logger.Debug("record created", "id", r.LocalID)
	return r, nil
}

// Get resolves id as a local id first, then as a remote id. Returns nil if neither matches.
func (s *Store) Get(id string) (*Record, error) {
	r, err := s.db.FindRecord(id)
	if err != nil {
		return nil, fmt.Errorf("finding record: %w", err)
	}
	if r != nil {
		return r, nil
	}
	r, err = s.db.FindRecordByRemoteID(id)
	if err != nil {
		return nil, fmt.Errorf("finding record by remote id: %w", err)
	}
	return r, nil
}

// Update merges p into the record, bumps its version and forces it back to pending.
// Returns nil if the record is absent or awaiting remote deletion.
func (s *Store) Update(id string, p Patch) (*Record, error) {
	existing, err := s.Get(id)
	if err != nil || existing == nil {
		return nil, err
	}
	now := s.clock.Now()
	r, err := s.db.ModifyRecord(existing.LocalID, func(r *Record) error {
		if r.PendingDelete {
			return errSkipWrite
		}
		r.Design = p.Apply(r.Design)
		r.LocalVersion++
		r.LastModifiedLocal = now
		r.SyncStatus = StatusPending
		return nil
	})
	if errors.Is(err, errSkipWrite) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating record: %w", err)
	}
	return r, nil
}

// MarkSynced records a confirmed round trip. Both version counters adopt the server
// version, and any error or conflict state is cleared.
func (s *Store) MarkSynced(localID, remoteID string, remoteVersion int64) (*Record, error) {
	now := s.clock.Now()
	r, err := s.db.ModifyRecord(localID, func(r *Record) error {
		setSynced(r, remoteID, remoteVersion, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("marking record synced: %w", err)
	}
	return r, nil
}

// ConfirmSync behaves like MarkSynced when the record is still at dispatchedVersion.
// If a local edit landed while the request was in flight, only the remote identity
// and version are stored and the record stays pending. The bool reports which
// branch was taken.
func (s *Store) ConfirmSync(localID, remoteID string, remoteVersion, dispatchedVersion int64) (*Record, bool, error) {
	now := s.clock.Now()
	synced := false
	r, err := s.db.ModifyRecord(localID, func(r *Record) error {
		if r.LocalVersion == dispatchedVersion && !r.PendingDelete {
			setSynced(r, remoteID, remoteVersion, now)
			synced = true
			return nil
		}
		r.RemoteID = remoteID
		r.LastKnownRemoteVersion = Ptr(remoteVersion)
		r.LastSyncedAt = Ptr(now)
		r.SyncStatus = StatusPending
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("confirming sync: %w", err)
	}
	return r, synced, nil
}

// AdoptRemote stores the remote identity and version of a record without marking
// it synced. The record stays pending until its queued update is confirmed.
func (s *Store) AdoptRemote(localID, remoteID string, remoteVersion int64) (*Record, error) {
	r, err := s.db.ModifyRecord(localID, func(r *Record) error {
		r.RemoteID = remoteID
		r.LastKnownRemoteVersion = Ptr(remoteVersion)
		r.SyncStatus = StatusPending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("adopting remote copy: %w", err)
	}
	return r, nil
}

func setSynced(r *Record, remoteID string, remoteVersion int64, now time.Time) {
	r.RemoteID = remoteID
	r.LocalVersion = remoteVersion
	r.LastKnownRemoteVersion = Ptr(remoteVersion)
	r.SyncStatus = StatusSynced
	r.LastSyncedAt = Ptr(now)
}

// MarkConflict parks the record in conflict without touching its payload.
func (s *Store) MarkConflict(id string) (*Record, error) {
	return s.setStatus(id, StatusConflict)
}

// MarkError flags the record as failed without touching its payload.
func (s *Store) MarkError(id string) (*Record, error) {
	return s.setStatus(id, StatusError)
}

// MarkPending returns the record to pending, e.g. after a manual retry.
func (s *Store) MarkPending(id string) (*Record, error) {
	return s.setStatus(id, StatusPending)
}

func (s *Store) setStatus(id string, status SyncStatus) (*Record, error) {
	r, err := s.db.ModifyRecord(id, func(r *Record) error {
		r.SyncStatus = status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("setting record status to %s: %w", status, err)
	}
	return r, nil
}

// Delete removes a record locally. A record that never reached the server is purged
// immediately and purged is true. Otherwise the row becomes a pending tombstone so
// the remote delete can still drain. Returns nil if the record is absent.
func (s *Store) Delete(id string) (r *Record, purged bool, err error) {
	existing, err := s.Get(id)
	if err != nil || existing == nil {
		return nil, false, err
	}
	if existing.RemoteID == "" {
		if err := s.Purge(existing.LocalID); err != nil {
			return nil, false, err
		}
		s.logger.Debug("unsynced record purged", "id", existing.LocalID)
		return existing, true, nil
	}

	now := s.clock.Now()
	r, err = s.db.ModifyRecord(existing.LocalID, func(r *Record) error {
		r.PendingDelete = true
		r.LocalVersion++
		r.LastModifiedLocal = now
		r.SyncStatus = StatusPending
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("tombstoning record: %w", err)
	}
	return r, false, nil
}

// Purge physically removes the record.
func (s *Store) Purge(localID string) error {
	if err := s.db.DeleteRecord(localID); err != nil {
		return fmt.Errorf("purging record: %w", err)
	}
	return nil
}

// Rebase adopts serverVersion as the last known remote version and returns the
// record to pending, so the next update overwrites the server copy.
func (s *Store) Rebase(localID string, serverVersion int64) (*Record, error) {
	now := s.clock.Now()
	r, err := s.db.ModifyRecord(localID, func(r *Record) error {
		r.LastKnownRemoteVersion = Ptr(serverVersion)
		r.LocalVersion++
		r.LastModifiedLocal = now
		r.SyncStatus = StatusPending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebasing record: %w", err)
	}
	return r, nil
}

// Detach forgets the remote identity of a record whose server copy is gone, so it
// can be created again.
func (s *Store) Detach(localID string) (*Record, error) {
	now := s.clock.Now()
	r, err := s.db.ModifyRecord(localID, func(r *Record) error {
		r.RemoteID = ""
		r.LastKnownRemoteVersion = nil
		r.LocalVersion++
		r.LastModifiedLocal = now
		r.SyncStatus = StatusPending
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("detaching record: %w", err)
	}
	return r, nil
}

// ImportFromRemote upserts a server record by remote id and marks it synced at the
// server's version.
func (s *Store) ImportFromRemote(rr *RemoteRecord) (*Record, error) {
	now := s.clock.Now()
	existing, err := s.db.FindRecordByRemoteID(rr.ID)
	if err != nil {
		return nil, fmt.Errorf("finding record by remote id: %w", err)
	}
	if existing != nil {
		r, err := s.db.ModifyRecord(existing.LocalID, func(r *Record) error {
			r.Design = rr.Design
			r.PendingDelete = false
			setSynced(r, rr.ID, rr.Version, now)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("overwriting local shadow: %w", err)
		}
		return r, nil
	}

	r := &Record{
		LocalID:           s.idgen.New(),
		Design:            rr.Design,
		LastModifiedLocal: now,
	}
	setSynced(r, rr.ID, rr.Version, now)
	if err := s.db.InsertRecord(r); err != nil {
		return nil, fmt.Errorf("inserting local shadow: %w", err)
	}
	return r, nil
}

// ByStatus returns live records in any of the given statuses.
func (s *Store) ByStatus(statuses ...SyncStatus) ([]*Record, error) {
	return s.list(RecordFilter{Statuses: statuses})
}

// ByFolder returns live records in the given folder.
func (s *Store) ByFolder(folderID string) ([]*Record, error) {
	return s.list(RecordFilter{FolderID: folderID})
}

// All returns every live record.
func (s *Store) All() ([]*Record, error) {
	return s.list(RecordFilter{})
}

// NeedsSync returns records that are pending or in error, tombstones included.
func (s *Store) NeedsSync() ([]*Record, error) {
	return s.list(RecordFilter{
		Statuses:       []SyncStatus{StatusPending, StatusError},
		IncludeDeleted: true,
	})
}

// CountByStatus counts records in the given status, tombstones included.
func (s *Store) CountByStatus(status SyncStatus) (int, error) {
	n, err := s.db.CountRecords(RecordFilter{Statuses: []SyncStatus{status}, IncludeDeleted: true})
	if err != nil {
		return 0, fmt.Errorf("counting %s records: %w", status, err)
	}
	return n, nil
}

func (s *Store) list(filter RecordFilter) ([]*Record, error) {
	records, err := s.db.ListRecords(filter)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return records, nil
}

// LastSyncTime returns the time of the last completed drain pass, or the zero time.
func (s *Store) LastSyncTime() (time.Time, error) {
	v, err := s.db.GetMetadata(metaLastSyncTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last sync time: %w", err)
	}
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing last sync time %q: %w", v, err)
	}
	return t, nil
}

// SetLastSyncTime stamps the time of a completed drain pass.
func (s *Store) SetLastSyncTime(t time.Time) error {
	if err := s.db.SetMetadata(metaLastSyncTime, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("writing last sync time: %w", err)
	}
	return nil
}
