package dsync

import "time"

// RecordFilter narrows ListRecords and CountRecords. Zero values match everything
// except tombstones.
type RecordFilter struct {
	Statuses       []SyncStatus
	FolderID       string
	IncludeDeleted bool
}

// IntentFilter narrows CountIntents.
type IntentFilter struct {
	Statuses []IntentStatus
	// ExcludeConflicted skips intents whose record is parked in conflict.
	ExcludeConflicted bool
}

// Database provides durable storage for records, queue intents and sync metadata.
// Every method is atomic on its own; there are no multi-record transactions.
type Database interface {
	// Record operations

	// InsertRecord persists a new record.
	InsertRecord(r *Record) error

	// FindRecord returns the record with the given local id, or nil if absent.
	FindRecord(localID string) (*Record, error)

	// FindRecordByRemoteID returns the record shadowing the given remote id, or nil if absent.
	FindRecordByRemoteID(remoteID string) (*Record, error)

	// ModifyRecord loads a record, applies fn and writes the result in one transaction.
	// Returns nil if the record does not exist. An error from fn aborts the write.
	ModifyRecord(localID string, fn func(r *Record) error) (*Record, error)

	// DeleteRecord physically removes a record. Deleting a missing record is not an error.
	DeleteRecord(localID string) error

	// ListRecords returns records matching the filter, most recently modified first.
	ListRecords(filter RecordFilter) ([]*Record, error)

	// CountRecords counts records matching the filter.
	CountRecords(filter RecordFilter) (int, error)

	// Queue operations

	// MergeIntent loads the intent owned by recordID (nil if none), passes it to fn and
	// stores whatever fn returns, inserting or updating as needed.
	MergeIntent(recordID string, fn func(existing *Intent) (*Intent, error)) (*Intent, error)

	// ClaimNextIntent marks the oldest pending intent as processing and returns it.
	// Intents whose record is in conflict are skipped. Returns nil when nothing is pending.
	ClaimNextIntent() (*Intent, error)

	// FindIntent returns the intent with the given id, or nil if absent.
	FindIntent(id string) (*Intent, error)

	// FindIntentForRecord returns the intent owned by recordID, or nil if absent.
	FindIntentForRecord(recordID string) (*Intent, error)

	// ModifyIntent loads an intent, applies fn and writes the result in one transaction.
	// When fn returns keep=false the intent is deleted and nil is returned.
	// Returns nil if the intent does not exist.
	ModifyIntent(id string, fn func(in *Intent) (keep bool, err error)) (*Intent, error)

	// DeleteIntent removes an intent. Deleting a missing intent is not an error.
	DeleteIntent(id string) error

	// DeleteIntentForRecord removes the intent owned by recordID, if any.
	DeleteIntentForRecord(recordID string) error

	// ListIntents returns intents in queue order. With no statuses, all intents are returned.
	ListIntents(statuses ...IntentStatus) ([]*Intent, error)

	// CountIntents counts intents matching the filter.
	CountIntents(filter IntentFilter) (int, error)

	// ResetProcessingIntents moves every processing intent back to pending.
	// Returns the number of intents reset.
	ResetProcessingIntents() (int64, error)

	// Metadata operations

	// GetMetadata returns the value stored under key, or "" if unset.
	GetMetadata(key string) (string, error)

	// SetMetadata stores value under key, replacing any previous value.
	SetMetadata(key, value string) error

	// Sync run operations

	// CreateSyncRun records the start of a drain pass and returns its id.
	CreateSyncRun(startedAt time.Time) (int64, error)

	// FinishSyncRun stores the outcome and counters of a drain pass.
	FinishSyncRun(run *SyncRun) error

	// ListSyncRuns returns the most recent drain passes, newest first.
	ListSyncRuns(limit int) ([]*SyncRun, error)

	// CheckMigrations verifies that the schema is up to date.
	CheckMigrations() error

	// Close releases the underlying connection.
	Close() error
}
