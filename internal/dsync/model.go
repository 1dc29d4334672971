package dsync

import "time"

// SyncStatus is the reconciliation state of a Record.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
	StatusError    SyncStatus = "error"
)

// Design holds the business fields of a design document.
type Design struct {
	Name     string `json:"name"`
	FolderID string `json:"folderId,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Colors   int    `json:"colors"`
	Data     []byte `json:"data,omitempty"`
}

// Patch is a partial set of Design fields. Nil fields are left untouched.
type Patch struct {
	Name     *string `json:"name,omitempty"`
	FolderID *string `json:"folderId,omitempty"`
	Width    *int    `json:"width,omitempty"`
	Height   *int    `json:"height,omitempty"`
	Colors   *int    `json:"colors,omitempty"`
	Data     []byte  `json:"data,omitempty"`
}

// Ptr returns a pointer to v. Handy for building a Patch.
func Ptr[T any](v T) *T {
	return &v
}

// FullPatch returns a Patch that sets every field of d.
func FullPatch(d Design) Patch {
	return Patch{
		Name:     Ptr(d.Name),
		FolderID: Ptr(d.FolderID),
		Width:    Ptr(d.Width),
		Height:   Ptr(d.Height),
		Colors:   Ptr(d.Colors),
		Data:     d.Data,
	}
}

// Empty reports whether the patch sets no fields.
func (p Patch) Empty() bool {
	return p.Name == nil && p.FolderID == nil && p.Width == nil &&
		p.Height == nil && p.Colors == nil && p.Data == nil
}

// Merge overlays newer on top of p, field by field. Fields set in newer win.
func (p Patch) Merge(newer Patch) Patch {
	out := p
	if newer.Name != nil {
		out.Name = newer.Name
	}
	if newer.FolderID != nil {
		out.FolderID = newer.FolderID
	}
	if newer.Width != nil {
		out.Width = newer.Width
	}
	if newer.Height != nil {
		out.Height = newer.Height
	}
	if newer.Colors != nil {
		out.Colors = newer.Colors
	}
	if newer.Data != nil {
		out.Data = newer.Data
	}
	return out
}

// Apply returns d with the fields of p written over it.
func (p Patch) Apply(d Design) Design {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.FolderID != nil {
		d.FolderID = *p.FolderID
	}
	if p.Width != nil {
		d.Width = *p.Width
	}
	if p.Height != nil {
		d.Height = *p.Height
	}
	if p.Colors != nil {
		d.Colors = *p.Colors
	}
	if p.Data != nil {
		d.Data = p.Data
	}
	return d
}

// Record is a locally owned design document together with its sync bookkeeping.
type Record struct {
	LocalID string
	// RemoteID is empty until the first create has been confirmed by the server.
	RemoteID string
	Design   Design

	// LocalVersion is bumped on every local mutation. It is not monotonic: a
	// confirmed sync rebases it to the server version, so it only orders edits
	// made since the last sync.
	LocalVersion           int64
	LastKnownRemoteVersion *int64
	SyncStatus             SyncStatus

	// PendingDelete marks a tombstone: the record was deleted locally and is
	// waiting for the remote delete to drain.
	PendingDelete bool

	LastModifiedLocal time.Time
	LastSyncedAt      *time.Time
}

// KnownRemoteVersion returns LastKnownRemoteVersion, or 0 when none is recorded.
func (r *Record) KnownRemoteVersion() int64 {
	if r.LastKnownRemoteVersion == nil {
		return 0
	}
	return *r.LastKnownRemoteVersion
}

// Operation is the kind of remote effect an intent produces.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IntentStatus is the queue state of an Intent.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentProcessing IntentStatus = "processing"
	IntentFailed     IntentStatus = "failed"
)

// Intent is a durable, network-bound mutation waiting in the sync queue.
// A record owns at most one intent at a time.
type Intent struct {
	ID        string
	RecordID  string
	Op        Operation
	Payload   Patch
	Timestamp time.Time
	// Seq orders the queue. Zero asks the database to place the intent at the back.
	Seq        int64
	RetryCount int
	LastError  string
	Status     IntentStatus
	// Revision is bumped every time a later mutation merges into the intent.
	Revision int
}

// SyncRun is the persisted summary of one drain pass.
type SyncRun struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    Outcome
	Processed  int
	Failed     int
	Conflicts  int
}
