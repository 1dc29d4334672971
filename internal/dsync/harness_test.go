package dsync_test

import (
	"context"
	"sync"
	"testing"

	"designsync/internal/connectivity"
	"designsync/internal/dsync"
	"designsync/internal/remote"
	"designsync/internal/testutil"
)

// hookRemote wraps a MemoryRemote and runs beforeCreate/beforeUpdate ahead of
// the wrapped call, to simulate work that lands while a request is in flight.
type hookRemote struct {
	*remote.MemoryRemote
	beforeCreate func(ctx context.Context) error
	beforeUpdate func(ctx context.Context) error
}

func (h *hookRemote) Create(ctx context.Context, offlineID string, d dsync.Design) (*dsync.RemoteAck, error) {
	if h.beforeCreate != nil {
		if err := h.beforeCreate(ctx); err != nil {
			return nil, err
		}
	}
	return h.MemoryRemote.Create(ctx, offlineID, d)
}

func (h *hookRemote) Update(ctx context.Context, remoteID string, baseVersion int64, p dsync.Patch) (*dsync.RemoteAck, error) {
	if h.beforeUpdate != nil {
		if err := h.beforeUpdate(ctx); err != nil {
			return nil, err
		}
	}
	return h.MemoryRemote.Update(ctx, remoteID, baseVersion, p)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []dsync.Event
}

func (r *eventRecorder) OnSyncEvent(e dsync.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) all() []dsync.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dsync.Event(nil), r.events...)
}

type harness struct {
	db      dsync.Database
	clock   *testutil.StubClock
	store   *dsync.Store
	queue   *dsync.Queue
	remote  *hookRemote
	conn    *connectivity.Monitor
	engine  *dsync.Engine
	designs *dsync.Designs
	events  *eventRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:     testutil.NewTestDatabase(t),
		clock:  testutil.FixedClock(),
		remote: &hookRemote{MemoryRemote: remote.NewMemoryRemote()},
		conn:   connectivity.NewMonitor(true, nil),
		events: &eventRecorder{},
	}
	ids := testutil.NewStubIDGenerator()
	h.store = dsync.NewStore(h.db, h.clock, ids, nil)
	h.queue = dsync.NewQueue(h.db, h.clock, ids, nil, dsync.DefaultMaxRetries)
	h.engine = dsync.NewEngine(h.store, h.queue, h.remote, h.conn, h.clock, nil, nil)
	h.designs = dsync.NewDesigns(h.store, h.queue, h.remote, h.clock, nil)
	h.engine.Subscribe(h.events)
	return h
}

func (h *harness) sync(t *testing.T) *dsync.DrainResult {
	t.Helper()
	res, err := h.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	return res
}

// synced creates a design and drains it so the record has a remote copy.
func (h *harness) synced(t *testing.T, d dsync.Design) *dsync.Record {
	t.Helper()
	r, err := h.designs.CreateDesign(d)
	if err != nil {
		t.Fatalf("CreateDesign() error = %v", err)
	}
	if res := h.sync(t); res.Outcome != dsync.OutcomeCompleted {
		t.Fatalf("Sync() outcome = %s, want completed", res.Outcome)
	}
	return h.record(t, r.LocalID)
}

func (h *harness) record(t *testing.T, id string) *dsync.Record {
	t.Helper()
	r, err := h.store.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return r
}

func (h *harness) intents(t *testing.T) []*dsync.Intent {
	t.Helper()
	ins, err := h.queue.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return ins
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.queue.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount() error = %v", err)
	}
	return n
}
