package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"designsync/internal/dsync"
)

// ErrUnreachable is returned by a MemoryRemote that has been taken offline.
var ErrUnreachable = errors.New("remote: unreachable")

// MemoryRemote is an in-memory implementation of the record API.
// It is useful for tests and offline demos: failures can be injected per
// method and every call is counted. This implementation is safe for concurrent use.
type MemoryRemote struct {
	mu        sync.RWMutex
	records   map[string]*dsync.RemoteRecord // remote id -> record
	byOffline map[string]string              // offline id -> remote id
	nextID    int
	faults    map[string][]error // method -> errors returned by the next calls
	calls     map[string]int
	reachable bool
}

// Method names accepted by Fail and Calls.
const (
	MethodCreate = "create"
	MethodGet    = "get"
	MethodUpdate = "update"
	MethodDelete = "delete"
	MethodList   = "list"
)

// NewMemoryRemote creates an empty, reachable in-memory remote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		records:   make(map[string]*dsync.RemoteRecord),
		byOffline: make(map[string]string),
		faults:    make(map[string][]error),
		calls:     make(map[string]int),
		reachable: true,
	}
}

// Fail queues errs to be returned, one per call, by the next calls to method.
func (m *MemoryRemote) Fail(method string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = append(m.faults[method], errs...)
}

// Calls returns how many times method has been called.
func (m *MemoryRemote) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// SetReachable controls the result of Ping and of every record call.
func (m *MemoryRemote) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = ok
}

// Put stores rec as-is, as if another client had written it.
func (m *MemoryRemote) Put(rec dsync.RemoteRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = &rec
}

// Edit applies p to the stored record and bumps its version, as if another
// client had updated it.
func (m *MemoryRemote) Edit(remoteID string, p dsync.Patch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[remoteID]
	if !ok {
		return 0, dsync.ErrNotFound
	}
	rec.Design = p.Apply(rec.Design)
	rec.Version++
	return rec.Version, nil
}

// Remove deletes a record, as if another client had deleted it.
func (m *MemoryRemote) Remove(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, remoteID)
}

// Record returns a copy of the stored record, or nil.
func (m *MemoryRemote) Record(remoteID string) *dsync.RemoteRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[remoteID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// begin counts the call and returns any injected failure. Callers hold m.mu.
func (m *MemoryRemote) begin(method string) error {
	m.calls[method]++
	if !m.reachable {
		return ErrUnreachable
	}
	if q := m.faults[method]; len(q) > 0 {
		m.faults[method] = q[1:]
		return q[0]
	}
	return nil
}

func (m *MemoryRemote) Create(ctx context.Context, offlineID string, d dsync.Design) (*dsync.RemoteAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(MethodCreate); err != nil {
		return nil, err
	}

	// A retried create for the same offline id returns the original record.
	if id, ok := m.byOffline[offlineID]; ok && offlineID != "" {
		if rec, ok := m.records[id]; ok {
			return &dsync.RemoteAck{ID: rec.ID, Version: rec.Version, Replayed: true}, nil
		}
	}

	m.nextID++
	id := fmt.Sprintf("srv-%d", m.nextID)
	m.records[id] = &dsync.RemoteRecord{ID: id, Version: 1, Design: d}
	if offlineID != "" {
		m.byOffline[offlineID] = id
	}
	return &dsync.RemoteAck{ID: id, Version: 1}, nil
}

func (m *MemoryRemote) Get(ctx context.Context, remoteID string) (*dsync.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(MethodGet); err != nil {
		return nil, err
	}
	rec, ok := m.records[remoteID]
	if !ok {
		return nil, dsync.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRemote) Update(ctx context.Context, remoteID string, baseVersion int64, p dsync.Patch) (*dsync.RemoteAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(MethodUpdate); err != nil {
		return nil, err
	}
	rec, ok := m.records[remoteID]
	if !ok {
		return nil, dsync.ErrNotFound
	}
	if rec.Version != baseVersion {
		return nil, &dsync.ConflictError{ServerVersion: rec.Version}
	}
	rec.Design = p.Apply(rec.Design)
	rec.Version++
	return &dsync.RemoteAck{ID: rec.ID, Version: rec.Version}, nil
}

func (m *MemoryRemote) Delete(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(MethodDelete); err != nil {
		return err
	}
	if _, ok := m.records[remoteID]; !ok {
		return dsync.ErrNotFound
	}
	delete(m.records, remoteID)
	return nil
}

func (m *MemoryRemote) List(ctx context.Context) ([]*dsync.RemoteRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(MethodList); err != nil {
		return nil, err
	}
	out := make([]*dsync.RemoteRecord, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRemote) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.reachable {
		return ErrUnreachable
	}
	return nil
}

// Compile-time check that MemoryRemote implements Remote.
var _ Remote = (*MemoryRemote)(nil)
