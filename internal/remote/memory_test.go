package remote

import (
	"context"
	"errors"
	"testing"

	"designsync/internal/dsync"
)

func TestMemoryRemote_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRemote()

	ack, err := m.Create(ctx, "local-1", dsync.Design{Name: "Poster", Width: 10})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ack.ID == "" || ack.Version != 1 {
		t.Fatalf("Create() = %+v, want id and version 1", ack)
	}

	got, err := m.Get(ctx, ack.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Poster" || got.Width != 10 {
		t.Errorf("Get() = %+v", got)
	}

	t.Run("retried create returns the same record", func(t *testing.T) {
		again, err := m.Create(ctx, "local-1", dsync.Design{Name: "Poster"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if again.ID != ack.ID {
			t.Errorf("Create() id = %q, want %q", again.ID, ack.ID)
		}
		if !again.Replayed || ack.Replayed {
			t.Errorf("Replayed = %v/%v, want false then true", ack.Replayed, again.Replayed)
		}
	})
}

func TestMemoryRemote_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("applies the patch at the current version", func(t *testing.T) {
		m := NewMemoryRemote()
		ack, _ := m.Create(ctx, "l1", dsync.Design{Name: "A", Width: 1})

		got, err := m.Update(ctx, ack.ID, 1, dsync.Patch{Name: dsync.Ptr("B")})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if got.Version != 2 {
			t.Errorf("Version = %d, want 2", got.Version)
		}
		rec := m.Record(ack.ID)
		if rec.Name != "B" || rec.Width != 1 {
			t.Errorf("stored = %+v, want name B width 1", rec.Design)
		}
	})

	t.Run("stale base version conflicts", func(t *testing.T) {
		m := NewMemoryRemote()
		ack, _ := m.Create(ctx, "l1", dsync.Design{Name: "A"})
		m.Edit(ack.ID, dsync.Patch{Name: dsync.Ptr("other device")})

		_, err := m.Update(ctx, ack.ID, 1, dsync.Patch{Name: dsync.Ptr("B")})
		var ce *dsync.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("Update() error = %v, want ConflictError", err)
		}
		if ce.ServerVersion != 2 {
			t.Errorf("ServerVersion = %d, want 2", ce.ServerVersion)
		}
	})

	t.Run("missing record", func(t *testing.T) {
		m := NewMemoryRemote()
		_, err := m.Update(ctx, "nope", 1, dsync.Patch{})
		if !errors.Is(err, dsync.ErrNotFound) {
			t.Errorf("Update() error = %v, want ErrNotFound", err)
		}
	})
}

func TestMemoryRemote_Delete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRemote()
	ack, _ := m.Create(ctx, "l1", dsync.Design{Name: "A"})

	if err := m.Delete(ctx, ack.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, ack.ID); !errors.Is(err, dsync.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryRemote_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRemote()
	m.Fail(MethodCreate, dsync.ErrUnauthorized, &dsync.HTTPStatusError{Code: 503})

	if _, err := m.Create(ctx, "l1", dsync.Design{}); !errors.Is(err, dsync.ErrUnauthorized) {
		t.Errorf("first Create() error = %v, want ErrUnauthorized", err)
	}
	var se *dsync.HTTPStatusError
	if _, err := m.Create(ctx, "l1", dsync.Design{}); !errors.As(err, &se) {
		t.Errorf("second Create() error = %v, want HTTPStatusError", err)
	}
	if _, err := m.Create(ctx, "l1", dsync.Design{}); err != nil {
		t.Errorf("third Create() error = %v", err)
	}
	if got := m.Calls(MethodCreate); got != 3 {
		t.Errorf("Calls(create) = %d, want 3", got)
	}
}

func TestMemoryRemote_Unreachable(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRemote()
	m.SetReachable(false)

	if err := m.Ping(ctx); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Ping() error = %v, want ErrUnreachable", err)
	}
	if _, err := m.List(ctx); !errors.Is(err, ErrUnreachable) {
		t.Errorf("List() error = %v, want ErrUnreachable", err)
	}

	m.SetReachable(true)
	if err := m.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestMemoryRemote_List(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRemote()
	m.Put(dsync.RemoteRecord{ID: "b", Version: 4})
	m.Put(dsync.RemoteRecord{ID: "a", Version: 1})

	got, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("List() = %v, want [a b]", got)
	}
}
