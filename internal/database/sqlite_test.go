package database

import (
	"errors"
	"testing"
	"time"

	"designsync/internal/dsync"
)

var testTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func insertRecord(t *testing.T, db *SQLiteDatabase, id string, mutate func(r *dsync.Record)) *dsync.Record {
	t.Helper()
	r := &dsync.Record{
		LocalID:           id,
		Design:            dsync.Design{Name: "Poster", Width: 800, Height: 600},
		LocalVersion:      1,
		SyncStatus:        dsync.StatusPending,
		LastModifiedLocal: testTime,
	}
	if mutate != nil {
		mutate(r)
	}
	if err := db.InsertRecord(r); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}
	return r
}

func insertIntent(t *testing.T, db *SQLiteDatabase, id, recordID string) *dsync.Intent {
	t.Helper()
	in, err := db.MergeIntent(recordID, func(existing *dsync.Intent) (*dsync.Intent, error) {
		return &dsync.Intent{
			ID:        id,
			RecordID:  recordID,
			Op:        dsync.OpCreate,
			Timestamp: testTime,
			Status:    dsync.IntentPending,
			Revision:  1,
		}, nil
	})
	if err != nil {
		t.Fatalf("MergeIntent() error = %v", err)
	}
	return in
}

func TestSQLiteDatabase_Records(t *testing.T) {
	t.Run("round trips every field", func(t *testing.T) {
		db := newTestDB(t)
		synced := testTime.Add(time.Minute)
		want := insertRecord(t, db, "r1", func(r *dsync.Record) {
			r.RemoteID = "srv-1"
			r.Design.FolderID = "f1"
			r.Design.Colors = 12
			r.Design.Data = []byte{0x01, 0x02}
			r.LastKnownRemoteVersion = dsync.Ptr(int64(3))
			r.LastSyncedAt = &synced
			r.SyncStatus = dsync.StatusSynced
		})

		got, err := db.FindRecord("r1")
		if err != nil {
			t.Fatalf("FindRecord() error = %v", err)
		}
		if got == nil {
			t.Fatal("FindRecord() = nil, want record")
		}
		if got.RemoteID != want.RemoteID || got.Design.Name != want.Design.Name || got.Design.FolderID != "f1" {
			t.Errorf("FindRecord() = %+v, want %+v", got, want)
		}
		if got.Design.Colors != 12 || string(got.Design.Data) != "\x01\x02" {
			t.Errorf("Design = %+v", got.Design)
		}
		if got.KnownRemoteVersion() != 3 {
			t.Errorf("KnownRemoteVersion() = %d, want 3", got.KnownRemoteVersion())
		}
		if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(synced) {
			t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, synced)
		}
		if !got.LastModifiedLocal.Equal(testTime) {
			t.Errorf("LastModifiedLocal = %v, want %v", got.LastModifiedLocal, testTime)
		}
	})

	t.Run("returns nil for missing records", func(t *testing.T) {
		db := newTestDB(t)

		got, err := db.FindRecord("missing")
		if err != nil || got != nil {
			t.Errorf("FindRecord() = %v, %v, want nil, nil", got, err)
		}
		got, err = db.FindRecordByRemoteID("missing")
		if err != nil || got != nil {
			t.Errorf("FindRecordByRemoteID() = %v, %v, want nil, nil", got, err)
		}
	})

	t.Run("finds by remote id", func(t *testing.T) {
		db := newTestDB(t)
		insertRecord(t, db, "r1", func(r *dsync.Record) { r.RemoteID = "srv-9" })

		got, err := db.FindRecordByRemoteID("srv-9")
		if err != nil {
			t.Fatalf("FindRecordByRemoteID() error = %v", err)
		}
		if got == nil || got.LocalID != "r1" {
			t.Errorf("FindRecordByRemoteID() = %v, want r1", got)
		}
	})

	t.Run("records without remote id do not collide", func(t *testing.T) {
		db := newTestDB(t)
		insertRecord(t, db, "r1", nil)
		insertRecord(t, db, "r2", nil)

		n, err := db.CountRecords(dsync.RecordFilter{})
		if err != nil {
			t.Fatalf("CountRecords() error = %v", err)
		}
		if n != 2 {
			t.Errorf("CountRecords() = %d, want 2", n)
		}
	})

	t.Run("modify applies the function atomically", func(t *testing.T) {
		db := newTestDB(t)
		insertRecord(t, db, "r1", nil)

		got, err := db.ModifyRecord("r1", func(r *dsync.Record) error {
			r.Design.Name = "Renamed"
			r.LocalVersion++
			return nil
		})
		if err != nil {
			t.Fatalf("ModifyRecord() error = %v", err)
		}
		if got.LocalVersion != 2 {
			t.Errorf("LocalVersion = %d, want 2", got.LocalVersion)
		}

		stored, _ := db.FindRecord("r1")
		if stored.Design.Name != "Renamed" {
			t.Errorf("stored Name = %q, want %q", stored.Design.Name, "Renamed")
		}
	})

	t.Run("modify error leaves the record untouched", func(t *testing.T) {
		db := newTestDB(t)
		insertRecord(t, db, "r1", nil)
		boom := errors.New("boom")

		_, err := db.ModifyRecord("r1", func(r *dsync.Record) error {
			r.Design.Name = "Changed"
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("ModifyRecord() error = %v, want boom", err)
		}

		stored, _ := db.FindRecord("r1")
		if stored.Design.Name != "Poster" {
			t.Errorf("stored Name = %q, want unchanged", stored.Design.Name)
		}
	})

	t.Run("modify of a missing record returns nil", func(t *testing.T) {
		db := newTestDB(t)

		got, err := db.ModifyRecord("missing", func(r *dsync.Record) error {
			t.Error("fn called for missing record")
			return nil
		})
		if err != nil || got != nil {
			t.Errorf("ModifyRecord() = %v, %v, want nil, nil", got, err)
		}
	})

	t.Run("filters by status and folder and hides tombstones", func(t *testing.T) {
		db := newTestDB(t)
		insertRecord(t, db, "a", func(r *dsync.Record) { r.Design.FolderID = "f1" })
		insertRecord(t, db, "b", func(r *dsync.Record) { r.SyncStatus = dsync.StatusError })
		insertRecord(t, db, "c", func(r *dsync.Record) { r.SyncStatus = dsync.StatusSynced; r.Design.FolderID = "f1" })
		insertRecord(t, db, "d", func(r *dsync.Record) { r.PendingDelete = true; r.RemoteID = "srv-d" })

		byFolder, err := db.ListRecords(dsync.RecordFilter{FolderID: "f1"})
		if err != nil {
			t.Fatalf("ListRecords() error = %v", err)
		}
		if len(byFolder) != 2 {
			t.Errorf("len(folder f1) = %d, want 2", len(byFolder))
		}

		needs, err := db.ListRecords(dsync.RecordFilter{
			Statuses:       []dsync.SyncStatus{dsync.StatusPending, dsync.StatusError},
			IncludeDeleted: true,
		})
		if err != nil {
			t.Fatalf("ListRecords() error = %v", err)
		}
		if len(needs) != 3 {
			t.Errorf("len(needs sync) = %d, want 3", len(needs))
		}

		live, _ := db.ListRecords(dsync.RecordFilter{})
		if len(live) != 3 {
			t.Errorf("len(live) = %d, want 3", len(live))
		}
	})

	t.Run("delete removes the row", func(t *testing.T) {
		db := newTestDB(t)
		insertRecord(t, db, "r1", nil)

		if err := db.DeleteRecord("r1"); err != nil {
			t.Fatalf("DeleteRecord() error = %v", err)
		}
		if got, _ := db.FindRecord("r1"); got != nil {
			t.Error("record still present after DeleteRecord()")
		}
	})
}

func TestSQLiteDatabase_Queue(t *testing.T) {
	t.Run("merge inserts then updates the record's intent", func(t *testing.T) {
		db := newTestDB(t)
		insertIntent(t, db, "q1", "r1")

		got, err := db.MergeIntent("r1", func(existing *dsync.Intent) (*dsync.Intent, error) {
			if existing == nil {
				t.Fatal("MergeIntent() existing = nil, want q1")
			}
			existing.Payload = dsync.Patch{Name: dsync.Ptr("merged")}
			existing.Revision++
			return existing, nil
		})
		if err != nil {
			t.Fatalf("MergeIntent() error = %v", err)
		}
		if got.ID != "q1" || got.Revision != 2 {
			t.Errorf("MergeIntent() = %+v, want q1 at revision 2", got)
		}

		all, _ := db.ListIntents()
		if len(all) != 1 {
			t.Fatalf("len(ListIntents()) = %d, want 1", len(all))
		}
		if all[0].Payload.Name == nil || *all[0].Payload.Name != "merged" {
			t.Errorf("Payload = %+v, want name merged", all[0].Payload)
		}
	})

	t.Run("claims in queue order and marks processing", func(t *testing.T) {
		db := newTestDB(t)
		insertIntent(t, db, "q1", "r1")
		insertIntent(t, db, "q2", "r2")

		first, err := db.ClaimNextIntent()
		if err != nil {
			t.Fatalf("ClaimNextIntent() error = %v", err)
		}
		if first == nil || first.ID != "q1" {
			t.Fatalf("ClaimNextIntent() = %v, want q1", first)
		}
		if first.Status != dsync.IntentProcessing {
			t.Errorf("Status = %s, want processing", first.Status)
		}

		second, _ := db.ClaimNextIntent()
		if second == nil || second.ID != "q2" {
			t.Fatalf("second ClaimNextIntent() = %v, want q2", second)
		}

		none, _ := db.ClaimNextIntent()
		if none != nil {
			t.Errorf("ClaimNextIntent() = %v, want nil", none)
		}
	})

	t.Run("zero seq moves an intent to the back", func(t *testing.T) {
		db := newTestDB(t)
		insertIntent(t, db, "q1", "r1")
		insertIntent(t, db, "q2", "r2")

		_, err := db.ModifyIntent("q1", func(in *dsync.Intent) (bool, error) {
			in.Seq = 0
			return true, nil
		})
		if err != nil {
			t.Fatalf("ModifyIntent() error = %v", err)
		}

		next, _ := db.ClaimNextIntent()
		if next == nil || next.ID != "q2" {
			t.Errorf("ClaimNextIntent() = %v, want q2", next)
		}
	})

	t.Run("skips and does not count intents of conflicted records", func(t *testing.T) {
		db := newTestDB(t)
		insertRecord(t, db, "r1", func(r *dsync.Record) { r.SyncStatus = dsync.StatusConflict; r.RemoteID = "srv-1" })
		insertIntent(t, db, "q1", "r1")
		insertIntent(t, db, "q2", "r2")

		n, err := db.CountIntents(dsync.IntentFilter{
			Statuses:          []dsync.IntentStatus{dsync.IntentPending},
			ExcludeConflicted: true,
		})
		if err != nil {
			t.Fatalf("CountIntents() error = %v", err)
		}
		if n != 1 {
			t.Errorf("CountIntents() = %d, want 1", n)
		}

		next, _ := db.ClaimNextIntent()
		if next == nil || next.ID != "q2" {
			t.Errorf("ClaimNextIntent() = %v, want q2", next)
		}
	})

	t.Run("modify with keep false deletes the intent", func(t *testing.T) {
		db := newTestDB(t)
		insertIntent(t, db, "q1", "r1")

		got, err := db.ModifyIntent("q1", func(in *dsync.Intent) (bool, error) { return false, nil })
		if err != nil || got != nil {
			t.Fatalf("ModifyIntent() = %v, %v, want nil, nil", got, err)
		}
		if in, _ := db.FindIntent("q1"); in != nil {
			t.Error("intent still present")
		}
	})

	t.Run("resets processing intents", func(t *testing.T) {
		db := newTestDB(t)
		insertIntent(t, db, "q1", "r1")
		insertIntent(t, db, "q2", "r2")
		db.ClaimNextIntent()

		n, err := db.ResetProcessingIntents()
		if err != nil {
			t.Fatalf("ResetProcessingIntents() error = %v", err)
		}
		if n != 1 {
			t.Errorf("ResetProcessingIntents() = %d, want 1", n)
		}
		in, _ := db.FindIntent("q1")
		if in.Status != dsync.IntentPending {
			t.Errorf("Status = %s, want pending", in.Status)
		}
	})

	t.Run("deletes by record", func(t *testing.T) {
		db := newTestDB(t)
		insertIntent(t, db, "q1", "r1")

		if err := db.DeleteIntentForRecord("r1"); err != nil {
			t.Fatalf("DeleteIntentForRecord() error = %v", err)
		}
		if in, _ := db.FindIntentForRecord("r1"); in != nil {
			t.Error("intent still present")
		}
	})
}

func TestSQLiteDatabase_Metadata(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetMetadata("last_sync_time")
	if err != nil || got != "" {
		t.Fatalf("GetMetadata() = %q, %v, want empty", got, err)
	}

	if err := db.SetMetadata("last_sync_time", "a"); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}
	if err := db.SetMetadata("last_sync_time", "b"); err != nil {
		t.Fatalf("SetMetadata() overwrite error = %v", err)
	}

	got, _ = db.GetMetadata("last_sync_time")
	if got != "b" {
		t.Errorf("GetMetadata() = %q, want %q", got, "b")
	}
}

func TestSQLiteDatabase_SyncRuns(t *testing.T) {
	db := newTestDB(t)

	id, err := db.CreateSyncRun(testTime)
	if err != nil {
		t.Fatalf("CreateSyncRun() error = %v", err)
	}
	finished := testTime.Add(2 * time.Second)
	err = db.FinishSyncRun(&dsync.SyncRun{
		ID:         id,
		FinishedAt: &finished,
		Outcome:    dsync.OutcomeCompleted,
		Processed:  3,
		Failed:     1,
	})
	if err != nil {
		t.Fatalf("FinishSyncRun() error = %v", err)
	}
	if _, err := db.CreateSyncRun(testTime.Add(time.Hour)); err != nil {
		t.Fatalf("CreateSyncRun() error = %v", err)
	}

	runs, err := db.ListSyncRuns(10)
	if err != nil {
		t.Fatalf("ListSyncRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].Outcome != dsync.OutcomeRunning {
		t.Errorf("newest Outcome = %s, want running", runs[0].Outcome)
	}
	if runs[1].Processed != 3 || runs[1].Failed != 1 || runs[1].FinishedAt == nil {
		t.Errorf("finished run = %+v", runs[1])
	}
}
