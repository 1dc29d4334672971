package devserver

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"designsync/internal/dsync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		id         TEXT PRIMARY KEY,
		offline_id TEXT UNIQUE,
		version    INTEGER NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		folder_id  TEXT NOT NULL DEFAULT '',
		width      INTEGER NOT NULL DEFAULT 0,
		height     INTEGER NOT NULL DEFAULT 0,
		colors     INTEGER NOT NULL DEFAULT 0,
		data       BLOB,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_records_folder_id ON records (folder_id);`,
}

// Repo stores the server's copy of every record.
type Repo struct {
	db  *sql.DB
	now func() time.Time
}

// OpenRepo opens (or creates) the record database at dsn and applies the schema.
// Use "file::memory:" for a throwaway store.
func OpenRepo(dsn string) (*Repo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening record database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, s := range schema {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}
	return &Repo{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (r *Repo) Close() error {
	return r.db.Close()
}

func (r *Repo) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const selectRecord = `SELECT id, version, name, folder_id, width, height, colors, data FROM records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*dsync.RemoteRecord, error) {
	var rec dsync.RemoteRecord
	err := row.Scan(&rec.ID, &rec.Version, &rec.Name, &rec.FolderID,
		&rec.Width, &rec.Height, &rec.Colors, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dsync.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repo) stamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

// Create inserts a record at version 1. A repeated offlineID returns the record
// created by the first request.
func (r *Repo) Create(offlineID string, d dsync.Design) (rec *dsync.RemoteRecord, created bool, err error) {
	err = r.withTx(func(tx *sql.Tx) error {
		if offlineID != "" {
			existing, err := scanRecord(tx.QueryRow(selectRecord+` WHERE offline_id = ?`, offlineID))
			if err == nil {
				rec = existing
				return nil
			}
			if !errors.Is(err, dsync.ErrNotFound) {
				return err
			}
		}

		var offline any
		if offlineID != "" {
			offline = offlineID
		}
		now := r.stamp()
		id := uuid.NewString()
		_, err := tx.Exec(`INSERT INTO records
			(id, offline_id, version, name, folder_id, width, height, colors, data, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, offline, d.Name, d.FolderID, d.Width, d.Height, d.Colors, d.Data, now, now)
		if err != nil {
			return err
		}
		rec = &dsync.RemoteRecord{ID: id, Version: 1, Design: d}
		created = true
		return nil
	})
	return rec, created, err
}

// Get returns the record or dsync.ErrNotFound.
func (r *Repo) Get(id string) (*dsync.RemoteRecord, error) {
	return scanRecord(r.db.QueryRow(selectRecord+` WHERE id = ?`, id))
}

// Update applies p and bumps the version. When ifMatch is set and differs from
// the stored version a *dsync.ConflictError is returned.
func (r *Repo) Update(id string, ifMatch *int64, p dsync.Patch) (*dsync.RemoteRecord, error) {
	var out *dsync.RemoteRecord
	err := r.withTx(func(tx *sql.Tx) error {
		rec, err := scanRecord(tx.QueryRow(selectRecord+` WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if ifMatch != nil && *ifMatch != rec.Version {
			return &dsync.ConflictError{ServerVersion: rec.Version}
		}
		rec.Design = p.Apply(rec.Design)
		rec.Version++
		d := rec.Design
		_, err = tx.Exec(`UPDATE records SET
			version = ?, name = ?, folder_id = ?, width = ?, height = ?, colors = ?, data = ?, updated_at = ?
			WHERE id = ?`,
			rec.Version, d.Name, d.FolderID, d.Width, d.Height, d.Colors, d.Data, r.stamp(), id)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// Delete removes the record or returns dsync.ErrNotFound.
func (r *Repo) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dsync.ErrNotFound
	}
	return nil
}

// List returns every record, optionally limited to one folder.
func (r *Repo) List(folderID string) ([]*dsync.RemoteRecord, error) {
	q := selectRecord
	var args []any
	if folderID != "" {
		q += ` WHERE folder_id = ?`
		args = append(args, folderID)
	}
	rows, err := r.db.Query(q+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*dsync.RemoteRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
