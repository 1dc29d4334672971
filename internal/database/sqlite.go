package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"designsync/internal/database/migrations"
	"designsync/internal/dsync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements dsync.Database on SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path (or ":memory:") and applies any
// pending migrations.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens a SQLite connection with the PRAGMAs the store relies on.
// The pool is limited to one connection: SQLite has a single writer, and an
// in-memory database only exists on the connection that created it.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}
	return db, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteDatabase) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Record operations

const recordColumns = `local_id, remote_id, name, folder_id, width, height, colors, data,
	local_version, last_known_remote_version, sync_status, pending_delete,
	last_modified_local, last_synced_at`

func scanRecord(row scanner) (*dsync.Record, error) {
	var (
		r          dsync.Record
		remoteID   sql.NullString
		lastKnown  sql.NullInt64
		status     string
		lastSynced sql.NullTime
	)
	err := row.Scan(&r.LocalID, &remoteID, &r.Design.Name, &r.Design.FolderID,
		&r.Design.Width, &r.Design.Height, &r.Design.Colors, &r.Design.Data,
		&r.LocalVersion, &lastKnown, &status, &r.PendingDelete,
		&r.LastModifiedLocal, &lastSynced)
	if err != nil {
		return nil, err
	}
	r.RemoteID = remoteID.String
	r.SyncStatus = dsync.SyncStatus(status)
	if lastKnown.Valid {
		r.LastKnownRemoteVersion = dsync.Ptr(lastKnown.Int64)
	}
	if lastSynced.Valid {
		r.LastSyncedAt = dsync.Ptr(lastSynced.Time)
	}
	return &r, nil
}

func recordArgs(r *dsync.Record) []any {
	return []any{
		r.LocalID, nullString(r.RemoteID), r.Design.Name, r.Design.FolderID,
		r.Design.Width, r.Design.Height, r.Design.Colors, r.Design.Data,
		r.LocalVersion, nullInt64(r.LastKnownRemoteVersion), string(r.SyncStatus), r.PendingDelete,
		r.LastModifiedLocal, nullTime(r.LastSyncedAt),
	}
}

func (s *SQLiteDatabase) InsertRecord(r *dsync.Record) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recordArgs(r)...)
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindRecord(localID string) (*dsync.Record, error) {
	return findRecord(context.Background(), s.db, "local_id", localID)
}

func (s *SQLiteDatabase) FindRecordByRemoteID(remoteID string) (*dsync.Record, error) {
	if remoteID == "" {
		return nil, nil
	}
	return findRecord(context.Background(), s.db, "remote_id", remoteID)
}

func findRecord(ctx context.Context, q querier, column, value string) (*dsync.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE `+column+` = ?`, value)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding record by %s: %w", column, err)
	}
	return r, nil
}

func (s *SQLiteDatabase) ModifyRecord(localID string, fn func(r *dsync.Record) error) (*dsync.Record, error) {
	ctx := context.Background()
	var out *dsync.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := findRecord(ctx, tx, "local_id", localID)
		if err != nil || r == nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE records SET
			remote_id = ?, name = ?, folder_id = ?, width = ?, height = ?, colors = ?, data = ?,
			local_version = ?, last_known_remote_version = ?, sync_status = ?, pending_delete = ?,
			last_modified_local = ?, last_synced_at = ?
			WHERE local_id = ?`,
			append(recordArgs(r)[1:], r.LocalID)...)
		if err != nil {
			return fmt.Errorf("updating record: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteDatabase) DeleteRecord(localID string) error {
	if _, err := s.db.ExecContext(context.Background(), `DELETE FROM records WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

func recordWhere(filter dsync.RecordFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !filter.IncludeDeleted {
		conds = append(conds, "pending_delete = 0")
	}
	if len(filter.Statuses) > 0 {
		conds = append(conds, "sync_status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.FolderID != "" {
		conds = append(conds, "folder_id = ?")
		args = append(args, filter.FolderID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteDatabase) ListRecords(filter dsync.RecordFilter) ([]*dsync.Record, error) {
	where, args := recordWhere(filter)
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT `+recordColumns+` FROM records`+where+` ORDER BY last_modified_local DESC, local_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	var out []*dsync.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) CountRecords(filter dsync.RecordFilter) (int, error) {
	where, args := recordWhere(filter)
	var n int
	if err := s.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM records`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

// Queue operations

const intentColumns = `id, record_id, operation, payload, timestamp, seq, retry_count, last_error, status, revision`

// conflictedRecords selects the ids of records parked in conflict.
const conflictedRecords = `SELECT local_id FROM records WHERE sync_status = 'conflict'`

func scanIntent(row scanner) (*dsync.Intent, error) {
	var (
		in      dsync.Intent
		op      string
		payload string
		status  string
	)
	err := row.Scan(&in.ID, &in.RecordID, &op, &payload, &in.Timestamp, &in.Seq,
		&in.RetryCount, &in.LastError, &status, &in.Revision)
	if err != nil {
		return nil, err
	}
	in.Op = dsync.Operation(op)
	in.Status = dsync.IntentStatus(status)
	if err := json.Unmarshal([]byte(payload), &in.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of intent %s: %w", in.ID, err)
	}
	return &in, nil
}

func findIntent(ctx context.Context, q querier, column, value string) (*dsync.Intent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM queue WHERE `+column+` = ?`, value)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding intent by %s: %w", column, err)
	}
	return in, nil
}

// writeIntent inserts or updates in. A zero Seq is replaced with the next position
// at the back of the queue.
func writeIntent(ctx context.Context, q querier, in *dsync.Intent, insert bool) error {
	if in.Seq == 0 {
		if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM queue`).Scan(&in.Seq); err != nil {
			return fmt.Errorf("allocating queue position: %w", err)
		}
	}
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	if insert {
		_, err = q.ExecContext(ctx, `INSERT INTO queue (`+intentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.RecordID, string(in.Op), string(payload), in.Timestamp, in.Seq,
			in.RetryCount, in.LastError, string(in.Status), in.Revision)
	} else {
		_, err = q.ExecContext(ctx, `UPDATE queue SET
			operation = ?, payload = ?, timestamp = ?, seq = ?, retry_count = ?,
			last_error = ?, status = ?, revision = ?
			WHERE id = ?`,
			string(in.Op), string(payload), in.Timestamp, in.Seq, in.RetryCount,
			in.LastError, string(in.Status), in.Revision, in.ID)
	}
	if err != nil {
		return fmt.Errorf("writing intent: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) MergeIntent(recordID string, fn func(existing *dsync.Intent) (*dsync.Intent, error)) (*dsync.Intent, error) {
	ctx := context.Background()
	var out *dsync.Intent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findIntent(ctx, tx, "record_id", recordID)
		if err != nil {
			return err
		}
		in, err := fn(existing)
		if err != nil {
			return err
		}
		if err := writeIntent(ctx, tx, in, existing == nil); err != nil {
			return err
		}
		out = in
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteDatabase) ClaimNextIntent() (*dsync.Intent, error) {
	ctx := context.Background()
	var out *dsync.Intent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM queue
			WHERE status = 'pending' AND record_id NOT IN (`+conflictedRecords+`)
			ORDER BY seq LIMIT 1`)
		in, err := scanIntent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next intent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queue SET status = 'processing' WHERE id = ?`, in.ID); err != nil {
			return fmt.Errorf("claiming intent: %w", err)
		}
		in.Status = dsync.IntentProcessing
		out = in
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteDatabase) FindIntent(id string) (*dsync.Intent, error) {
	return findIntent(context.Background(), s.db, "id", id)
}

func (s *SQLiteDatabase) FindIntentForRecord(recordID string) (*dsync.Intent, error) {
	return findIntent(context.Background(), s.db, "record_id", recordID)
}

func (s *SQLiteDatabase) ModifyIntent(id string, fn func(in *dsync.Intent) (bool, error)) (*dsync.Intent, error) {
	ctx := context.Background()
	var out *dsync.Intent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		in, err := findIntent(ctx, tx, "id", id)
		if err != nil || in == nil {
			return err
		}
		keep, err := fn(in)
		if err != nil {
			return err
		}
		if !keep {
			if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
				return fmt.Errorf("deleting intent: %w", err)
			}
			return nil
		}
		if err := writeIntent(ctx, tx, in, false); err != nil {
			return err
		}
		out = in
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteDatabase) DeleteIntent(id string) error {
	if _, err := s.db.ExecContext(context.Background(), `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting intent: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeleteIntentForRecord(recordID string) error {
	if _, err := s.db.ExecContext(context.Background(), `DELETE FROM queue WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("deleting intent for record: %w", err)
	}
	return nil
}

func intentWhere(statuses []dsync.IntentStatus, excludeConflicted bool) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(statuses))+")")
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	if excludeConflicted {
		conds = append(conds, "record_id NOT IN ("+conflictedRecords+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteDatabase) ListIntents(statuses ...dsync.IntentStatus) ([]*dsync.Intent, error) {
	where, args := intentWhere(statuses, false)
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT `+intentColumns+` FROM queue`+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing intents: %w", err)
	}
	defer rows.Close()

	var out []*dsync.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning intent: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) CountIntents(filter dsync.IntentFilter) (int, error) {
	where, args := intentWhere(filter.Statuses, filter.ExcludeConflicted)
	var n int
	if err := s.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM queue`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting intents: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) ResetProcessingIntents() (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE queue SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("resetting processing intents: %w", err)
	}
	return res.RowsAffected()
}

// Metadata operations

func (s *SQLiteDatabase) GetMetadata(key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(context.Background(), `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading metadata %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLiteDatabase) SetMetadata(key, value string) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing metadata %s: %w", key, err)
	}
	return nil
}

// Sync run operations

func (s *SQLiteDatabase) CreateSyncRun(startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO sync_runs (started_at, outcome) VALUES (?, ?)`, startedAt, string(dsync.OutcomeRunning))
	if err != nil {
		return 0, fmt.Errorf("inserting sync run: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteDatabase) FinishSyncRun(run *dsync.SyncRun) error {
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE sync_runs SET finished_at = ?, outcome = ?, processed = ?, failed = ?, conflicts = ?
		 WHERE id = ?`,
		nullTime(run.FinishedAt), string(run.Outcome), run.Processed, run.Failed, run.Conflicts, run.ID)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListSyncRuns(limit int) ([]*dsync.SyncRun, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, started_at, finished_at, outcome, processed, failed, conflicts
		 FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var out []*dsync.SyncRun
	for rows.Next() {
		var (
			run      dsync.SyncRun
			finished sql.NullTime
			outcome  string
		)
		if err := rows.Scan(&run.ID, &run.StartedAt, &finished, &outcome, &run.Processed, &run.Failed, &run.Conflicts); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		run.Outcome = dsync.Outcome(outcome)
		if finished.Valid {
			run.FinishedAt = dsync.Ptr(finished.Time)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// Path returns the database file path, empty for wrapped connections.
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

// Compile-time check that SQLiteDatabase implements dsync.Database.
var _ dsync.Database = (*SQLiteDatabase)(nil)
