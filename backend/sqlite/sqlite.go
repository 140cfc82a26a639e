// Package sqlite stores queued operations in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"listsync/internal/operation"
	"listsync/internal/queue"
)

var _ queue.Store = (*Store)(nil)

// Store implements queue.Store using SQLite
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for a throwaway store.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps writes serialized and makes :memory: behave as a
	// single database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates the operations table and its indexes if they don't exist
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			operation_type TEXT NOT NULL,
			owner_id INTEGER NOT NULL,
			target_id INTEGER,
			payload TEXT NOT NULL DEFAULT '{}',
			signature TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at INTEGER,
			scheduled_for INTEGER NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_operations_status_scheduled ON operations(status, scheduled_for);
		CREATE INDEX IF NOT EXISTS idx_operations_type_owner_target ON operations(operation_type, owner_id, target_id);
		CREATE INDEX IF NOT EXISTS idx_operations_owner_status ON operations(owner_id, status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_active_signature
			ON operations(signature) WHERE status IN ('pending', 'processing');
	`

	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return err
	}
	_, _ = s.db.Exec("PRAGMA journal_mode = WAL")

	_, err := s.db.Exec(schema)
	return err
}

const selectColumns = `id, operation_type, owner_id, target_id, payload, signature, status,
	retry_count, last_retry_at, scheduled_for, error_message, error_kind, created_at, updated_at`

// Insert stores rec unless another active record already holds its signature.
// It returns that active record when the insert was skipped, nil otherwise.
func (s *Store) Insert(ctx context.Context, rec *operation.Record) (*operation.Record, error) {
	payload, err := operation.EncodePayload(rec.Payload)
	if err != nil {
		return nil, err
	}

	// The active record can complete between the skipped insert and the
	// lookup; in that case the insert is attempted again.
	for attempt := 0; attempt < 3; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO operations (id, operation_type, owner_id, target_id, payload, signature, status,
				retry_count, last_retry_at, scheduled_for, error_message, error_kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			rec.ID, string(rec.Type), rec.OwnerID, nullInt64(rec.TargetID), string(payload), rec.Signature,
			string(rec.Status), rec.RetryCount, nullTime(rec.LastRetryAt), unixNano(rec.ScheduledFor),
			rec.ErrorMessage, rec.ErrorKind, unixNano(rec.CreatedAt), unixNano(rec.UpdatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("insert operation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return nil, nil
		}

		existing, err := s.FindActive(ctx, rec.Signature)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	return nil, fmt.Errorf("insert operation %s: signature stayed contended", rec.ID)
}

// Get returns the record with the given ID, or nil if it doesn't exist.
func (s *Store) Get(ctx context.Context, id string) (*operation.Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM operations WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// FindActive returns the pending or processing record with the signature, or nil.
func (s *Store) FindActive(ctx context.Context, signature string) (*operation.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM operations WHERE signature = ? AND status IN ('pending', 'processing')",
		signature,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Update writes every mutable field of rec, but only while the stored status
// still equals expected. It reports whether the row was updated.
func (s *Store) Update(ctx context.Context, rec *operation.Record, expected operation.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, retry_count = ?, last_retry_at = ?, scheduled_for = ?,
			error_message = ?, error_kind = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(rec.Status), rec.RetryCount, nullTime(rec.LastRetryAt), unixNano(rec.ScheduledFor),
		rec.ErrorMessage, rec.ErrorKind, unixNano(rec.UpdatedAt),
		rec.ID, string(expected),
	)
	if err != nil {
		// Moving a record back to an active status collides with the unique
		// signature index when another active record exists.
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: another active operation has signature %q", queue.ErrConflict, rec.Signature)
		}
		return false, fmt.Errorf("update operation %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListDue returns pending records scheduled at or before now, oldest first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*operation.Record, error) {
	return s.query(ctx, `
		SELECT `+selectColumns+` FROM operations
		WHERE status = 'pending' AND scheduled_for <= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		unixNano(now), limit,
	)
}

// List returns records filtered by status (all when empty), newest first.
func (s *Store) List(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Record, error) {
	query := "SELECT " + selectColumns + " FROM operations"
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += " WHERE status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ListByOwner returns the owner's records in the given statuses, oldest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID int64, statuses []operation.Status) ([]*operation.Record, error) {
	query := "SELECT " + selectColumns + " FROM operations WHERE owner_id = ?"
	args := []any{ownerID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at ASC, id ASC"
	return s.query(ctx, query, args...)
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[operation.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM operations GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[operation.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[operation.Status(status)] = n
	}
	return counts, rows.Err()
}

// DeleteTerminalBefore removes completed and cancelled records last updated
// before the cutoff.
func (s *Store) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM operations WHERE status IN ('completed', 'cancelled') AND updated_at < ?",
		unixNano(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetStaleProcessing moves processing records not touched since before back
// to pending, due at now.
func (s *Store) ResetStaleProcessing(ctx context.Context, before, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = 'pending', scheduled_for = ?, updated_at = ?
		WHERE status = 'processing' AND updated_at < ?`,
		unixNano(now), unixNano(now), unixNano(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*operation.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*operation.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if records == nil {
		records = []*operation.Record{}
	}
	return records, rows.Err()
}

// scanner is an interface satisfied by both *sql.Rows and *sql.Row
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*operation.Record, error) {
	var (
		rec                            operation.Record
		opType, status, payload        string
		targetID, lastRetryAt          sql.NullInt64
		scheduledFor, created, updated int64
	)
	err := s.Scan(&rec.ID, &opType, &rec.OwnerID, &targetID, &payload, &rec.Signature, &status,
		&rec.RetryCount, &lastRetryAt, &scheduledFor, &rec.ErrorMessage, &rec.ErrorKind, &created, &updated)
	if err != nil {
		return nil, err
	}

	rec.Type = operation.Type(opType)
	rec.Status = operation.Status(status)
	if targetID.Valid {
		rec.TargetID = operation.Int64(targetID.Int64)
	}
	if lastRetryAt.Valid {
		at := time.Unix(0, lastRetryAt.Int64).UTC()
		rec.LastRetryAt = &at
	}
	rec.ScheduledFor = time.Unix(0, scheduledFor).UTC()
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()

	rec.Payload, err = operation.DecodePayload(rec.Type, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
