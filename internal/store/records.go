// Package store provides consolidated PostgreSQL operations for the
// synchronized record tables and the mutation ledger.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldworks/fieldsync/internal/cursor"
	"github.com/fieldworks/fieldsync/internal/db"
)

// ErrNotFound is returned when a record does not exist for the owner.
var ErrNotFound = errors.New("record not found")

// Record is a row of the records table.
type Record struct {
	ID           string
	Entity       string
	OwnerID      string
	Payload      json.RawMessage
	Active       bool
	ParentEntity *string
	ParentID     *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChangeQuery describes a keyset-paginated delta query.
type ChangeQuery struct {
	Entity  string
	OwnerID string
	Since   *time.Time
	Cursor  *cursor.Cursor
	Scope   string // "all", "active" or "recent"
	Limit   int    // rows to fetch; callers pass limit+1 to detect more pages
}

const recentWindow = "90 days"

// scopePredicate returns the SQL fragment narrowing the working set for a
// scope. Scopes compose with the since filter, they do not replace it.
func scopePredicate(scope string) string {
	switch scope {
	case "active":
		return " AND active"
	case "recent":
		return " AND updated_at >= now() - interval '" + recentWindow + "'"
	}
	return ""
}

// QueryChanges returns rows changed since the query's lower bound, ordered by
// (updated_at ASC, id ASC). When a cursor is present only rows strictly after
// it are returned, which keeps pagination stable under concurrent writes: a
// row updated mid-session moves behind a new (updated_at, id) key and shows
// up in a later delta instead of shifting this one.
func QueryChanges(ctx context.Context, pool db.PgxIface, q ChangeQuery) ([]Record, error) {
	sql := `SELECT id, payload, active, created_at, updated_at
		FROM records
		WHERE entity = $1 AND owner_id = $2`
	args := []any{q.Entity, q.OwnerID}

	if q.Since != nil {
		args = append(args, *q.Since)
		sql += fmt.Sprintf(" AND updated_at >= $%d", len(args))
	}
	sql += scopePredicate(q.Scope)
	if q.Cursor != nil {
		args = append(args, q.Cursor.UpdatedAt, q.Cursor.ID)
		sql += fmt.Sprintf(" AND (updated_at > $%d OR (updated_at = $%d AND id > $%d))",
			len(args)-1, len(args)-1, len(args))
	}
	args = append(args, q.Limit)
	sql += fmt.Sprintf(" ORDER BY updated_at ASC, id ASC LIMIT $%d", len(args))

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r := Record{Entity: q.Entity, OwnerID: q.OwnerID}
		if err := rows.Scan(&r.ID, &r.Payload, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning changed record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changed records: %w", err)
	}

	return records, nil
}

// CountChanges counts rows matching the since and scope filters only. The
// cursor is deliberately ignored so the total stays stable across the pages
// of one delta sync session.
func CountChanges(ctx context.Context, pool db.PgxIface, q ChangeQuery) (int, error) {
	sql := `SELECT count(*) FROM records WHERE entity = $1 AND owner_id = $2`
	args := []any{q.Entity, q.OwnerID}

	if q.Since != nil {
		args = append(args, *q.Since)
		sql += fmt.Sprintf(" AND updated_at >= $%d", len(args))
	}
	sql += scopePredicate(q.Scope)

	var total int
	if err := pool.QueryRow(ctx, sql, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count changed records: %w", err)
	}
	return total, nil
}

// ServerTime returns the database clock. Pull responses report it so clients
// anchor their next delta window to the server's clock, not their own.
func ServerTime(ctx context.Context, pool db.PgxIface) (time.Time, error) {
	var now time.Time
	if err := pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read server time: %w", err)
	}
	return now, nil
}

// GetRecord loads a single record owned by ownerID.
func GetRecord(ctx context.Context, pool db.PgxIface, entity, ownerID, id string) (*Record, error) {
	r := Record{Entity: entity, OwnerID: ownerID}
	err := pool.QueryRow(ctx, `SELECT id, payload, active, parent_entity, parent_id, created_at, updated_at
		FROM records
		WHERE entity = $1 AND owner_id = $2 AND id = $3`, entity, ownerID, id).
		Scan(&r.ID, &r.Payload, &r.Active, &r.ParentEntity, &r.ParentID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return &r, nil
}

// RecordExists reports whether a record exists and belongs to ownerID. Used
// to validate parent references on create.
func RecordExists(ctx context.Context, pool db.PgxIface, entity, ownerID, id string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE entity = $1 AND owner_id = $2 AND id = $3)`,
		entity, ownerID, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check record existence: %w", err)
	}
	return exists, nil
}

// InsertRecord persists a new record and fills in the assigned timestamps.
func InsertRecord(ctx context.Context, pool db.PgxIface, r *Record) error {
	err := pool.QueryRow(ctx, `INSERT INTO records (id, entity, owner_id, payload, active, parent_entity, parent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		r.ID, r.Entity, r.OwnerID, r.Payload, r.Active, r.ParentEntity, r.ParentID).
		Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// UpdateRecord overwrites the payload and parent reference of an existing
// record and bumps updated_at, returning the new timestamp. Whole-record
// overwrite is the conflict policy: accepted updates replace every supplied
// field, no field-level merging.
func UpdateRecord(ctx context.Context, pool db.PgxIface, r *Record) error {
	err := pool.QueryRow(ctx, `UPDATE records
		SET payload = $4, parent_entity = $5, parent_id = $6, updated_at = now()
		WHERE entity = $1 AND owner_id = $2 AND id = $3
		RETURNING updated_at`,
		r.Entity, r.OwnerID, r.ID, r.Payload, r.ParentEntity, r.ParentID).
		Scan(&r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

// HasDependents reports whether other records reference (entity, id) as a
// parent. A referenced record is soft-deleted instead of removed.
func HasDependents(ctx context.Context, pool db.PgxIface, entity, id string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE parent_entity = $1 AND parent_id = $2)`,
		entity, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dependents: %w", err)
	}
	return exists, nil
}

// DeactivateRecord soft-deletes a record, returning the new updated_at.
func DeactivateRecord(ctx context.Context, pool db.PgxIface, entity, ownerID, id string) (time.Time, error) {
	var updatedAt time.Time
	err := pool.QueryRow(ctx, `UPDATE records SET active = false, updated_at = now()
		WHERE entity = $1 AND owner_id = $2 AND id = $3
		RETURNING updated_at`, entity, ownerID, id).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to deactivate record: %w", err)
	}
	return updatedAt, nil
}

// DeleteRecord removes a record permanently.
func DeleteRecord(ctx context.Context, pool db.PgxIface, entity, ownerID, id string) error {
	tag, err := pool.Exec(ctx, `DELETE FROM records WHERE entity = $1 AND owner_id = $2 AND id = $3`,
		entity, ownerID, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
