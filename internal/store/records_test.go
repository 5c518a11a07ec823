package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/fieldsync/internal/cursor"
)

// TestQueryChangesSinceOnly tests the delta query without a cursor
func TestQueryChangesSinceOnly(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now()

	rows := pgxmock.NewRows([]string{"id", "payload", "active", "created_at", "updated_at"}).
		AddRow("c1", []byte(`{"name":"Acme"}`), true, now, now).
		AddRow("c2", []byte(`{"name":"Globex"}`), true, now, now)

	mock.ExpectQuery(`SELECT id, payload, active, created_at, updated_at`).
		WithArgs("client", "owner-1", since, 3).
		WillReturnRows(rows)

	records, err := QueryChanges(ctx, mock, ChangeQuery{
		Entity:  "client",
		OwnerID: "owner-1",
		Since:   &since,
		Scope:   "all",
		Limit:   3,
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].ID)
	assert.Equal(t, "client", records[0].Entity)
	assert.JSONEq(t, `{"name":"Acme"}`, string(records[0].Payload))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestQueryChangesWithCursor tests that the keyset predicate receives the
// cursor position as arguments
func TestQueryChangesWithCursor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()
	curTs := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	now := time.Now()

	rows := pgxmock.NewRows([]string{"id", "payload", "active", "created_at", "updated_at"}).
		AddRow("c9", []byte(`{}`), true, now, now)

	mock.ExpectQuery(`SELECT id, payload, active, created_at, updated_at`).
		WithArgs("client", "owner-1", curTs, "c5", 11).
		WillReturnRows(rows)

	records, err := QueryChanges(ctx, mock, ChangeQuery{
		Entity:  "client",
		OwnerID: "owner-1",
		Cursor:  &cursor.Cursor{UpdatedAt: curTs, ID: "c5"},
		Scope:   "all",
		Limit:   11,
	})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestCountChangesIgnoresCursor tests that the total honors only the since
// filter so it is stable across pages
func TestCountChangesIgnoresCursor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT count`).
		WithArgs("quote", "owner-1", since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))

	total, err := CountChanges(ctx, mock, ChangeQuery{
		Entity:  "quote",
		OwnerID: "owner-1",
		Since:   &since,
		Cursor:  &cursor.Cursor{UpdatedAt: since, ID: "q7"}, // must not reach the query
		Scope:   "all",
		Limit:   11,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, total)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestGetRecordNotFound tests the ErrNotFound mapping
func TestGetRecordNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()

	mock.ExpectQuery(`SELECT id, payload, active, parent_entity, parent_id, created_at, updated_at`).
		WithArgs("client", "owner-1", "missing").
		WillReturnRows(pgxmock.NewRows([]string{"id", "payload", "active", "parent_entity", "parent_id", "created_at", "updated_at"}))

	_, err = GetRecord(ctx, mock, "client", "owner-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDeactivateRecord tests soft deletion
func TestDeactivateRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery(`UPDATE records SET active = false`).
		WithArgs("client", "owner-1", "c1").
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(now))

	updatedAt, err := DeactivateRecord(ctx, mock, "client", "owner-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, now, updatedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDeleteRecordNotFound tests hard deletion of a missing record
func TestDeleteRecordNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM records`).
		WithArgs("client", "owner-1", "missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err = DeleteRecord(ctx, mock, "client", "owner-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
