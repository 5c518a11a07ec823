package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetProcessedMutationAbsent tests that an unknown mutation id returns
// (nil, nil), not an error
func TestGetProcessedMutationAbsent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()

	mock.ExpectQuery(`SELECT owner_id, entity, entity_id, action, status, error, result, created_at`).
		WithArgs("c1:create:1").
		WillReturnRows(pgxmock.NewRows([]string{"owner_id", "entity", "entity_id", "action", "status", "error", "result", "created_at"}))

	pm, err := GetProcessedMutation(ctx, mock, "c1:create:1")
	require.NoError(t, err)
	assert.Nil(t, pm)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestGetProcessedMutationFound tests ledger lookup of a stored outcome
func TestGetProcessedMutationFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()
	now := time.Now()
	errText := "server has a newer version"

	rows := pgxmock.NewRows([]string{"owner_id", "entity", "entity_id", "action", "status", "error", "result", "created_at"}).
		AddRow("owner-1", "client", "c1", "update", "rejected", &errText, []byte(`{"id":"c1"}`), now)

	mock.ExpectQuery(`SELECT owner_id, entity, entity_id, action, status, error, result, created_at`).
		WithArgs("c1:update:3").
		WillReturnRows(rows)

	pm, err := GetProcessedMutation(ctx, mock, "c1:update:3")
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Equal(t, "c1:update:3", pm.MutationID)
	assert.Equal(t, "rejected", pm.Status)
	require.NotNil(t, pm.Error)
	assert.Equal(t, errText, *pm.Error)
	assert.JSONEq(t, `{"id":"c1"}`, string(pm.Result))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestInsertProcessedMutationClaimsId tests the atomic insert-if-absent claim
func TestInsertProcessedMutationClaimsId(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()

	pm := &ProcessedMutation{
		MutationID: "c1:create:1",
		OwnerID:    "owner-1",
		Entity:     "client",
		EntityID:   "c1",
		Action:     "create",
		Status:     "applied",
		Result:     []byte(`{"id":"c1"}`),
	}

	mock.ExpectExec(`INSERT INTO processed_mutations`).
		WithArgs("c1:create:1", "owner-1", "client", "c1", "create", "applied", (*string)(nil), json.RawMessage(`{"id":"c1"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := InsertProcessedMutation(ctx, mock, pm)
	require.NoError(t, err)
	assert.True(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestInsertProcessedMutationLosesRace tests that a conflicting insert
// reports inserted=false instead of failing
func TestInsertProcessedMutationLosesRace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()

	pm := &ProcessedMutation{
		MutationID: "c1:create:1",
		OwnerID:    "owner-1",
		Entity:     "client",
		EntityID:   "c1",
		Action:     "create",
		Status:     "applied",
	}

	mock.ExpectExec(`INSERT INTO processed_mutations`).
		WithArgs("c1:create:1", "owner-1", "client", "c1", "create", "applied", (*string)(nil), json.RawMessage(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := InsertProcessedMutation(ctx, mock, pm)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}
