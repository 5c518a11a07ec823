package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldworks/fieldsync/internal/db"
)

// ProcessedMutation is a row of the append-only mutation ledger. Once written
// for a mutation id it is the permanent answer for every replay of that id;
// ledger rows are never updated or deleted.
type ProcessedMutation struct {
	MutationID string
	OwnerID    string
	Entity     string
	EntityID   string
	Action     string
	Status     string
	Error      *string
	Result     json.RawMessage
	CreatedAt  time.Time
}

// GetProcessedMutation looks up the ledger by mutation id. Returns (nil, nil)
// when the id has not been processed yet.
func GetProcessedMutation(ctx context.Context, pool db.PgxIface, mutationID string) (*ProcessedMutation, error) {
	pm := ProcessedMutation{MutationID: mutationID}
	err := pool.QueryRow(ctx, `SELECT owner_id, entity, entity_id, action, status, error, result, created_at
		FROM processed_mutations
		WHERE mutation_id = $1`, mutationID).
		Scan(&pm.OwnerID, &pm.Entity, &pm.EntityID, &pm.Action, &pm.Status, &pm.Error, &pm.Result, &pm.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up processed mutation: %w", err)
	}
	return &pm, nil
}

// InsertProcessedMutation appends an outcome to the ledger. The insert is
// atomic with respect to concurrent pushes carrying the same mutation id:
// ON CONFLICT DO NOTHING makes the primary key the arbiter, and a losing
// writer sees inserted=false and must read the winner's row back instead of
// trusting its own outcome.
func InsertProcessedMutation(ctx context.Context, pool db.PgxIface, pm *ProcessedMutation) (bool, error) {
	tag, err := pool.Exec(ctx, `INSERT INTO processed_mutations (mutation_id, owner_id, entity, entity_id, action, status, error, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (mutation_id) DO NOTHING`,
		pm.MutationID, pm.OwnerID, pm.Entity, pm.EntityID, pm.Action, pm.Status, pm.Error, pm.Result)
	if err != nil {
		return false, fmt.Errorf("failed to insert processed mutation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
