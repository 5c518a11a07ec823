package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/store"
)

// PushEngine applies batches of client mutations exactly once each. Every
// mutation runs inside one transaction covering both the entity change and
// the ledger write, so a crash between the two cannot double-apply on retry.
type PushEngine struct {
	pool db.PgxPoolIface
}

// NewPushEngine creates a mutation push engine on top of a pgx pool.
func NewPushEngine(pool db.PgxPoolIface) *PushEngine {
	return &PushEngine{pool: pool}
}

// Push processes mutations in array order. A failure in one mutation never
// aborts the rest of the batch: it becomes a rejected result and processing
// continues. Only storage-level failures (begin/commit, ledger unavailable)
// fail the whole call.
func (e *PushEngine) Push(ctx context.Context, entity Entity, ownerID string, mutations []MutationEnvelope) (*PushResponse, error) {
	resp := &PushResponse{Results: make([]MutationResult, 0, len(mutations))}

	for _, m := range mutations {
		result, err := e.process(ctx, entity, ownerID, m)
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, *result)
	}

	serverTime, err := store.ServerTime(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("push server time failed: %w", err)
	}
	resp.ServerTime = serverTime

	return resp, nil
}

// outcome is an internal dispatch result before it is ledgered.
type outcome struct {
	entityID string
	status   Status
	snapshot *ChangeRecord
	errText  string
}

func rejection(entityID, reason string) *outcome {
	return &outcome{entityID: entityID, status: StatusRejected, errText: reason}
}

func (e *PushEngine) process(ctx context.Context, entity Entity, ownerID string, m MutationEnvelope) (*MutationResult, error) {
	if m.MutationID == "" {
		// Nothing to key the ledger on; reject without recording.
		return &MutationResult{Status: StatusRejected, Error: "mutation id is required"}, nil
	}
	if !m.Action.Valid() {
		return &MutationResult{MutationID: m.MutationID, Status: StatusRejected,
			Error: fmt.Sprintf("unknown action %q", m.Action)}, nil
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin push transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotency check: a replayed mutation id returns the stored outcome
	// verbatim and is never re-executed.
	if pm, err := store.GetProcessedMutation(ctx, tx, m.MutationID); err != nil {
		return nil, err
	} else if pm != nil {
		logrus.WithFields(logrus.Fields{
			"mutation_id": m.MutationID,
			"status":      pm.Status,
		}).Debug("Replaying processed mutation from ledger")
		return resultFromLedger(pm)
	}

	out, err := e.dispatch(ctx, tx, entity, ownerID, m)
	if err != nil {
		// Dispatch only failed on storage access; nothing was applied and
		// nothing ledgered, so the client retry will reprocess cleanly.
		logrus.WithError(err).WithField("mutation_id", m.MutationID).Error("Mutation dispatch failed")
		return &MutationResult{MutationID: m.MutationID, Status: StatusRejected, Error: err.Error()}, nil
	}

	pm := &store.ProcessedMutation{
		MutationID: m.MutationID,
		OwnerID:    ownerID,
		Entity:     string(entity),
		EntityID:   out.entityID,
		Action:     string(m.Action),
		Status:     string(out.status),
	}
	if out.errText != "" {
		pm.Error = &out.errText
	}
	if out.snapshot != nil {
		snapshot, err := json.Marshal(out.snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result snapshot: %w", err)
		}
		pm.Result = snapshot
	}

	inserted, err := store.InsertProcessedMutation(ctx, tx, pm)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// A concurrent push carrying the same mutation id won the ledger
		// race. Discard our work and return the winner's outcome.
		_ = tx.Rollback(ctx)
		winner, err := store.GetProcessedMutation(ctx, e.pool, m.MutationID)
		if err != nil {
			return nil, err
		}
		if winner == nil {
			return nil, fmt.Errorf("ledger conflict for mutation %s but no row found", m.MutationID)
		}
		return resultFromLedger(winner)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit mutation %s: %w", m.MutationID, err)
	}

	logrus.WithFields(logrus.Fields{
		"mutation_id": m.MutationID,
		"entity":      entity,
		"entity_id":   out.entityID,
		"action":      m.Action,
		"status":      out.status,
	}).Info("Mutation processed")

	return &MutationResult{
		MutationID: m.MutationID,
		Status:     out.status,
		Record:     out.snapshot,
		Error:      out.errText,
	}, nil
}

// dispatch applies a single mutation inside tx. Validation and conflict
// failures are returned as a rejected outcome (they are cacheable answers);
// an error return means storage access failed.
func (e *PushEngine) dispatch(ctx context.Context, tx db.PgxIface, entity Entity, ownerID string, m MutationEnvelope) (*outcome, error) {
	parsed, err := ParseRecord(entity, m.Record)
	if err != nil {
		return rejection("", err.Error()), nil
	}

	switch m.Action {
	case ActionCreate:
		return e.create(ctx, tx, entity, ownerID, parsed)
	case ActionUpdate:
		return e.update(ctx, tx, entity, ownerID, parsed, m)
	case ActionDelete:
		return e.delete(ctx, tx, entity, ownerID, parsed)
	}
	return rejection(parsed.ID, fmt.Sprintf("unknown action %q", m.Action)), nil
}

func (e *PushEngine) create(ctx context.Context, tx db.PgxIface, entity Entity, ownerID string, parsed *ParsedRecord) (*outcome, error) {
	id := parsed.ID
	if id == "" {
		// Client-supplied ids are honored so a retried create stays
		// idempotent; otherwise the server assigns one.
		id = uuid.NewString()
	}

	r := &store.Record{
		ID:      id,
		Entity:  string(entity),
		OwnerID: ownerID,
		Payload: parsed.Payload,
		Active:  true,
	}
	if parsed.ParentID != "" {
		ok, err := store.RecordExists(ctx, tx, string(parsed.ParentEntity), ownerID, parsed.ParentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return rejection(id, fmt.Sprintf("referenced %s %q does not exist for this owner", parsed.ParentEntity, parsed.ParentID)), nil
		}
		pe, pid := string(parsed.ParentEntity), parsed.ParentID
		r.ParentEntity, r.ParentID = &pe, &pid
	}

	if exists, err := store.RecordExists(ctx, tx, string(entity), ownerID, id); err != nil {
		return nil, err
	} else if exists {
		return rejection(id, fmt.Sprintf("%s %q already exists", entity, id)), nil
	}

	if err := store.InsertRecord(ctx, tx, r); err != nil {
		return nil, err
	}

	return &outcome{entityID: id, status: StatusApplied, snapshot: snapshotOf(entity, r)}, nil
}

func (e *PushEngine) update(ctx context.Context, tx db.PgxIface, entity Entity, ownerID string, parsed *ParsedRecord, m MutationEnvelope) (*outcome, error) {
	if parsed.ID == "" {
		return rejection("", "update requires a record id"), nil
	}

	existing, err := store.GetRecord(ctx, tx, string(entity), ownerID, parsed.ID)
	if errors.Is(err, store.ErrNotFound) {
		return rejection(parsed.ID, fmt.Sprintf("%s %q does not exist", entity, parsed.ID)), nil
	}
	if err != nil {
		return nil, err
	}

	if res := Resolve(existing.UpdatedAt, m.ClientUpdatedAt); !res.Accepted {
		// Return the current server snapshot so the client can reconcile
		// its local copy.
		out := rejection(parsed.ID, RejectionNewerVersion)
		out.snapshot = snapshotOf(entity, existing)
		return out, nil
	}

	existing.Payload = parsed.Payload
	if parsed.ParentID != "" {
		pe, pid := string(parsed.ParentEntity), parsed.ParentID
		if ok, err := store.RecordExists(ctx, tx, pe, ownerID, pid); err != nil {
			return nil, err
		} else if !ok {
			return rejection(parsed.ID, fmt.Sprintf("referenced %s %q does not exist for this owner", parsed.ParentEntity, pid)), nil
		}
		existing.ParentEntity, existing.ParentID = &pe, &pid
	}
	if err := store.UpdateRecord(ctx, tx, existing); err != nil {
		return nil, err
	}

	return &outcome{entityID: parsed.ID, status: StatusApplied, snapshot: snapshotOf(entity, existing)}, nil
}

func (e *PushEngine) delete(ctx context.Context, tx db.PgxIface, entity Entity, ownerID string, parsed *ParsedRecord) (*outcome, error) {
	if parsed.ID == "" {
		return rejection("", "delete requires a record id"), nil
	}

	existing, err := store.GetRecord(ctx, tx, string(entity), ownerID, parsed.ID)
	if errors.Is(err, store.ErrNotFound) {
		return rejection(parsed.ID, fmt.Sprintf("%s %q does not exist", entity, parsed.ID)), nil
	}
	if err != nil {
		return nil, err
	}

	referenced, err := store.HasDependents(ctx, tx, string(entity), parsed.ID)
	if err != nil {
		return nil, err
	}

	if referenced {
		// In-use records are deactivated, not removed; the snapshot records
		// which happened.
		updatedAt, err := store.DeactivateRecord(ctx, tx, string(entity), ownerID, parsed.ID)
		if err != nil {
			return nil, err
		}
		existing.Active = false
		existing.UpdatedAt = updatedAt
		return &outcome{entityID: parsed.ID, status: StatusApplied, snapshot: snapshotOf(entity, existing)}, nil
	}

	if err := store.DeleteRecord(ctx, tx, string(entity), ownerID, parsed.ID); err != nil {
		return nil, err
	}
	return &outcome{entityID: parsed.ID, status: StatusApplied}, nil
}

func snapshotOf(entity Entity, r *store.Record) *ChangeRecord {
	return &ChangeRecord{
		ID:        r.ID,
		Entity:    entity,
		Payload:   r.Payload,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func resultFromLedger(pm *store.ProcessedMutation) (*MutationResult, error) {
	result := &MutationResult{
		MutationID: pm.MutationID,
		Status:     Status(pm.Status),
	}
	if pm.Error != nil {
		result.Error = *pm.Error
	}
	if len(pm.Result) > 0 {
		var snapshot ChangeRecord
		if err := json.Unmarshal(pm.Result, &snapshot); err != nil {
			return nil, fmt.Errorf("corrupt ledger snapshot for mutation %s: %w", pm.MutationID, err)
		}
		result.Record = &snapshot
	}
	return result, nil
}
