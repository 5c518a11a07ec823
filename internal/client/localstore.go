package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fieldworks/fieldsync/internal/sync"
)

// LocalStore is the device-side SQLite database: a replica of server records,
// an outbox of not yet acknowledged mutations and the per-entity sync cursor
// state. Writes are applied to the replica optimistically when enqueued; the
// server's answer later confirms or overwrites them.
type LocalStore struct {
	db *sql.DB
}

// OutboxEntry is one pending or rejected local mutation.
type OutboxEntry struct {
	Seq             int64
	MutationID      string
	Entity          sync.Entity
	EntityID        string
	Action          sync.Action
	Record          json.RawMessage
	ClientUpdatedAt time.Time
	Status          string
	Error           string
}

const (
	outboxPending  = "pending"
	outboxRejected = "rejected"
)

// OpenLocalStore opens (and if needed creates) the local database at path.
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}

	s := &LocalStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS replica (
		entity TEXT NOT NULL,
		id TEXT NOT NULL,
		payload JSON NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity, id)
	);

	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		mutation_id TEXT NOT NULL UNIQUE,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		record JSON NOT NULL,
		client_updated_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		entity TEXT PRIMARY KEY,
		cursor TEXT NOT NULL DEFAULT '',
		last_server_time TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_entity_status ON outbox(entity, status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create local schema: %w", err)
	}
	return nil
}

// Enqueue appends a mutation to the outbox and applies it to the replica
// optimistically, both in one transaction. The mutation id is derived from
// the next outbox sequence number so retries of the same logical operation
// never mint a second id.
func (s *LocalStore) Enqueue(ctx context.Context, entity sync.Entity, entityID string, action sync.Action, record json.RawMessage, clientUpdatedAt time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM outbox`).Scan(&seq); err != nil {
		return "", fmt.Errorf("next outbox sequence: %w", err)
	}

	mutationID := MutationID(entityID, action, seq)
	ts := formatTime(clientUpdatedAt)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (seq, mutation_id, entity, entity_id, action, record, client_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		seq, mutationID, string(entity), entityID, string(action), string(record), ts)
	if err != nil {
		return "", fmt.Errorf("insert outbox entry: %w", err)
	}

	switch action {
	case sync.ActionDelete:
		_, err = tx.ExecContext(ctx, `UPDATE replica SET active = FALSE, updated_at = ? WHERE entity = ? AND id = ?`,
			ts, string(entity), entityID)
	default:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO replica (entity, id, payload, active, created_at, updated_at)
			VALUES (?, ?, ?, TRUE, ?, ?)
			ON CONFLICT (entity, id) DO UPDATE SET payload = excluded.payload, active = TRUE, updated_at = excluded.updated_at`,
			string(entity), entityID, string(record), ts, ts)
	}
	if err != nil {
		return "", fmt.Errorf("apply optimistic change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue: %w", err)
	}
	return mutationID, nil
}

// PendingMutations returns the entity's unacknowledged mutations in enqueue
// order, ready to be pushed.
func (s *LocalStore) PendingMutations(ctx context.Context, entity sync.Entity) ([]sync.MutationEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mutation_id, action, record, client_updated_at
		FROM outbox WHERE entity = ? AND status = ? ORDER BY seq`,
		string(entity), outboxPending)
	if err != nil {
		return nil, fmt.Errorf("query pending mutations: %w", err)
	}
	defer rows.Close()

	var mutations []sync.MutationEnvelope
	for rows.Next() {
		var m sync.MutationEnvelope
		var record, ts string
		if err := rows.Scan(&m.MutationID, &m.Action, &record, &ts); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		m.Record = json.RawMessage(record)
		if m.ClientUpdatedAt, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("outbox entry %s: %w", m.MutationID, err)
		}
		mutations = append(mutations, m)
	}
	return mutations, rows.Err()
}

// ResolveResults reconciles push results against the outbox: applied
// mutations leave the outbox and their server snapshot lands in the replica;
// rejected ones stay marked with the server's reason, and the replica is
// rolled forward to the server's winning version so the device converges.
func (s *LocalStore) ResolveResults(ctx context.Context, entity sync.Entity, results []sync.MutationResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		switch r.Status {
		case sync.StatusApplied:
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE mutation_id = ?`, r.MutationID); err != nil {
				return fmt.Errorf("clear outbox entry %s: %w", r.MutationID, err)
			}
		case sync.StatusRejected:
			if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status = ?, error = ? WHERE mutation_id = ?`,
				outboxRejected, r.Error, r.MutationID); err != nil {
				return fmt.Errorf("mark outbox entry %s rejected: %w", r.MutationID, err)
			}
		}
		if r.Record != nil {
			if err := upsertReplica(ctx, tx, entity, *r.Record); err != nil {
				return err
			}
		} else if r.Status == sync.StatusApplied {
			// Applied hard deletes return no snapshot.
			if entityID, action, _, perr := ParseMutationID(r.MutationID); perr == nil && action == sync.ActionDelete {
				if _, err := tx.ExecContext(ctx, `DELETE FROM replica WHERE entity = ? AND id = ?`,
					string(entity), entityID); err != nil {
					return fmt.Errorf("remove replica row %s: %w", entityID, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolve: %w", err)
	}
	return nil
}

// ApplyChanges upserts a page of pulled records into the replica.
func (s *LocalStore) ApplyChanges(ctx context.Context, entity sync.Entity, items []sync.ChangeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		if err := upsertReplica(ctx, tx, entity, item); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}
	return nil
}

func upsertReplica(ctx context.Context, tx *sql.Tx, entity sync.Entity, rec sync.ChangeRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO replica (entity, id, payload, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity, id) DO UPDATE SET
			payload = excluded.payload,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		string(entity), rec.ID, string(rec.Payload), rec.Active,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert replica row %s: %w", rec.ID, err)
	}
	return nil
}

// GetReplica returns the local copy of a record, or nil when the device has
// never seen it.
func (s *LocalStore) GetReplica(ctx context.Context, entity sync.Entity, id string) (*sync.ChangeRecord, error) {
	rec := sync.ChangeRecord{ID: id, Entity: entity}
	var payload, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, active, created_at, updated_at FROM replica WHERE entity = ? AND id = ?`,
		string(entity), id).Scan(&payload, &rec.Active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query replica row %s: %w", id, err)
	}

	rec.Payload = json.RawMessage(payload)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("replica row %s: %w", id, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("replica row %s: %w", id, err)
	}
	return &rec, nil
}

// RemoveReplica drops the local copy of a record that no longer exists on
// the server.
func (s *LocalStore) RemoveReplica(ctx context.Context, entity sync.Entity, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM replica WHERE entity = ? AND id = ?`,
		string(entity), id); err != nil {
		return fmt.Errorf("remove replica row %s: %w", id, err)
	}
	return nil
}

// RejectedMutations returns outbox entries the server refused, for surfacing
// to the user.
func (s *LocalStore) RejectedMutations(ctx context.Context, entity sync.Entity) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, mutation_id, entity_id, action, record, client_updated_at, error
		FROM outbox WHERE entity = ? AND status = ? ORDER BY seq`,
		string(entity), outboxRejected)
	if err != nil {
		return nil, fmt.Errorf("query rejected mutations: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		e := OutboxEntry{Entity: entity, Status: outboxRejected}
		var record, ts string
		if err := rows.Scan(&e.Seq, &e.MutationID, &e.EntityID, &e.Action, &record, &ts, &e.Error); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.Record = json.RawMessage(record)
		if e.ClientUpdatedAt, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("outbox entry %s: %w", e.MutationID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SyncState returns the entity's saved pagination cursor and the server time
// of the last completed pull. A zero server time means no pull has finished.
func (s *LocalStore) SyncState(ctx context.Context, entity sync.Entity) (string, time.Time, error) {
	var cur, ts string
	err := s.db.QueryRowContext(ctx, `SELECT cursor, last_server_time FROM sync_state WHERE entity = ?`,
		string(entity)).Scan(&cur, &ts)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("query sync state: %w", err)
	}

	if ts == "" {
		return cur, time.Time{}, nil
	}
	serverTime, err := parseTime(ts)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sync state for %s: %w", entity, err)
	}
	return cur, serverTime, nil
}

// SetSyncState saves the cursor and server time after a pull page. A zero
// serverTime keeps the previous anchor; an empty cursor marks the delta
// window complete.
func (s *LocalStore) SetSyncState(ctx context.Context, entity sync.Entity, cur string, serverTime time.Time) error {
	ts := ""
	if !serverTime.IsZero() {
		ts = formatTime(serverTime)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (entity, cursor, last_server_time)
		VALUES (?, ?, ?)
		ON CONFLICT (entity) DO UPDATE SET
			cursor = excluded.cursor,
			last_server_time = CASE WHEN excluded.last_server_time = '' THEN sync_state.last_server_time ELSE excluded.last_server_time END`,
		string(entity), cur, ts)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}
