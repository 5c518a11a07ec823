// Package sync implements the fieldsync synchronization engines: delta pulls
// with keyset pagination and idempotent mutation pushes with last-write-wins
// conflict resolution.
package sync

import (
	"encoding/json"
	"time"
)

// Action is the kind of mutation a client submits.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of the known kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Status is the recorded outcome of a processed mutation.
type Status string

const (
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
)

// Scope narrows the working set of a delta pull independently of the since
// filter.
type Scope string

const (
	ScopeAll    Scope = "all"
	ScopeActive Scope = "active"
	ScopeRecent Scope = "recent" // updated within the last 90 days
)

// ParseScope maps a request parameter to a scope, defaulting to all.
func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeAll, "":
		return ScopeAll, true
	case ScopeActive:
		return ScopeActive, true
	case ScopeRecent:
		return ScopeRecent, true
	}
	return ScopeAll, false
}

// ChangeRecord is an immutable snapshot of a synchronized row as returned by
// pull responses and push result snapshots.
type ChangeRecord struct {
	ID        string          `json:"id"`
	Entity    Entity          `json:"entity"`
	Payload   json.RawMessage `json:"payload"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// MutationEnvelope is a client-submitted unit of work. MutationID must be
// globally unique per logical operation; it is never reused across different
// actions on the same entity instance.
type MutationEnvelope struct {
	MutationID      string          `json:"mutationId"`
	Action          Action          `json:"action"`
	Record          json.RawMessage `json:"record"`
	ClientUpdatedAt time.Time       `json:"clientUpdatedAt"`
}

// MutationResult is the per-mutation outcome returned to the client. Replays
// of an already-processed mutation id return the stored result verbatim.
type MutationResult struct {
	MutationID string        `json:"mutationId"`
	Status     Status        `json:"status"`
	Record     *ChangeRecord `json:"record,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// PullRequest describes one page of a delta pull.
type PullRequest struct {
	Entity  Entity
	OwnerID string
	Since   *time.Time
	Cursor  string
	Limit   int
	Scope   Scope
}

// PullResponse is one page of changed records. ServerTime anchors the
// client's next delta window to the server clock, tolerating client clock
// skew.
type PullResponse struct {
	Items      []ChangeRecord `json:"items"`
	NextCursor *string        `json:"nextCursor"`
	ServerTime time.Time      `json:"serverTime"`
	HasMore    bool           `json:"hasMore"`
	Total      int            `json:"total"`
}

// PushRequest is a batch of mutations applied in array order.
type PushRequest struct {
	Mutations []MutationEnvelope `json:"mutations"`
}

// PushResponse carries per-mutation results; a failed mutation never aborts
// the rest of the batch.
type PushResponse struct {
	Results    []MutationResult `json:"results"`
	ServerTime time.Time        `json:"serverTime"`
}
