// Package client implements the device-side half of fieldsync: a durable
// local replica with an outbox of pending mutations, deterministic mutation
// id generation, a debouncing request scheduler and the HTTP transport that
// talks to the sync service.
package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fieldworks/fieldsync/internal/sync"
)

// MutationID builds the deterministic mutation id for one logical operation:
// entityID:action:sequence. The action is part of the id on purpose: a
// create and a later delete on the same entity must never collide, or the
// server's idempotency ledger would replay the first operation's cached
// outcome for the second one.
func MutationID(entityID string, action sync.Action, seq int64) string {
	return fmt.Sprintf("%s:%s:%d", entityID, action, seq)
}

// ParseMutationID reverses MutationID so server results can be matched back
// to their originating local mutations. Parsing works from the right because
// entity ids chosen by callers may themselves contain separators.
func ParseMutationID(id string) (entityID string, action sync.Action, seq int64, err error) {
	seqSep := strings.LastIndex(id, ":")
	if seqSep < 0 {
		return "", "", 0, fmt.Errorf("malformed mutation id %q", id)
	}
	seq, err = strconv.ParseInt(id[seqSep+1:], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed mutation id %q: %w", id, err)
	}

	rest := id[:seqSep]
	actionSep := strings.LastIndex(rest, ":")
	if actionSep < 0 {
		return "", "", 0, fmt.Errorf("malformed mutation id %q", id)
	}
	action = sync.Action(rest[actionSep+1:])
	if !action.Valid() {
		return "", "", 0, fmt.Errorf("malformed mutation id %q: unknown action", id)
	}
	entityID = rest[:actionSep]
	if entityID == "" {
		return "", "", 0, fmt.Errorf("malformed mutation id %q: empty entity id", id)
	}

	return entityID, action, seq, nil
}

// MatchResults indexes push results by mutation id for outbox reconciliation.
func MatchResults(results []sync.MutationResult) map[string]sync.MutationResult {
	matched := make(map[string]sync.MutationResult, len(results))
	for _, r := range results {
		matched[r.MutationID] = r
	}
	return matched
}
