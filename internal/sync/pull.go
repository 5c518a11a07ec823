package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/fieldsync/internal/cursor"
	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/store"
)

const (
	// DefaultPullLimit is used when the client does not request a page size.
	DefaultPullLimit = 100
	// MaxPullLimit bounds memory and response size regardless of the client
	// request.
	MaxPullLimit = 500
)

// PullEngine answers "give me everything changed since X" with keyset
// pagination that stays stable under concurrent writes.
type PullEngine struct {
	pool db.PgxIface
}

// NewPullEngine creates a delta pull engine on top of a pgx pool.
func NewPullEngine(pool db.PgxIface) *PullEngine {
	return &PullEngine{pool: pool}
}

// Pull returns one page of records changed within the request's delta window.
//
// The page query fetches limit+1 rows ordered by (updated_at ASC, id ASC) and
// strictly after the supplied cursor; the extra row determines HasMore
// without a separate count. Total honors only the since filter so it stays
// stable across the pages of one session. A malformed cursor is not an
// error: it decodes to "no cursor" and the page restarts from the beginning.
func (e *PullEngine) Pull(ctx context.Context, req PullRequest) (*PullResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	if limit > MaxPullLimit {
		limit = MaxPullLimit
	}

	q := store.ChangeQuery{
		Entity:  string(req.Entity),
		OwnerID: req.OwnerID,
		Since:   req.Since,
		Scope:   string(req.Scope),
		Limit:   limit + 1,
	}
	if c, ok := cursor.Decode(req.Cursor); ok {
		q.Cursor = &c
	}

	rows, err := store.QueryChanges(ctx, e.pool, q)
	if err != nil {
		return nil, fmt.Errorf("pull query failed: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	resp := &PullResponse{
		Items:   make([]ChangeRecord, 0, len(rows)),
		HasMore: hasMore,
	}
	for _, r := range rows {
		resp.Items = append(resp.Items, ChangeRecord{
			ID:        r.ID,
			Entity:    req.Entity,
			Payload:   r.Payload,
			Active:    r.Active,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	if hasMore {
		last := resp.Items[len(resp.Items)-1]
		token := cursor.Encode(last.UpdatedAt, last.ID)
		resp.NextCursor = &token
	}

	resp.Total, err = store.CountChanges(ctx, e.pool, q)
	if err != nil {
		return nil, fmt.Errorf("pull count failed: %w", err)
	}

	resp.ServerTime, err = store.ServerTime(ctx, e.pool)
	if err != nil {
		return nil, fmt.Errorf("pull server time failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"entity":   req.Entity,
		"owner_id": req.OwnerID,
		"items":    len(resp.Items),
		"has_more": resp.HasMore,
		"total":    resp.Total,
	}).Debug("Delta pull served")

	return resp, nil
}
