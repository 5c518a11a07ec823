package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fieldworks/fieldsync/internal/migrations"
)

func setupPostgreSQLContainer(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, pgConnStr)
	require.NoError(t, err)
	require.NoError(t, migrations.Apply(ctx, conn))
	require.NoError(t, conn.Close(ctx))

	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func createClientMutation(id string, seq int) MutationEnvelope {
	return MutationEnvelope{
		MutationID:      fmt.Sprintf("%s:create:%d", id, seq),
		Action:          ActionCreate,
		Record:          json.RawMessage(fmt.Sprintf(`{"id":%q,"name":"Client %s"}`, id, id)),
		ClientUpdatedAt: time.Now().UTC(),
	}
}

func TestPaginationCompleteness(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := setupPostgreSQLContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pushes := NewPushEngine(pool)
	pulls := NewPullEngine(pool)

	var mutations []MutationEnvelope
	for i := 1; i <= 5; i++ {
		mutations = append(mutations, createClientMutation(fmt.Sprintf("c%d", i), i))
	}
	resp, err := pushes.Push(ctx, EntityClient, "owner-1", mutations)
	require.NoError(t, err)
	for _, r := range resp.Results {
		require.Equal(t, StatusApplied, r.Status, "mutation %s", r.MutationID)
	}

	// Walk the delta window two records at a time. Every record must appear
	// exactly once across pages.
	seen := make(map[string]int)
	req := PullRequest{Entity: EntityClient, OwnerID: "owner-1", Limit: 2, Scope: ScopeAll}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "pagination must terminate")

		page, err := pulls.Pull(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)

		for _, item := range page.Items {
			seen[item.ID]++
		}
		if !page.HasMore {
			assert.Nil(t, page.NextCursor)
			break
		}
		require.NotNil(t, page.NextCursor)
		req.Cursor = *page.NextCursor
	}

	require.Len(t, seen, 5)
	for id, count := range seen {
		assert.Equal(t, 1, count, "record %s must appear exactly once", id)
	}
}

func TestIdempotentReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := setupPostgreSQLContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pushes := NewPushEngine(pool)
	m := createClientMutation("c1", 1)

	first, err := pushes.Push(ctx, EntityClient, "owner-1", []MutationEnvelope{m})
	require.NoError(t, err)
	require.Len(t, first.Results, 1)
	require.Equal(t, StatusApplied, first.Results[0].Status)

	// The replay returns the stored outcome without touching the record.
	second, err := pushes.Push(ctx, EntityClient, "owner-1", []MutationEnvelope{m})
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, StatusApplied, second.Results[0].Status)
	require.NotNil(t, second.Results[0].Record)
	assert.Equal(t, first.Results[0].Record.UpdatedAt, second.Results[0].Record.UpdatedAt)

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM records WHERE entity = 'client' AND id = 'c1'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestConflictRejectionReturnsServerSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := setupPostgreSQLContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pushes := NewPushEngine(pool)

	resp, err := pushes.Push(ctx, EntityClient, "owner-1", []MutationEnvelope{createClientMutation("c1", 1)})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, resp.Results[0].Status)

	// A stale update: the client read the record long before the server's
	// current version.
	stale := MutationEnvelope{
		MutationID:      "c1:update:2",
		Action:          ActionUpdate,
		Record:          json.RawMessage(`{"id":"c1","name":"Stale Name"}`),
		ClientUpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	resp, err = pushes.Push(ctx, EntityClient, "owner-1", []MutationEnvelope{stale})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	result := resp.Results[0]
	assert.Equal(t, StatusRejected, result.Status)
	assert.Equal(t, RejectionNewerVersion, result.Error)
	require.NotNil(t, result.Record, "rejection carries the server's winning version")
	assert.JSONEq(t, `{"id":"c1","name":"Client c1"}`, string(result.Record.Payload))
}

func TestDeleteWithDependentsDeactivates(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool := setupPostgreSQLContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pushes := NewPushEngine(pool)

	setup := []MutationEnvelope{
		createClientMutation("c1", 1),
		{
			MutationID:      "q1:create:2",
			Action:          ActionCreate,
			Record:          json.RawMessage(`{"id":"q1","clientId":"c1","status":"draft"}`),
			ClientUpdatedAt: time.Now().UTC(),
		},
	}
	resp, err := pushes.Push(ctx, EntityQuote, "owner-1", setup[1:])
	require.NoError(t, err)

	// The quote's parent does not exist yet: rejected.
	assert.Equal(t, StatusRejected, resp.Results[0].Status)

	resp, err = pushes.Push(ctx, EntityClient, "owner-1", setup[:1])
	require.NoError(t, err)
	require.Equal(t, StatusApplied, resp.Results[0].Status)

	resp, err = pushes.Push(ctx, EntityQuote, "owner-1", []MutationEnvelope{{
		MutationID:      "q1:create:3",
		Action:          ActionCreate,
		Record:          json.RawMessage(`{"id":"q1","clientId":"c1","status":"draft"}`),
		ClientUpdatedAt: time.Now().UTC(),
	}})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, resp.Results[0].Status)

	// Deleting the client soft-deletes because the quote references it.
	resp, err = pushes.Push(ctx, EntityClient, "owner-1", []MutationEnvelope{{
		MutationID:      "c1:delete:4",
		Action:          ActionDelete,
		Record:          json.RawMessage(`{"id":"c1"}`),
		ClientUpdatedAt: time.Now().UTC(),
	}})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, resp.Results[0].Status)
	require.NotNil(t, resp.Results[0].Record)
	assert.False(t, resp.Results[0].Record.Active)

	var active bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT active FROM records WHERE entity = 'client' AND id = 'c1'`).Scan(&active))
	assert.False(t, active, "row survives as inactive")
}
