package client

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/fieldsync/internal/sync"
)

// fakeTransport scripts server behavior for syncer tests.
type fakeTransport struct {
	calls []string

	pullPages []sync.PullResponse
	pullReqs  []sync.PullRequest

	pushResp *sync.PushResponse
	pushed   [][]sync.MutationEnvelope

	records map[string]*sync.ChangeRecord
}

func (f *fakeTransport) Pull(_ context.Context, req sync.PullRequest) (*sync.PullResponse, error) {
	f.calls = append(f.calls, "pull")
	f.pullReqs = append(f.pullReqs, req)
	if len(f.pullPages) == 0 {
		return &sync.PullResponse{ServerTime: time.Now().UTC()}, nil
	}
	page := f.pullPages[0]
	f.pullPages = f.pullPages[1:]
	return &page, nil
}

func (f *fakeTransport) Push(_ context.Context, _ sync.Entity, mutations []sync.MutationEnvelope) (*sync.PushResponse, error) {
	f.calls = append(f.calls, "push")
	f.pushed = append(f.pushed, mutations)
	if f.pushResp != nil {
		return f.pushResp, nil
	}
	results := make([]sync.MutationResult, len(mutations))
	for i, m := range mutations {
		results[i] = sync.MutationResult{MutationID: m.MutationID, Status: sync.StatusApplied}
	}
	return &sync.PushResponse{Results: results, ServerTime: time.Now().UTC()}, nil
}

func (f *fakeTransport) GetRecord(_ context.Context, _ sync.Entity, id string) (*sync.ChangeRecord, error) {
	f.calls = append(f.calls, "get")
	rec, ok := f.records[id]
	if !ok {
		return nil, &APIError{Status: http.StatusNotFound, Message: "record not found"}
	}
	return rec, nil
}

func testSyncer(t *testing.T, transport Transport) (*Syncer, *LocalStore) {
	t.Helper()
	store, err := OpenLocalStore(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSyncer(store, transport), store
}

func TestExecutePushesBeforePulling(t *testing.T) {
	transport := &fakeTransport{}
	s, store := testSyncer(t, transport)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, sync.EntityClient, "c1", sync.ActionCreate, json.RawMessage(`{"id":"c1"}`), time.Now())
	require.NoError(t, err)

	require.NoError(t, s.Execute(ctx, Request{Entity: "client", Type: SyncList}))

	require.Equal(t, []string{"push", "pull"}, transport.calls)
	require.Len(t, transport.pushed, 1)
	require.Len(t, transport.pushed[0], 1)

	pending, err := store.PendingMutations(ctx, sync.EntityClient)
	require.NoError(t, err)
	assert.Empty(t, pending, "acknowledged mutations leave the outbox")
}

func TestExecuteSkipsPushWithEmptyOutbox(t *testing.T) {
	transport := &fakeTransport{}
	s, _ := testSyncer(t, transport)

	require.NoError(t, s.Execute(context.Background(), Request{Entity: "client", Type: SyncList}))
	assert.Equal(t, []string{"pull"}, transport.calls)
}

func TestPullWindowPaginatesAndAnchors(t *testing.T) {
	serverTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	next := "page-2"
	transport := &fakeTransport{
		pullPages: []sync.PullResponse{
			{
				Items: []sync.ChangeRecord{
					{ID: "c1", Entity: sync.EntityClient, Payload: json.RawMessage(`{"id":"c1"}`), Active: true},
					{ID: "c2", Entity: sync.EntityClient, Payload: json.RawMessage(`{"id":"c2"}`), Active: true},
				},
				NextCursor: &next,
				HasMore:    true,
				ServerTime: serverTime,
			},
			{
				Items: []sync.ChangeRecord{
					{ID: "c3", Entity: sync.EntityClient, Payload: json.RawMessage(`{"id":"c3"}`), Active: true},
				},
				ServerTime: serverTime,
			},
		},
	}
	s, store := testSyncer(t, transport)
	ctx := context.Background()

	require.NoError(t, s.Execute(ctx, Request{Entity: "client", Type: SyncList}))

	require.Len(t, transport.pullReqs, 2)
	assert.Empty(t, transport.pullReqs[0].Cursor)
	assert.Equal(t, "page-2", transport.pullReqs[1].Cursor)

	for _, id := range []string{"c1", "c2", "c3"} {
		rec, err := store.GetReplica(ctx, sync.EntityClient, id)
		require.NoError(t, err)
		assert.NotNil(t, rec, "replica has %s", id)
	}

	cur, anchor, err := store.SyncState(ctx, sync.EntityClient)
	require.NoError(t, err)
	assert.Empty(t, cur, "completed window clears the cursor")
	assert.Equal(t, serverTime, anchor)
}

func TestPullWindowUsesSavedAnchorAsSince(t *testing.T) {
	anchor := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{}
	s, store := testSyncer(t, transport)
	ctx := context.Background()

	require.NoError(t, store.SetSyncState(ctx, sync.EntityClient, "", anchor))
	require.NoError(t, s.Execute(ctx, Request{Entity: "client", Type: SyncList}))

	require.Len(t, transport.pullReqs, 1)
	require.NotNil(t, transport.pullReqs[0].Since)
	assert.Equal(t, anchor, *transport.pullReqs[0].Since)
}

func TestFullSyncIgnoresSavedState(t *testing.T) {
	anchor := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	transport := &fakeTransport{}
	s, store := testSyncer(t, transport)
	ctx := context.Background()

	require.NoError(t, store.SetSyncState(ctx, sync.EntityClient, "stale-cursor", anchor))
	require.NoError(t, s.Execute(ctx, Request{Entity: "client", Type: SyncFull}))

	require.Len(t, transport.pullReqs, 1)
	assert.Nil(t, transport.pullReqs[0].Since)
	assert.Empty(t, transport.pullReqs[0].Cursor)
}

func TestPullSingleAppliesSnapshot(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	transport := &fakeTransport{
		records: map[string]*sync.ChangeRecord{
			"c1": {ID: "c1", Entity: sync.EntityClient, Payload: json.RawMessage(`{"id":"c1","name":"Acme"}`), Active: true, CreatedAt: now, UpdatedAt: now},
		},
	}
	s, store := testSyncer(t, transport)
	ctx := context.Background()

	require.NoError(t, s.Execute(ctx, Request{Entity: "client", Type: SyncSingle, IDs: []string{"c1"}}))

	rec, err := store.GetReplica(ctx, sync.EntityClient, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"id":"c1","name":"Acme"}`, string(rec.Payload))
}

func TestPullSingleRemovesHardDeleted(t *testing.T) {
	transport := &fakeTransport{records: map[string]*sync.ChangeRecord{}}
	s, store := testSyncer(t, transport)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.ApplyChanges(ctx, sync.EntityClient, []sync.ChangeRecord{
		{ID: "gone", Entity: sync.EntityClient, Payload: json.RawMessage(`{"id":"gone"}`), Active: true, CreatedAt: now, UpdatedAt: now},
	}))

	require.NoError(t, s.Execute(ctx, Request{Entity: "client", Type: SyncSingle, IDs: []string{"gone"}}))

	rec, err := store.GetReplica(ctx, sync.EntityClient, "gone")
	require.NoError(t, err)
	assert.Nil(t, rec, "404 from the server removes the local copy")
}

func TestExecuteUnknownEntity(t *testing.T) {
	transport := &fakeTransport{}
	s, _ := testSyncer(t, transport)

	err := s.Execute(context.Background(), Request{Entity: "gadget", Type: SyncList})
	require.Error(t, err)
	assert.Empty(t, transport.calls)
}
