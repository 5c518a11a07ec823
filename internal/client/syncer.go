package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldworks/fieldsync/internal/sync"
)

// Syncer ties the local store, the transport and the scheduler together: it
// is the scheduler's executor. Every sync cycle pushes the entity's outbox
// first and then pulls, so the server's answer to our own mutations is part
// of the same cycle's pulled state.
type Syncer struct {
	store     *LocalStore
	transport Transport
	scheduler *Scheduler
	pullLimit int
}

// NewSyncer wires a syncer around a local store and a transport.
func NewSyncer(store *LocalStore, transport Transport) *Syncer {
	s := &Syncer{
		store:     store,
		transport: transport,
		pullLimit: sync.DefaultPullLimit,
	}
	s.scheduler = NewScheduler(DefaultSchedulerConfig(), NewRealClock(), s.Execute)
	return s
}

// Mutate records a local change and schedules its synchronization. The write
// is visible in the replica immediately; the returned mutation id tracks the
// server acknowledgement.
func (s *Syncer) Mutate(ctx context.Context, entity sync.Entity, entityID string, action sync.Action, payload json.RawMessage) (string, error) {
	mutationID, err := s.store.Enqueue(ctx, entity, entityID, action, payload, time.Now())
	if err != nil {
		return "", err
	}
	s.scheduler.ScheduleNow(string(entity), entityID)
	return mutationID, nil
}

// Refresh schedules a sync of the given shape and returns a future resolved
// when the cycle completes.
func (s *Syncer) Refresh(entity sync.Entity, typ SyncType, id string) <-chan error {
	return s.scheduler.Schedule(string(entity), typ, id)
}

// RefreshWait schedules a sync and blocks until it completes or ctx is done.
func (s *Syncer) RefreshWait(ctx context.Context, entity sync.Entity, typ SyncType, id string) error {
	return s.scheduler.Sync(ctx, string(entity), typ, id)
}

// Close cancels all pending work and releases the local store.
func (s *Syncer) Close() error {
	s.scheduler.CancelAll()
	return s.store.Close()
}

// Execute runs one coalesced sync cycle. It is invoked by the scheduler.
func (s *Syncer) Execute(ctx context.Context, req Request) error {
	entity, ok := sync.ParseEntity(req.Entity)
	if !ok {
		return fmt.Errorf("unknown entity %q", req.Entity)
	}

	if err := s.pushOutbox(ctx, entity); err != nil {
		return err
	}

	switch req.Type {
	case SyncSingle:
		return s.pullSingle(ctx, entity, req.IDs)
	case SyncFull:
		return s.pullWindow(ctx, entity, true)
	default:
		return s.pullWindow(ctx, entity, false)
	}
}

func (s *Syncer) pushOutbox(ctx context.Context, entity sync.Entity) error {
	pending, err := s.store.PendingMutations(ctx, entity)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	resp, err := s.transport.Push(ctx, entity, pending)
	if err != nil {
		return err
	}
	if err := s.store.ResolveResults(ctx, entity, resp.Results); err != nil {
		return err
	}

	var rejected int
	for _, r := range resp.Results {
		if r.Status == sync.StatusRejected {
			rejected++
		}
	}
	if rejected > 0 {
		logrus.WithFields(logrus.Fields{
			"entity":   entity,
			"pushed":   len(pending),
			"rejected": rejected,
		}).Warn("Server rejected mutations")
	}
	return nil
}

func (s *Syncer) pullSingle(ctx context.Context, entity sync.Entity, ids []string) error {
	for _, id := range ids {
		rec, err := s.transport.GetRecord(ctx, entity, id)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				// Hard-deleted on the server; the replica follows.
				if err := s.store.RemoveReplica(ctx, entity, id); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if err := s.store.ApplyChanges(ctx, entity, []sync.ChangeRecord{*rec}); err != nil {
			return err
		}
	}
	return nil
}

// pullWindow drains one delta window page by page. The cursor is persisted
// after every page so an interrupted window resumes instead of restarting;
// the server time of the final page becomes the next window's since anchor.
func (s *Syncer) pullWindow(ctx context.Context, entity sync.Entity, full bool) error {
	cur, anchor, err := s.store.SyncState(ctx, entity)
	if err != nil {
		return err
	}

	req := sync.PullRequest{Entity: entity, Limit: s.pullLimit}
	if full {
		cur = ""
	} else {
		req.Cursor = cur
		if !anchor.IsZero() {
			req.Since = &anchor
		}
	}

	var pulled int
	for {
		resp, err := s.transport.Pull(ctx, req)
		if err != nil {
			return err
		}

		if err := s.store.ApplyChanges(ctx, entity, resp.Items); err != nil {
			return err
		}
		pulled += len(resp.Items)

		if !resp.HasMore || resp.NextCursor == nil {
			if err := s.store.SetSyncState(ctx, entity, "", resp.ServerTime); err != nil {
				return err
			}
			break
		}

		req.Cursor = *resp.NextCursor
		if err := s.store.SetSyncState(ctx, entity, req.Cursor, time.Time{}); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"entity": entity,
		"full":   full,
		"pulled": pulled,
	}).Debug("Pull window complete")
	return nil
}
