package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncType is the shape of a sync request.
type SyncType string

const (
	// SyncSingle refreshes one known record.
	SyncSingle SyncType = "single"
	// SyncList refreshes the entity's delta window.
	SyncList SyncType = "list"
	// SyncFull refreshes the entity from scratch, ignoring the saved cursor.
	SyncFull SyncType = "full"
)

// Request is one coalesced execution target handed to the executor.
type Request struct {
	Entity string
	Type   SyncType
	IDs    []string // populated for single (one id) and list (id hints)
}

// Executor performs the actual network sync for a coalesced request.
type Executor func(ctx context.Context, req Request) error

// SchedulerConfig tunes the debounce/coalescing behavior.
type SchedulerConfig struct {
	Debounce        time.Duration // quiet period before a pending batch fires
	MaxWait         time.Duration // bounded staleness: oldest pending request never waits longer
	CoalesceWindow  time.Duration // identical requests within this window join the in-flight call
	ListThreshold   int           // more distinct ids than this promotes single syncs to a list sync
	MaxConcurrent   int           // global ceiling on simultaneous entity syncs
	MaxSingleFlight int           // fast-path singles allowed in flight per entity
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Debounce:        500 * time.Millisecond,
		MaxWait:         5 * time.Second,
		CoalesceWindow:  2 * time.Second,
		ListThreshold:   5,
		MaxConcurrent:   3,
		MaxSingleFlight: 3,
	}
}

type pendingReq struct {
	typ SyncType
	id  string
}

type execution struct {
	req       Request
	futures   []chan error
	keys      map[string]struct{}
	startedAt time.Time
	fastPath  bool
	running   bool
}

type entityState struct {
	pending  []pendingReq
	futures  map[string]chan error // dedup key -> shared future for the pending batch
	order    []chan error          // all futures of the pending batch
	oldestAt time.Time
	timer    Timer
	timerGen int

	executing    bool // a coalesced (non fast path) execution is in flight
	singleFlight int  // fast-path executions in flight
}

// Scheduler debounces, coalesces and concurrency-limits sync requests.
// Requests for the same entity are serialized by the pending -> executing
// state machine; requests for different entities run concurrently up to the
// global ceiling. All state transitions happen under one mutex; timers and
// network calls are the only suspension points.
type Scheduler struct {
	cfg      SchedulerConfig
	clock    Clock
	executor Executor

	mu       sync.Mutex
	entities map[string]*entityState
	queue    []*execution // FIFO of coalesced batches awaiting a slot
	active   int
	inflight map[string]*execution // dedup key -> running execution
}

// NewScheduler creates a scheduler around an executor. The clock is injected
// so tests can drive debounce timers deterministically.
func NewScheduler(cfg SchedulerConfig, clock Clock, executor Executor) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		clock:    clock,
		executor: executor,
		entities: make(map[string]*entityState),
		inflight: make(map[string]*execution),
	}
}

func dedupKey(entity string, typ SyncType, id string) string {
	return entity + "|" + string(typ) + "|" + id
}

// Schedule requests a sync and returns a future resolved when the request
// has been executed (or cancelled). Identical requests within the coalescing
// window share one future.
func (s *Scheduler) Schedule(entity string, typ SyncType, id string) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(entity, typ, id)
	now := s.clock.Now()

	// Join an identical in-flight call instead of scheduling a new one.
	if exec, ok := s.inflight[key]; ok && now.Sub(exec.startedAt) < s.cfg.CoalesceWindow {
		future := make(chan error, 1)
		exec.futures = append(exec.futures, future)
		return future
	}

	st := s.entity(entity)

	// Join the identical pending request; it will coalesce anyway.
	if future, ok := st.futures[key]; ok {
		return future
	}

	return s.scheduleLocked(st, entity, typ, id, key, now)
}

// ScheduleNow is the fast path for a single known record: it bypasses
// debouncing when no full or list sync is pending for the entity and fewer
// than MaxSingleFlight fast-path singles are in flight. When not eligible it
// degrades to a normal debounced request.
func (s *Scheduler) ScheduleNow(entity, id string) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(entity, SyncSingle, id)
	now := s.clock.Now()

	if exec, ok := s.inflight[key]; ok && now.Sub(exec.startedAt) < s.cfg.CoalesceWindow {
		future := make(chan error, 1)
		exec.futures = append(exec.futures, future)
		return future
	}

	st := s.entity(entity)
	if future, ok := st.futures[key]; ok {
		return future
	}

	if id != "" && s.fastPathEligible(st) {
		future := make(chan error, 1)
		exec := &execution{
			req:      Request{Entity: entity, Type: SyncSingle, IDs: []string{id}},
			futures:  []chan error{future},
			keys:     map[string]struct{}{key: {}},
			fastPath: true,
		}
		st.singleFlight++
		s.enqueue(exec)
		return future
	}

	return s.scheduleLocked(st, entity, SyncSingle, id, key, now)
}

func (s *Scheduler) scheduleLocked(st *entityState, entity string, typ SyncType, id, key string, now time.Time) <-chan error {
	future := make(chan error, 1)

	st.pending = append(st.pending, pendingReq{typ: typ, id: id})
	st.futures[key] = future
	st.order = append(st.order, future)

	if len(st.pending) == 1 {
		st.oldestAt = now
		s.armTimer(entity, st)
		return future
	}

	if now.Sub(st.oldestAt) >= s.cfg.MaxWait {
		// Bounded staleness: debouncing may delay a sync but never starve it.
		s.fire(entity, st)
		return future
	}

	s.armTimer(entity, st)
	return future
}

// Sync schedules a request and blocks until it resolves or ctx is done.
func (s *Scheduler) Sync(ctx context.Context, entity string, typ SyncType, id string) error {
	select {
	case err := <-s.Schedule(entity, typ, id):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelEntity resolves all pending (not yet executing) requests for an
// entity without executing them. Waiters receive nil; nothing hangs.
func (s *Scheduler) CancelEntity(entity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.entities[entity]; ok {
		s.cancelLocked(entity, st)
	}
}

// CancelAll resolves every pending request without executing. Used on
// logout/teardown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for entity, st := range s.entities {
		s.cancelLocked(entity, st)
	}
}

func (s *Scheduler) cancelLocked(entity string, st *entityState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerGen++
	for _, future := range st.order {
		future <- nil
	}
	st.pending = nil
	st.order = nil
	st.futures = make(map[string]chan error)

	// Fired batches still waiting for a slot have not executed either.
	kept := s.queue[:0]
	for _, exec := range s.queue {
		if exec.req.Entity == entity && !exec.running {
			if exec.fastPath {
				st.singleFlight--
			}
			for _, future := range exec.futures {
				future <- nil
			}
			continue
		}
		kept = append(kept, exec)
	}
	s.queue = kept
}

func (s *Scheduler) entity(name string) *entityState {
	st, ok := s.entities[name]
	if !ok {
		st = &entityState{futures: make(map[string]chan error)}
		s.entities[name] = st
	}
	return st
}

func (s *Scheduler) fastPathEligible(st *entityState) bool {
	if st.singleFlight >= s.cfg.MaxSingleFlight {
		return false
	}
	for _, p := range st.pending {
		if p.typ == SyncFull || p.typ == SyncList {
			return false
		}
	}
	return true
}

func (s *Scheduler) armTimer(entity string, st *entityState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timerGen++
	gen := st.timerGen
	st.timer = s.clock.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if st.timerGen != gen || len(st.pending) == 0 {
			return // stale timer: batch already fired or was cancelled
		}
		s.fire(entity, st)
	})
}

// fire coalesces the pending batch into one logical request and hands it to
// the dispatcher. Caller holds the lock.
func (s *Scheduler) fire(entity string, st *entityState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerGen++

	req := coalesce(entity, st.pending, s.cfg.ListThreshold)
	exec := &execution{
		req:     req,
		futures: st.order,
		keys:    make(map[string]struct{}, len(st.futures)),
	}
	for key := range st.futures {
		exec.keys[key] = struct{}{}
	}
	// The coalesced shape is itself joinable while in flight.
	exec.keys[dedupKey(entity, req.Type, singleID(req))] = struct{}{}

	st.pending = nil
	st.order = nil
	st.futures = make(map[string]chan error)

	logrus.WithFields(logrus.Fields{
		"entity": entity,
		"type":   req.Type,
		"ids":    len(req.IDs),
	}).Debug("Coalesced sync batch ready")

	s.enqueue(exec)
}

func singleID(req Request) string {
	if req.Type == SyncSingle && len(req.IDs) == 1 {
		return req.IDs[0]
	}
	return ""
}

// coalesce merges a pending batch: any full sync wins; more than
// listThreshold distinct ids promotes to a list sync; a batch that targets
// one id collapses to a single-record sync; everything else is a list sync.
func coalesce(entity string, pending []pendingReq, listThreshold int) Request {
	distinct := make(map[string]struct{})
	allSingle := true
	for _, p := range pending {
		switch p.typ {
		case SyncFull:
			return Request{Entity: entity, Type: SyncFull}
		case SyncList:
			allSingle = false
		case SyncSingle:
			if p.id != "" {
				distinct[p.id] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(distinct))
	for id := range distinct {
		ids = append(ids, id)
	}

	if len(distinct) > listThreshold {
		return Request{Entity: entity, Type: SyncList, IDs: ids}
	}
	if allSingle && len(distinct) == 1 {
		return Request{Entity: entity, Type: SyncSingle, IDs: ids}
	}
	return Request{Entity: entity, Type: SyncList, IDs: ids}
}

// enqueue adds an execution to the FIFO queue and starts as many eligible
// executions as the ceiling allows. Caller holds the lock.
func (s *Scheduler) enqueue(exec *execution) {
	s.queue = append(s.queue, exec)
	s.dispatch()
}

// dispatch starts queued executions while slots are free. An entity with a
// coalesced execution in flight is skipped so same-entity batches stay
// serialized; fast-path singles are exempt from that serialization. Caller
// holds the lock.
func (s *Scheduler) dispatch() {
	for i := 0; i < len(s.queue) && s.active < s.cfg.MaxConcurrent; {
		exec := s.queue[i]
		st := s.entity(exec.req.Entity)
		if !exec.fastPath && st.executing {
			i++
			continue
		}

		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		if !exec.fastPath {
			// fast-path executions claimed singleFlight at schedule time
			st.executing = true
		}
		s.active++
		exec.running = true
		exec.startedAt = s.clock.Now()
		for key := range exec.keys {
			s.inflight[key] = exec
		}

		go s.run(exec)
	}
}

func (s *Scheduler) run(exec *execution) {
	err := s.executor(context.Background(), exec.req)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"entity": exec.req.Entity,
			"type":   exec.req.Type,
		}).Warn("Sync execution failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entity(exec.req.Entity)
	if exec.fastPath {
		st.singleFlight--
	} else {
		st.executing = false
	}
	s.active--
	for key := range exec.keys {
		if s.inflight[key] == exec {
			delete(s.inflight, key)
		}
	}
	for _, future := range exec.futures {
		future <- err
	}

	s.dispatch()
}
