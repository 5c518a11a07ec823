package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldworks/fieldsync/internal/db"
	"github.com/fieldworks/fieldsync/internal/store"
	"github.com/fieldworks/fieldsync/internal/sync"
)

// Config holds configurable limits for the server.
type Config struct {
	MaxRequestBody int64 // bytes, for JSON endpoints
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRequestBody: 4 * 1024 * 1024, // 4MB
	}
}

// Handler creates the HTTP handler with all routes and middleware.
func Handler(pool db.PgxPoolIface, cfg *Config) http.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	pulls := sync.NewPullEngine(pool)
	pushes := sync.NewPushEngine(pool)

	mux := http.NewServeMux()

	// Health endpoints (no owner required)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	withOwner := func(h http.HandlerFunc) http.Handler {
		return applyMiddleware(h, requireOwner)
	}

	mux.Handle("GET /api/v1/sync/{entity}/changes",
		withOwner(makeEntityHandler(func(w http.ResponseWriter, r *http.Request, entity sync.Entity) {
			handleChanges(w, r, pulls, entity)
		})))
	mux.Handle("POST /api/v1/sync/{entity}/mutations",
		withOwner(makeEntityHandler(func(w http.ResponseWriter, r *http.Request, entity sync.Entity) {
			handleMutations(w, r, pushes, cfg, entity)
		})))
	mux.Handle("GET /api/v1/sync/{entity}/records/{id}",
		withOwner(makeEntityHandler(func(w http.ResponseWriter, r *http.Request, entity sync.Entity) {
			handleGetRecord(w, r, pool, entity)
		})))

	return applyMiddleware(mux,
		recoveryMiddleware,
		loggingMiddleware,
		requestIDMiddleware,
	)
}

type entityHandlerFunc func(w http.ResponseWriter, r *http.Request, entity sync.Entity)

// makeEntityHandler resolves the path's entity segment. Unknown entities are
// 404: the route space is closed.
func makeEntityHandler(fn entityHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entity, ok := sync.ParseEntity(r.PathValue("entity"))
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody(fmt.Sprintf("unknown entity %q", r.PathValue("entity"))))
			return
		}
		fn(w, r, entity)
	}
}

func handleChanges(w http.ResponseWriter, r *http.Request, pulls *sync.PullEngine, entity sync.Entity) {
	q := r.URL.Query()

	req := sync.PullRequest{
		Entity:  entity,
		OwnerID: ownerFrom(r),
		Cursor:  q.Get("cursor"),
	}

	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("malformed since timestamp"))
			return
		}
		req.Since = &since
	}

	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("malformed limit"))
			return
		}
		req.Limit = limit
	}

	scope, ok := sync.ParseScope(q.Get("scope"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("unknown scope %q", q.Get("scope"))))
		return
	}
	req.Scope = scope

	resp, err := pulls.Pull(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleMutations(w http.ResponseWriter, r *http.Request, pushes *sync.PushEngine, cfg *Config, entity sync.Entity) {
	var req sync.PushRequest
	if err := readJSON(r, cfg.MaxRequestBody, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	resp, err := pushes.Push(r.Context(), entity, ownerFrom(r), req.Mutations)
	if err != nil {
		// Per-mutation failures live inside resp.Results; an error here means
		// the batch itself could not be processed.
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleGetRecord(w http.ResponseWriter, r *http.Request, pool db.PgxPoolIface, entity sync.Entity) {
	rec, err := store.GetRecord(r.Context(), pool, string(entity), ownerFrom(r), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("record not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, sync.ChangeRecord{
		ID:        rec.ID,
		Entity:    entity,
		Payload:   rec.Payload,
		Active:    rec.Active,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func readJSON(r *http.Request, maxBody int64, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}
