// Package server implements the fieldsync HTTP API: delta pull and mutation
// push endpoints for the synchronized entities, plus health probes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyOwnerID   contextKey = "owner_id"
)

// ownerHeader carries the device/user identity. Records are partitioned by
// owner; a request without one has no working set.
const ownerHeader = "X-Owner-ID"

// requestIDMiddleware generates a UUID per request and adds it to the context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs request method, path, status, and latency.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		reqID, _ := r.Context().Value(contextKeyRequestID).(string)
		logrus.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rw.statusCode,
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": reqID,
		}).Info("Request handled")
	})
}

// recoveryMiddleware catches panics and returns 500.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: 0}
		defer func() {
			if rec := recover(); rec != nil {
				reqID, _ := r.Context().Value(contextKeyRequestID).(string)
				logrus.WithFields(logrus.Fields{
					"panic":      rec,
					"request_id": reqID,
				}).Error("Panic recovered")
				if rw.statusCode == 0 {
					writeJSON(rw, http.StatusInternalServerError, errorBody("internal server error"))
				}
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// requireOwner rejects requests without an owner identity and stores it in
// the context for handlers.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(ownerHeader)
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody("missing "+ownerHeader+" header"))
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyOwnerID, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(contextKeyOwnerID).(string)
	return owner
}

// applyMiddleware applies middleware in reverse order so the first in the
// list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
