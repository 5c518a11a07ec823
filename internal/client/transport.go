package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fieldworks/fieldsync/internal/retry"
	"github.com/fieldworks/fieldsync/internal/sync"
)

// Transport is the contract for talking to the sync service.
type Transport interface {
	Pull(ctx context.Context, req sync.PullRequest) (*sync.PullResponse, error)
	Push(ctx context.Context, entity sync.Entity, mutations []sync.MutationEnvelope) (*sync.PushResponse, error)
	GetRecord(ctx context.Context, entity sync.Entity, id string) (*sync.ChangeRecord, error)
}

// APIError is a structured error response from the sync service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sync api error (%d): %s", e.Status, e.Message)
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPTransport implements Transport over HTTP. Requests carry the owner id
// in the X-Owner-ID header; transient failures (network errors, 5xx, 429)
// are retried with backoff. Retrying a push is safe because the server's
// idempotency ledger replays already-processed mutation ids verbatim.
type HTTPTransport struct {
	baseURL    string
	ownerID    string
	httpClient *http.Client
	retryCfg   *retry.Config
}

// NewHTTPTransport creates an HTTP transport for the sync service at baseURL
// acting on behalf of ownerID.
func NewHTTPTransport(baseURL, ownerID string) *HTTPTransport {
	return &HTTPTransport{
		baseURL:    baseURL,
		ownerID:    ownerID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryCfg:   retry.HTTPDefaults(),
	}
}

func (t *HTTPTransport) entityURL(entity sync.Entity, path string) string {
	return fmt.Sprintf("%s/api/v1/sync/%s%s", t.baseURL, entity, path)
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, rawURL string, reqBody, respBody interface{}) error {
	var data []byte
	if reqBody != nil {
		var err error
		data, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	return retry.Do(ctx, t.retryCfg, func(ctx context.Context) error {
		var body io.Reader
		if data != nil {
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Owner-ID", t.ownerID)

		resp, err := t.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("execute request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			apiErr := decodeAPIError(resp)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}

		if respBody != nil {
			if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}

// Pull fetches one page of changed records.
func (t *HTTPTransport) Pull(ctx context.Context, req sync.PullRequest) (*sync.PullResponse, error) {
	q := url.Values{}
	if req.Since != nil {
		q.Set("since", req.Since.UTC().Format(time.RFC3339Nano))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Scope != "" && req.Scope != sync.ScopeAll {
		q.Set("scope", string(req.Scope))
	}

	target := t.entityURL(req.Entity, "/changes")
	if enc := q.Encode(); enc != "" {
		target += "?" + enc
	}

	var resp sync.PullResponse
	if err := t.doJSON(ctx, http.MethodGet, target, nil, &resp); err != nil {
		return nil, fmt.Errorf("pull %s changes: %w", req.Entity, err)
	}
	return &resp, nil
}

// Push submits a batch of mutations and returns the per-mutation results.
func (t *HTTPTransport) Push(ctx context.Context, entity sync.Entity, mutations []sync.MutationEnvelope) (*sync.PushResponse, error) {
	req := &sync.PushRequest{Mutations: mutations}
	var resp sync.PushResponse
	if err := t.doJSON(ctx, http.MethodPost, t.entityURL(entity, "/mutations"), req, &resp); err != nil {
		return nil, fmt.Errorf("push %s mutations: %w", entity, err)
	}
	return &resp, nil
}

// GetRecord fetches a single record snapshot. A missing record surfaces as
// an *APIError with status 404.
func (t *HTTPTransport) GetRecord(ctx context.Context, entity sync.Entity, id string) (*sync.ChangeRecord, error) {
	var rec sync.ChangeRecord
	target := t.entityURL(entity, "/records/"+url.PathEscape(id))
	if err := t.doJSON(ctx, http.MethodGet, target, nil, &rec); err != nil {
		return nil, fmt.Errorf("get %s %s: %w", entity, id, err)
	}
	return &rec, nil
}

func decodeAPIError(resp *http.Response) error {
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
		return &APIError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
		}
	}
	return &APIError{Status: resp.StatusCode, Message: errResp.Error}
}
