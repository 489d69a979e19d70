/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/tracevault/tracevault/internal/event"
	"github.com/tracevault/tracevault/internal/limiter"
	"github.com/tracevault/tracevault/internal/logging"
	"github.com/tracevault/tracevault/internal/logstore"
)

type fakeAdmission struct {
	result     limiter.Result
	err        error
	statusErr  error
	checkCalls int
}

func (f *fakeAdmission) Check(_ context.Context, _, _ string) (limiter.Result, error) {
	f.checkCalls++
	return f.result, f.err
}

func (f *fakeAdmission) Status(_ context.Context) (limiter.Status, error) {
	if f.statusErr != nil {
		return limiter.Status{}, f.statusErr
	}
	return limiter.Status{Config: limiter.NewDefaultConfig()}, nil
}

type fakeStore struct {
	entries      []event.StoredLogEntry
	storeErr     error
	fetchErr     error
	cleared      int
	clearAllErr  error
	traceCleared bool
	summaries    []logstore.TraceSummary
	listErr      error
	healthy      bool
}

func (f *fakeStore) Store(_ context.Context, entry event.StoredLogEntry) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeStore) FetchByTrace(_ context.Context, traceID string) ([]event.StoredLogEntry, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []event.StoredLogEntry
	for _, e := range f.entries {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) ClearAll(_ context.Context) (int, error) {
	if f.clearAllErr != nil {
		return 0, f.clearAllErr
	}
	return f.cleared, nil
}

func (f *fakeStore) ClearByTrace(_ context.Context, _ string) (bool, error) {
	return f.traceCleared, nil
}

func (f *fakeStore) ListRecentTraces(_ context.Context, limit int) ([]logstore.TraceSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit > len(f.summaries) {
		limit = len(f.summaries)
	}
	return f.summaries[:limit], nil
}

func (f *fakeStore) HealthCheck(_ context.Context) bool {
	return f.healthy
}

func newTestHandler(store *fakeStore, admission *fakeAdmission) *Handler {
	return NewHandlerWithOpts(
		logging.NewDisabledLogger(), store, admission, limiter.NewDefaultConfig(),
		HandlerOpts{Now: func() time.Time { return time.Unix(1700000000, 0) }},
	)
}

func serveIngest(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/log", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	return serve(t, h, req)
}

func serve(t *testing.T, h *Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	h.Routes(router)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

func TestIngestStoresProcessedEntry(t *testing.T) {
	store := &fakeStore{healthy: true}
	admission := &fakeAdmission{result: limiter.Result{Allowed: true, RemainingQuota: 41}}
	h := newTestHandler(store, admission)

	resp := serveIngest(t, h, `{
		"trace_id": "trace-1",
		"message": "auth failed, password=s3cret retrying",
		"level": "error",
		"system": "browser",
		"context": {"token": "abc123", "attempt": 2}
	}`)

	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])
	require.Equal(t, "trace-1", body["trace_id"])
	require.Equal(t, float64(41), body["remaining_quota"])

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	require.Equal(t, "trace-1", entry.TraceID)
	require.NotEmpty(t, entry.ID)
	require.NotZero(t, entry.Timestamp)
	require.Contains(t, entry.Message, "[REDACTED]")
	require.NotContains(t, entry.Message, "s3cret")
	require.Equal(t, "[REDACTED]", entry.Context["token"])
	require.Equal(t, float64(2), entry.Context["attempt"])
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing trace_id", `{"message": "m", "level": "info"}`, "trace_id is required"},
		{"missing message", `{"trace_id": "t", "level": "info"}`, "message is required"},
		{"invalid level", `{"trace_id": "t", "message": "m", "level": "verbose"}`, "Invalid level: verbose"},
		{"invalid system", `{"trace_id": "t", "message": "m", "level": "info", "system": "mainframe"}`, "Invalid system: mainframe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			admission := &fakeAdmission{result: limiter.Result{Allowed: true}}
			h := newTestHandler(store, admission)

			resp := serveIngest(t, h, tt.body)

			require.Equal(t, http.StatusBadRequest, resp.Code)
			body := decodeBody(t, resp)
			require.Equal(t, false, body["success"])
			require.Equal(t, tt.wantErr, body["error"])
			require.Equal(t, 0, admission.checkCalls, "rejected event must not consume quota")
			require.Empty(t, store.entries)
		})
	}
}

func TestIngestSuppressesNoise(t *testing.T) {
	store := &fakeStore{}
	admission := &fakeAdmission{result: limiter.Result{Allowed: true}}
	h := newTestHandler(store, admission)

	resp := serveIngest(t, h, `{"trace_id": "t", "message": "[HMR] waiting for update signal", "level": "info"}`)

	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])
	require.Equal(t, "Log suppressed (noise filtering)", body["message"])
	require.Equal(t, 0, admission.checkCalls, "suppressed event must not consume quota")
	require.Empty(t, store.entries)
}

func TestIngestRateLimited(t *testing.T) {
	store := &fakeStore{}
	admission := &fakeAdmission{result: limiter.Result{
		Allowed: false, Reason: "browser system rate limit exceeded", RemainingQuota: 0,
	}}
	h := newTestHandler(store, admission)

	resp := serveIngest(t, h, `{"trace_id": "t", "message": "m", "level": "info", "system": "browser"}`)

	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, false, body["success"])
	require.Equal(t, "t", body["trace_id"])
	require.Equal(t, "browser system rate limit exceeded", body["error"])
	require.Equal(t, float64(0), body["remaining_quota"])
	require.Empty(t, store.entries)
}

func TestIngestStoreFailure(t *testing.T) {
	store := &fakeStore{storeErr: fmt.Errorf("backend down")}
	admission := &fakeAdmission{result: limiter.Result{Allowed: true, RemainingQuota: 10}}
	h := newTestHandler(store, admission)

	resp := serveIngest(t, h, `{"trace_id": "t", "message": "m", "level": "info"}`)

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, false, body["success"])
	require.Equal(t, "Internal server error", body["error"])
}

func TestIngestClassifiesWhenSystemOmitted(t *testing.T) {
	store := &fakeStore{}
	admission := &fakeAdmission{result: limiter.Result{Allowed: true}}
	h := newTestHandler(store, admission)

	req := httptest.NewRequest(http.MethodPost, "/log",
		bytes.NewReader([]byte(`{"trace_id": "t", "message": "m", "level": "info"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://localhost:3000")
	resp := serve(t, h, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, store.entries, 1)
	require.Equal(t, event.SystemBrowser, store.entries[0].System)
}

func TestIngestMalformedBody(t *testing.T) {
	store := &fakeStore{}
	admission := &fakeAdmission{result: limiter.Result{Allowed: true}}
	h := newTestHandler(store, admission)

	resp := serveIngest(t, h, `{"trace_id": `)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, false, body["success"])
	require.Equal(t, "Invalid JSON body.", body["error"])
}

func TestGetLogsSortsChronologically(t *testing.T) {
	store := &fakeStore{entries: []event.StoredLogEntry{
		{LogEvent: event.LogEvent{TraceID: "t", Message: "second", Level: event.LevelInfo}, ID: "a", Timestamp: 2000},
		{LogEvent: event.LogEvent{TraceID: "t", Message: "first", Level: event.LevelInfo}, ID: "b", Timestamp: 1000},
		{LogEvent: event.LogEvent{TraceID: "t", Message: "between", Level: event.LevelInfo}, ID: "c", Timestamp: 1500},
	}}
	h := newTestHandler(store, &fakeAdmission{})

	resp := serve(t, h, httptest.NewRequest(http.MethodGet, "/logs?trace_id=t", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		TraceID     string                 `json:"trace_id"`
		Logs        []event.StoredLogEntry `json:"logs"`
		Count       int                    `json:"count"`
		RetrievedAt string                 `json:"retrieved_at"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "t", body.TraceID)
	require.Equal(t, 3, body.Count)
	require.Equal(t, []int64{1000, 1500, 2000},
		[]int64{body.Logs[0].Timestamp, body.Logs[1].Timestamp, body.Logs[2].Timestamp})
	retrievedAt, err := time.Parse(time.RFC3339, body.RetrievedAt)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), retrievedAt.Unix())
}

func TestGetLogsRequiresTraceID(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &fakeAdmission{})

	resp := serve(t, h, httptest.NewRequest(http.MethodGet, "/logs", nil))

	require.Equal(t, http.StatusBadRequest, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, "trace_id query parameter is required", body["error"])
}

func TestClearLogs(t *testing.T) {
	store := &fakeStore{cleared: 3}
	h := newTestHandler(store, &fakeAdmission{})

	resp := serve(t, h, httptest.NewRequest(http.MethodDelete, "/logs/clear", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(3), body["deleted"])
	require.Equal(t, "Cleared 3 trace(s)", body["message"])
	_, err := time.Parse(time.RFC3339, body["cleared_at"].(string))
	require.NoError(t, err)
}

func TestClearTrace(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		h := newTestHandler(&fakeStore{traceCleared: true}, &fakeAdmission{})
		resp := serve(t, h, httptest.NewRequest(http.MethodDelete, "/logs?trace_id=t", nil))
		require.Equal(t, http.StatusOK, resp.Code)
		body := decodeBody(t, resp)
		require.Equal(t, float64(1), body["deleted"])
		require.Equal(t, "Trace cleared", body["message"])
	})
	t.Run("not found", func(t *testing.T) {
		h := newTestHandler(&fakeStore{}, &fakeAdmission{})
		resp := serve(t, h, httptest.NewRequest(http.MethodDelete, "/logs?trace_id=t", nil))
		require.Equal(t, http.StatusOK, resp.Code)
		body := decodeBody(t, resp)
		require.Equal(t, float64(0), body["deleted"])
		require.Equal(t, "Trace not found", body["message"])
	})
}

func TestRecentTracesLimit(t *testing.T) {
	summaries := make([]logstore.TraceSummary, 60)
	for i := range summaries {
		summaries[i] = logstore.TraceSummary{ID: fmt.Sprintf("t%02d", i), LogCount: 1}
	}
	store := &fakeStore{summaries: summaries}
	h := newTestHandler(store, &fakeAdmission{})

	tests := []struct {
		name      string
		url       string
		wantCode  int
		wantCount int
	}{
		{"default", "/traces/recent", http.StatusOK, 10},
		{"explicit", "/traces/recent?limit=5", http.StatusOK, 5},
		{"capped", "/traces/recent?limit=100", http.StatusOK, 50},
		{"invalid", "/traces/recent?limit=abc", http.StatusBadRequest, 0},
		{"non-positive", "/traces/recent?limit=0", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(t, h, httptest.NewRequest(http.MethodGet, tt.url, nil))
			require.Equal(t, tt.wantCode, resp.Code)
			if tt.wantCode == http.StatusOK {
				body := decodeBody(t, resp)
				require.Equal(t, float64(tt.wantCount), body["count"])
			}
		})
	}
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := newTestHandler(&fakeStore{healthy: true}, &fakeAdmission{})
		resp := serve(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, resp.Code)
		body := decodeBody(t, resp)
		require.Equal(t, "ok", body["status"])
		components := body["components"].(map[string]interface{})
		require.Equal(t, true, components["store"])
		require.Equal(t, true, components["rate_limiter"])
		require.Equal(t, true, components["pipeline"])
		quotas := body["quotas"].(map[string]interface{})
		require.Equal(t, float64(limiter.DefaultGlobalLimit), quotas["global_limit"])
		require.Equal(t, float64(time.Hour.Milliseconds()), quotas["window_ms"])
	})
	t.Run("store down", func(t *testing.T) {
		h := newTestHandler(&fakeStore{healthy: false}, &fakeAdmission{})
		resp := serve(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, resp.Code)
		body := decodeBody(t, resp)
		require.Equal(t, "degraded", body["status"])
		components := body["components"].(map[string]interface{})
		require.Equal(t, false, components["store"])
	})
	t.Run("limiter down", func(t *testing.T) {
		h := newTestHandler(&fakeStore{healthy: true}, &fakeAdmission{statusErr: fmt.Errorf("stopped")})
		resp := serve(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, resp.Code)
		body := decodeBody(t, resp)
		components := body["components"].(map[string]interface{})
		require.Equal(t, false, components["rate_limiter"])
	})
}
