/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package api implements the HTTP ingestion surface: the /log endpoint that
// sequences validation, suppression, classification, redaction, admission
// control and storage, plus retrieval, administrative and health endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracevault/tracevault/internal/event"
	"github.com/tracevault/tracevault/internal/limiter"
	"github.com/tracevault/tracevault/internal/logging"
	"github.com/tracevault/tracevault/internal/logstore"
	"github.com/tracevault/tracevault/internal/pipeline"
	"github.com/tracevault/tracevault/internal/restapi"
)

// Recent-trace listing bounds.
const (
	defaultRecentLimit = 10
	maxRecentLimit     = 50
)

const suppressedMessage = "Log suppressed (noise filtering)"

// AdmissionController answers admission-control queries.
type AdmissionController interface {
	Check(ctx context.Context, system, traceID string) (limiter.Result, error)
	Status(ctx context.Context) (limiter.Status, error)
}

// LogStore persists and retrieves processed log entries.
type LogStore interface {
	Store(ctx context.Context, entry event.StoredLogEntry) error
	FetchByTrace(ctx context.Context, traceID string) ([]event.StoredLogEntry, error)
	ClearAll(ctx context.Context) (int, error)
	ClearByTrace(ctx context.Context, traceID string) (bool, error)
	ListRecentTraces(ctx context.Context, limit int) ([]logstore.TraceSummary, error)
	HealthCheck(ctx context.Context) bool
}

// Handler serves the ingestion API.
type Handler struct {
	logger     logging.FieldLogger
	store      LogStore
	admission  AdmissionController
	limiterCfg limiter.Config

	validator  *pipeline.Validator
	suppressor *pipeline.Suppressor
	redactor   *pipeline.Redactor
	classifier *pipeline.Classifier
	sequencer  *event.Sequencer

	now func() time.Time
}

// HandlerOpts represents options for NewHandler.
type HandlerOpts struct {
	// Now is an injectable clock, used in tests. Defaults to time.Now.
	Now func() time.Time
	// Sequencer assigns entry ids and timestamps. Defaults to a new one.
	Sequencer *event.Sequencer
}

// NewHandler creates a new Handler.
func NewHandler(
	logger logging.FieldLogger, store LogStore, admission AdmissionController, limiterCfg limiter.Config,
) *Handler {
	return NewHandlerWithOpts(logger, store, admission, limiterCfg, HandlerOpts{})
}

// NewHandlerWithOpts is a more configurable version of NewHandler.
func NewHandlerWithOpts(
	logger logging.FieldLogger, store LogStore, admission AdmissionController, limiterCfg limiter.Config,
	opts HandlerOpts,
) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sequencer == nil {
		opts.Sequencer = event.NewSequencerWithNow(opts.Now)
	}
	return &Handler{
		logger:     logger,
		store:      store,
		admission:  admission,
		limiterCfg: limiterCfg,
		validator:  pipeline.NewValidator(),
		suppressor: pipeline.NewSuppressor(),
		redactor:   pipeline.NewRedactor(),
		classifier: pipeline.NewClassifier(),
		sequencer:  opts.Sequencer,
		now:        opts.Now,
	}
}

// NewRouter builds the service router with the default middleware chain.
func NewRouter(
	logger logging.FieldLogger, h *Handler, limiterHandler *limiter.Handler,
	metrics *HTTPRequestMetrics, maxBodySizeBytes uint64,
) chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID())
	r.Use(Logging(logger))
	r.Use(Recovery())
	r.Use(metrics.Middleware())
	r.Use(CORS())
	r.Use(RequestBodyLimit(maxBodySizeBytes))

	h.Routes(r)
	r.Route("/ratelimit", limiterHandler.Routes)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Routes mounts the ingestion endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/log", h.handleIngest)
	r.Get("/logs", h.handleGetLogs)
	r.Delete("/logs/clear", h.handleClearLogs)
	r.Delete("/logs", h.handleClearTrace)
	r.Get("/traces/recent", h.handleRecentTraces)
	r.Get("/health", h.handleHealth)
}

type errorResponse struct {
	Success        bool   `json:"success"`
	TraceID        string `json:"trace_id,omitempty"`
	Error          string `json:"error"`
	RemainingQuota *int   `json:"remaining_quota,omitempty"`
}

type ingestResponse struct {
	Success        bool   `json:"success"`
	TraceID        string `json:"trace_id"`
	Message        string `json:"message,omitempty"`
	RemainingQuota *int   `json:"remaining_quota,omitempty"`
}

func intPtr(n int) *int {
	return &n
}

// requestLogger returns the request-scoped logger, falling back to the
// handler's own logger when the logging middleware is not mounted.
func (h *Handler) requestLogger(r *http.Request) logging.FieldLogger {
	if logger := GetLoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return h.logger
}

func (h *Handler) handleIngest(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	var ev event.LogEvent
	if err := restapi.DecodeRequestJSON(r, &ev); err != nil {
		var reqErr *restapi.MalformedRequestError
		if errors.As(err, &reqErr) {
			restapi.RespondCodeAndJSON(rw, reqErr.HTTPStatusCode,
				errorResponse{Success: false, Error: reqErr.Message}, logger)
			return
		}
		restapi.RespondCodeAndJSON(rw, http.StatusBadRequest,
			errorResponse{Success: false, Error: "Invalid JSON body."}, logger)
		return
	}

	if err := h.validator.Validate(ev); err != nil {
		restapi.RespondCodeAndJSON(rw, http.StatusBadRequest,
			errorResponse{Success: false, Error: err.Error()}, logger)
		return
	}

	// Suppression is silent acceptance, not rejection: the event is
	// acknowledged but never reaches the rate limiter or the store.
	if h.suppressor.ShouldSuppress(ev.Message) {
		restapi.RespondJSON(rw, ingestResponse{
			Success: true,
			TraceID: ev.TraceID,
			Message: suppressedMessage,
		}, logger)
		return
	}

	if ev.System == "" {
		ev.System = h.classifier.Classify(r.Header)
	}

	ev.Message = h.redactor.Redact(ev.Message)
	if ev.Stack != "" {
		ev.Stack = h.redactor.Redact(ev.Stack)
	}
	ev.Context = h.redactor.RedactContext(ev.Context)

	entry := h.sequencer.NewStoredEntry(ev)

	res, err := h.admission.Check(r.Context(), string(ev.System), ev.TraceID)
	if err != nil {
		logger.Error("admission check failed", logging.Error(err))
		restapi.RespondCodeAndJSON(rw, http.StatusInternalServerError,
			errorResponse{Success: false, Error: "Internal server error"}, logger)
		return
	}
	if !res.Allowed {
		restapi.RespondCodeAndJSON(rw, http.StatusTooManyRequests, errorResponse{
			Success:        false,
			TraceID:        ev.TraceID,
			Error:          res.Reason,
			RemainingQuota: intPtr(0),
		}, logger)
		return
	}

	if err := h.store.Store(r.Context(), entry); err != nil {
		logger.Error("failed to store log entry",
			logging.String("trace_id", ev.TraceID), logging.Error(err))
		restapi.RespondCodeAndJSON(rw, http.StatusInternalServerError,
			errorResponse{Success: false, Error: "Internal server error"}, logger)
		return
	}

	restapi.RespondJSON(rw, ingestResponse{
		Success:        true,
		TraceID:        ev.TraceID,
		RemainingQuota: intPtr(res.RemainingQuota),
	}, logger)
}

type logsResponse struct {
	TraceID     string                 `json:"trace_id"`
	Logs        []event.StoredLogEntry `json:"logs"`
	Count       int                    `json:"count"`
	RetrievedAt string                 `json:"retrieved_at"`
}

func (h *Handler) handleGetLogs(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		restapi.RespondCodeAndJSON(rw, http.StatusBadRequest,
			errorResponse{Success: false, Error: "trace_id query parameter is required"}, logger)
		return
	}

	entries, err := h.store.FetchByTrace(r.Context(), traceID)
	if err != nil {
		logger.Error("failed to fetch logs",
			logging.String("trace_id", traceID), logging.Error(err))
		restapi.RespondCodeAndJSON(rw, http.StatusInternalServerError,
			errorResponse{Success: false, Error: "Internal server error"}, logger)
		return
	}

	// Storage order is newest first; consumers get chronological order.
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })

	restapi.RespondJSON(rw, logsResponse{
		TraceID:     traceID,
		Logs:        entries,
		Count:       len(entries),
		RetrievedAt: h.now().UTC().Format(time.RFC3339),
	}, logger)
}

type clearResponse struct {
	Success   bool   `json:"success"`
	Deleted   int    `json:"deleted"`
	Message   string `json:"message"`
	ClearedAt string `json:"cleared_at"`
}

func (h *Handler) handleClearLogs(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	deleted, err := h.store.ClearAll(r.Context())
	if err != nil {
		logger.Error("failed to clear logs", logging.Error(err))
		restapi.RespondCodeAndJSON(rw, http.StatusInternalServerError,
			errorResponse{Success: false, Error: "Internal server error"}, logger)
		return
	}
	restapi.RespondJSON(rw, clearResponse{
		Success:   true,
		Deleted:   deleted,
		Message:   "Cleared " + strconv.Itoa(deleted) + " trace(s)",
		ClearedAt: h.now().UTC().Format(time.RFC3339),
	}, logger)
}

func (h *Handler) handleClearTrace(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		restapi.RespondCodeAndJSON(rw, http.StatusBadRequest,
			errorResponse{Success: false, Error: "trace_id query parameter is required"}, logger)
		return
	}

	deleted, err := h.store.ClearByTrace(r.Context(), traceID)
	if err != nil {
		logger.Error("failed to clear trace",
			logging.String("trace_id", traceID), logging.Error(err))
		restapi.RespondCodeAndJSON(rw, http.StatusInternalServerError,
			errorResponse{Success: false, Error: "Internal server error"}, logger)
		return
	}
	count := 0
	message := "Trace not found"
	if deleted {
		count = 1
		message = "Trace cleared"
	}
	restapi.RespondJSON(rw, clearResponse{
		Success:   true,
		Deleted:   count,
		Message:   message,
		ClearedAt: h.now().UTC().Format(time.RFC3339),
	}, logger)
}

type recentTracesResponse struct {
	Traces      []logstore.TraceSummary `json:"traces"`
	Count       int                     `json:"count"`
	RetrievedAt string                  `json:"retrieved_at"`
}

func (h *Handler) handleRecentTraces(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			restapi.RespondCodeAndJSON(rw, http.StatusBadRequest,
				errorResponse{Success: false, Error: "limit must be a positive integer"}, logger)
			return
		}
		limit = parsed
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	traces, err := h.store.ListRecentTraces(r.Context(), limit)
	if err != nil {
		logger.Error("failed to list recent traces", logging.Error(err))
		restapi.RespondCodeAndJSON(rw, http.StatusInternalServerError,
			errorResponse{Success: false, Error: "Internal server error"}, logger)
		return
	}
	if traces == nil {
		traces = []logstore.TraceSummary{}
	}
	restapi.RespondJSON(rw, recentTracesResponse{
		Traces:      traces,
		Count:       len(traces),
		RetrievedAt: h.now().UTC().Format(time.RFC3339),
	}, logger)
}

type healthResponse struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components"`
	Quotas     quotasDoc       `json:"quotas"`
	CheckedAt  string          `json:"checked_at"`
}

type quotasDoc struct {
	GlobalLimit   int            `json:"global_limit"`
	SystemQuotas  map[string]int `json:"system_quotas"`
	PerTraceLimit int            `json:"per_trace_limit"`
	WindowMS      int64          `json:"window_ms"`
}

func (h *Handler) handleHealth(rw http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)

	storeOK := h.store.HealthCheck(r.Context())
	_, limiterErr := h.admission.Status(r.Context())
	limiterOK := limiterErr == nil

	status := "ok"
	code := http.StatusOK
	if !storeOK || !limiterOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	restapi.RespondCodeAndJSON(rw, code, healthResponse{
		Status: status,
		Components: map[string]bool{
			"store":        storeOK,
			"rate_limiter": limiterOK,
			"pipeline":     true,
		},
		Quotas: quotasDoc{
			GlobalLimit:   h.limiterCfg.GlobalLimit,
			SystemQuotas:  h.limiterCfg.SystemQuotas,
			PerTraceLimit: h.limiterCfg.PerTraceLimit,
			WindowMS:      h.limiterCfg.Window.Milliseconds(),
		},
		CheckedAt: h.now().UTC().Format(time.RFC3339),
	}, logger)
}
