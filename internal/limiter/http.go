/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tracevault/tracevault/internal/logging"
	"github.com/tracevault/tracevault/internal/restapi"
)

// Handler exposes the actor protocol over HTTP for platform compatibility:
// POST /check, POST /reset, GET /status.
type Handler struct {
	actor  *Actor
	logger logging.FieldLogger
}

// NewHandler creates a new Handler for the given actor.
func NewHandler(actor *Actor, logger logging.FieldLogger) *Handler {
	return &Handler{actor: actor, logger: logger}
}

// Routes mounts the actor protocol endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/check", h.handleCheck)
	r.Post("/reset", h.handleReset)
	r.Get("/status", h.handleStatus)
}

type checkRequest struct {
	System  string `json:"system"`
	TraceID string `json:"trace_id"`
}

func (h *Handler) handleCheck(rw http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := restapi.DecodeRequestJSON(r, &req); err != nil {
		var reqErr *restapi.MalformedRequestError
		if errors.As(err, &reqErr) {
			restapi.RespondCodeAndJSON(rw, reqErr.HTTPStatusCode, map[string]interface{}{"error": reqErr.Message}, h.logger)
			return
		}
		restapi.RespondCodeAndJSON(rw, http.StatusBadRequest, map[string]interface{}{"error": "Invalid request body."}, h.logger)
		return
	}

	// Missing system/trace_id is not an error: the actor accounts such
	// requests under the undefined bucket.
	res, err := h.actor.Check(r.Context(), req.System, req.TraceID)
	if err != nil {
		h.logger.Error("rate limiter check failed", logging.Error(err))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	restapi.RespondJSON(rw, res, h.logger)
}

func (h *Handler) handleReset(rw http.ResponseWriter, r *http.Request) {
	if err := h.actor.Reset(r.Context()); err != nil {
		h.logger.Error("rate limiter reset failed", logging.Error(err))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	restapi.RespondJSON(rw, map[string]interface{}{
		"success": true,
		"message": "Rate limiter reset",
	}, h.logger)
}

func (h *Handler) handleStatus(rw http.ResponseWriter, r *http.Request) {
	st, err := h.actor.Status(r.Context())
	if err != nil {
		h.logger.Error("rate limiter status failed", logging.Error(err))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	restapi.RespondJSON(rw, st, h.logger)
}
