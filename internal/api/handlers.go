package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"hflix/internal/pipeline"
	"hflix/internal/storage"
)

// OwnerHeader carries the caller's identity. Authentication happens upstream;
// the API trusts the header as an opaque owner id.
const OwnerHeader = "X-Owner-Id"

type Handler struct {
	Pipeline *pipeline.Pipeline
	Store    storage.Repository
	Logger   *slog.Logger
}

func NewHandler(p *pipeline.Pipeline, store storage.Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Pipeline: p, Store: store, Logger: logger}
}

// RequestError is the JSON error shape returned by the API and middleware.
type RequestError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e RequestError) Error() string {
	return e.Message
}

func ownerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(OwnerHeader))
}

// writePipelineError maps pipeline error kinds onto HTTP statuses.
func (h *Handler) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch pipeline.KindOf(err) {
	case pipeline.KindValidation:
		status = http.StatusBadRequest
	case pipeline.KindForbidden:
		status = http.StatusForbidden
	case pipeline.KindNotFound:
		status = http.StatusNotFound
	case pipeline.KindInvalidState:
		status = http.StatusConflict
	case pipeline.KindTranscodeFailure:
		status = http.StatusBadGateway
	case pipeline.KindStorageFailure:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 1)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// Health reports the liveness of the API and its datastore.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

var errOwnerRequired = errors.New("missing " + OwnerHeader + " header")
