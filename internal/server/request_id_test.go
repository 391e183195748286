package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"hflix/internal/observability/logging"
)

func TestRequestIDMiddlewareAnnotatesContextAndHeaders(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestRequestIDMiddlewareGeneratesWhenMissing(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "generated" {
			t.Fatalf("expected generated request id, got %q", requestID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Header().Get("X-Request-Id") != "generated" {
		t.Fatalf("expected generated id on response, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestLoggingMiddlewareEmitsRequestMetadata(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{AddSource: false}))

	handlerChain := requestIDMiddlewareWithGenerator(logger, func() string { return "generated-id" }, loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/videos", nil)

	handlerChain.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}

	if payload["request_id"] != "generated-id" {
		t.Fatalf("expected request_id to be propagated, got %v", payload["request_id"])
	}
	if payload["status"] != float64(http.StatusNoContent) {
		t.Fatalf("expected status 204 in log line, got %v", payload["status"])
	}
}
