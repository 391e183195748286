package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"hflix/internal/api"
	"hflix/internal/blob"
	"hflix/internal/bus"
	"hflix/internal/pipeline"
	"hflix/internal/storage"
)

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	repo, err := storage.NewMemory("")
	if err != nil {
		t.Fatalf("NewMemory error: %v", err)
	}
	t.Cleanup(repo.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	objects := blob.NewMemory()
	transport := bus.NewMemory()
	t.Cleanup(func() { _ = transport.Close() })

	uploads, err := pipeline.NewUploadManager(pipeline.UploadConfig{
		Repository: repo,
		Blob:       objects,
		ScratchDir: t.TempDir(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewUploadManager error: %v", err)
	}
	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Repository: repo,
		Bus:        transport,
		Logger:     logger,
	})
	selector := pipeline.NewSelector(pipeline.SelectorConfig{
		Repository: repo,
		Blob:       objects,
		Bus:        transport,
		Logger:     logger,
	})
	p := pipeline.New(uploads, orchestrator, selector, repo)
	return api.NewHandler(p, repo, logger)
}

func TestServerServesHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health check, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a request id header on every response")
	}
}

func TestServerRateLimitsUploadInitialization(t *testing.T) {
	handler := newTestHandler(t)
	srv, err := New(handler, Config{
		Addr:      "127.0.0.1:0",
		RateLimit: RateLimitConfig{UploadLimit: 1},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	send := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/videos", nil)
		req.RemoteAddr = "203.0.113.7:4242"
		req.Header.Set(api.OwnerHeader, "owner-1")
		srv.httpServer.Handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code == http.StatusTooManyRequests {
		t.Fatalf("first request should pass the limiter, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the per-IP window is spent, got %d", code)
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	handler := newTestHandler(t)
	srv, err := New(handler, Config{
		Addr:      "127.0.0.1:0",
		RateLimit: RateLimitConfig{GlobalRPS: 0.0001, GlobalBurst: 1},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	first := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the global bucket drains, got %d", second.Code)
	}
}
