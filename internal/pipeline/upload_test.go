package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hflix/internal/blob"
	"hflix/internal/models"
	"hflix/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUploadManager(t *testing.T) (*UploadManager, *storage.Memory, *blob.Memory) {
	t.Helper()
	store, err := storage.NewMemory("")
	if err != nil {
		t.Fatalf("storage.NewMemory: %v", err)
	}
	t.Cleanup(store.Close)
	objects := blob.NewMemory()
	manager, err := NewUploadManager(UploadConfig{
		Repository: store,
		Blob:       objects,
		ScratchDir: t.TempDir(),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewUploadManager: %v", err)
	}
	return manager, store, objects
}

func TestInitializeValidatesParams(t *testing.T) {
	manager, _, _ := newTestUploadManager(t)
	ctx := context.Background()
	valid := InitializeParams{OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 1024}

	cases := []struct {
		name   string
		mutate func(*InitializeParams)
	}{
		{name: "missing owner", mutate: func(p *InitializeParams) { p.OwnerID = " " }},
		{name: "missing title", mutate: func(p *InitializeParams) { p.Title = "" }},
		{name: "missing filename", mutate: func(p *InitializeParams) { p.Filename = "" }},
		{name: "zero size", mutate: func(p *InitializeParams) { p.DeclaredSize = 0 }},
		{name: "negative size", mutate: func(p *InitializeParams) { p.DeclaredSize = -1 }},
		{name: "over ceiling", mutate: func(p *InitializeParams) { p.DeclaredSize = MaxUploadBytes + 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := valid
			tc.mutate(&params)
			_, err := manager.Initialize(ctx, params)
			if KindOf(err) != KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestInitializeCreatesSessionAndVideo(t *testing.T) {
	manager, store, _ := newTestUploadManager(t)
	ctx := context.Background()

	size := int64(2*MaxChunkBytes + 1)
	desc, err := manager.Initialize(ctx, InitializeParams{
		OwnerID:      "owner-1",
		Title:        "Clip",
		Filename:     "clip.mp4",
		DeclaredSize: size,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if desc.ChunkSize != MaxChunkBytes {
		t.Fatalf("ChunkSize = %d, want %d", desc.ChunkSize, int64(MaxChunkBytes))
	}
	if desc.TotalChunks != 3 {
		t.Fatalf("TotalChunks = %d, want 3", desc.TotalChunks)
	}

	video, err := store.GetVideo(ctx, desc.VideoID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if video.Status != models.VideoUploading {
		t.Fatalf("status = %s, want uploading", video.Status)
	}
	if video.DeclaredSize != size {
		t.Fatalf("declared size = %d, want %d", video.DeclaredSize, size)
	}

	// A ceiling-sized upload is accepted and chunked accordingly.
	desc, err = manager.Initialize(ctx, InitializeParams{
		OwnerID:      "owner-1",
		Title:        "Big",
		Filename:     "big.mp4",
		DeclaredSize: MaxUploadBytes,
	})
	if err != nil {
		t.Fatalf("Initialize at ceiling: %v", err)
	}
	wantChunks := int((int64(MaxUploadBytes) + MaxChunkBytes - 1) / MaxChunkBytes)
	if desc.TotalChunks != wantChunks {
		t.Fatalf("TotalChunks = %d, want %d", desc.TotalChunks, wantChunks)
	}
}

func TestUploadChunkValidation(t *testing.T) {
	manager, _, _ := newTestUploadManager(t)
	ctx := context.Background()
	desc, err := manager.Initialize(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 2 * MaxChunkBytes,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", -1, 0, strings.NewReader("x")); KindOf(err) != KindValidation {
		t.Fatalf("negative index: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", desc.TotalChunks, 0, strings.NewReader("x")); KindOf(err) != KindValidation {
		t.Fatalf("index past end: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 0, maxTotalChunks+1, strings.NewReader("x")); KindOf(err) != KindValidation {
		t.Fatalf("total chunks past zero-pad width: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 0, 0, strings.NewReader("")); KindOf(err) != KindValidation {
		t.Fatalf("empty chunk: %v", err)
	}
	oversize := bytes.NewReader(make([]byte, MaxChunkBytes+1))
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 0, 0, oversize); KindOf(err) != KindValidation {
		t.Fatalf("oversize chunk: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "other-owner", 0, 0, strings.NewReader("x")); KindOf(err) != KindForbidden {
		t.Fatalf("foreign owner: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, "no-such-video", "owner-1", 0, 0, strings.NewReader("x")); KindOf(err) != KindNotFound {
		t.Fatalf("unknown video: %v", err)
	}
}

func TestUploadChunkAcknowledges(t *testing.T) {
	manager, _, _ := newTestUploadManager(t)
	ctx := context.Background()
	desc, err := manager.Initialize(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 2 * MaxChunkBytes,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ack, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 1, 0, strings.NewReader("tail"))
	if err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	want := ChunkAck{VideoID: desc.VideoID, ChunkNumber: 1, Received: true, NextExpectedChunk: 2}
	if ack != want {
		t.Fatalf("ack = %+v, want %+v", ack, want)
	}
}

func TestUploadChunkHonorsClientChunkCount(t *testing.T) {
	manager, _, objects := newTestUploadManager(t)
	ctx := context.Background()

	// Ten declared bytes fit in one maximum-size chunk, but the client may
	// send them as three smaller pieces by declaring its own count.
	desc, err := manager.Initialize(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 10,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if desc.TotalChunks != 1 {
		t.Fatalf("TotalChunks = %d, want 1", desc.TotalChunks)
	}

	pieces := []string{"abcd", "efg", "hij"}
	for index, piece := range pieces {
		if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", index, len(pieces), strings.NewReader(piece)); err != nil {
			t.Fatalf("chunk %d: %v", index, err)
		}
	}

	video, err := manager.Complete(ctx, desc.VideoID, "owner-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	reader, info, err := objects.Get(ctx, video.ObjectKey)
	if err != nil {
		t.Fatalf("Get assembled object: %v", err)
	}
	defer reader.Close()
	assembled, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read assembled object: %v", err)
	}
	if string(assembled) != "abcdefghij" {
		t.Fatalf("assembled = %q", assembled)
	}
	if info.Size != 10 {
		t.Fatalf("size = %d, want 10", info.Size)
	}
}

func TestCompleteAssemblesChunksInOrder(t *testing.T) {
	manager, store, objects := newTestUploadManager(t)
	ctx := context.Background()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	half := len(payload) / 2
	desc, err := manager.Initialize(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip 2", Filename: "clip2.mp4", DeclaredSize: MaxChunkBytes + int64(half),
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if desc.TotalChunks != 2 {
		t.Fatalf("TotalChunks = %d, want 2", desc.TotalChunks)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 1, 0, bytes.NewReader(payload[half:])); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 0, 0, bytes.NewReader(payload[:half])); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}

	video, err := manager.Complete(ctx, desc.VideoID, "owner-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if video.Status != models.VideoProcessing {
		t.Fatalf("status = %s, want processing", video.Status)
	}
	wantKey := blob.SourceKey("owner-1", desc.VideoID, "clip2.mp4")
	if video.ObjectKey != wantKey {
		t.Fatalf("object key = %q, want %q", video.ObjectKey, wantKey)
	}

	reader, info, err := objects.Get(ctx, wantKey)
	if err != nil {
		t.Fatalf("Get assembled object: %v", err)
	}
	defer reader.Close()
	assembled, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read assembled object: %v", err)
	}
	if !bytes.Equal(assembled, payload) {
		t.Fatalf("assembled bytes do not match upload")
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("assembled size = %d, want %d", info.Size, len(payload))
	}

	stored, err := store.GetVideo(ctx, desc.VideoID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if stored.Status != models.VideoProcessing {
		t.Fatalf("stored status = %s, want processing", stored.Status)
	}
}

func TestCompleteNamesFirstMissingChunk(t *testing.T) {
	manager, _, _ := newTestUploadManager(t)
	ctx := context.Background()
	desc, err := manager.Initialize(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 2*MaxChunkBytes + 1,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 0, 0, strings.NewReader("a")); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 2, 0, strings.NewReader("c")); err != nil {
		t.Fatalf("chunk 2: %v", err)
	}

	_, err = manager.Complete(ctx, desc.VideoID, "owner-1")
	if KindOf(err) != KindInvalidState {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	if !strings.Contains(err.Error(), "chunk 1") {
		t.Fatalf("error should name the first missing chunk: %v", err)
	}
}

func TestCompleteRetryableUntilDiscarded(t *testing.T) {
	manager, _, _ := newTestUploadManager(t)
	ctx := context.Background()
	desc, err := manager.Initialize(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 4,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 0, 0, strings.NewReader("data")); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if _, err := manager.Complete(ctx, desc.VideoID, "owner-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// The session survives completion, so a stalled dispatch can retry.
	video, err := manager.Complete(ctx, desc.VideoID, "owner-1")
	if err != nil {
		t.Fatalf("retried Complete: %v", err)
	}
	if video.Status != models.VideoProcessing {
		t.Fatalf("status = %s, want processing", video.Status)
	}

	manager.Discard(ctx, desc.VideoID)
	_, err = manager.Complete(ctx, desc.VideoID, "owner-1")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not_found after discard, got %v", err)
	}
}

func TestDiscardRemovesScratchDir(t *testing.T) {
	manager, _, _ := newTestUploadManager(t)
	ctx := context.Background()
	desc, err := manager.Initialize(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 4,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	dir := filepath.Join(manager.scratchDir, desc.VideoID)
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected scratch dir after Initialize: %v", err)
	}
	if _, err := manager.UploadChunk(ctx, desc.VideoID, "owner-1", 0, 0, strings.NewReader("data")); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if _, err := manager.Complete(ctx, desc.VideoID, "owner-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected scratch dir retained until discard: %v", err)
	}
	manager.Discard(ctx, desc.VideoID)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected scratch dir removed, stat err = %v", err)
	}
}

func TestReapRemovesExpiredSessions(t *testing.T) {
	store, err := storage.NewMemory("")
	if err != nil {
		t.Fatalf("storage.NewMemory: %v", err)
	}
	t.Cleanup(store.Close)
	scratch := t.TempDir()
	sessions := NewMemorySessions(time.Hour)
	manager, err := NewUploadManager(UploadConfig{
		Repository: store,
		Blob:       blob.NewMemory(),
		Sessions:   sessions,
		ScratchDir: scratch,
		SessionTTL: time.Hour,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewUploadManager: %v", err)
	}

	desc, err := manager.Initialize(context.Background(), InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 4,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Force the session past its TTL, then reap.
	sessions.mu.Lock()
	session := sessions.sessions[desc.VideoID]
	session.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	sessions.sessions[desc.VideoID] = session
	sessions.mu.Unlock()

	manager.reap()

	if _, err := sessions.Get(context.Background(), desc.VideoID); err == nil {
		t.Fatal("expected expired session removed")
	}
	dir := filepath.Join(scratch, desc.VideoID)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected expired scratch dir removed, stat err = %v", err)
	}
}

func TestReapRemovesOrphanScratchDirs(t *testing.T) {
	scratch := t.TempDir()
	store, err := storage.NewMemory("")
	if err != nil {
		t.Fatalf("storage.NewMemory: %v", err)
	}
	t.Cleanup(store.Close)
	manager, err := NewUploadManager(UploadConfig{
		Repository: store,
		Blob:       blob.NewMemory(),
		ScratchDir: scratch,
		SessionTTL: time.Millisecond,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewUploadManager: %v", err)
	}

	orphan := filepath.Join(scratch, "left-behind")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir orphan: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	manager.reap()

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("expected orphan dir removed, stat err = %v", err)
	}
}
