package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"hflix/internal/blob"
	"hflix/internal/bus"
	"hflix/internal/models"
	"hflix/internal/storage"
)

// flakyBus fails every publish while tripped, standing in for an unreachable
// broker during the encode fan-out.
type flakyBus struct {
	inner bus.Bus

	mu   sync.Mutex
	fail bool
}

var _ bus.Bus = (*flakyBus)(nil)

func (f *flakyBus) setFailing(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *flakyBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	return f.inner.Publish(ctx, topic, key, payload)
}

func (f *flakyBus) Subscribe(topic, group string) (bus.Subscription, error) {
	return f.inner.Subscribe(topic, group)
}

func (f *flakyBus) Close() error {
	return f.inner.Close()
}

func newFacadeFixture(t *testing.T) (*Pipeline, *storage.Memory, *blob.Memory, *flakyBus) {
	t.Helper()
	store, err := storage.NewMemory("")
	if err != nil {
		t.Fatalf("storage.NewMemory: %v", err)
	}
	t.Cleanup(store.Close)
	objects := blob.NewMemory()
	broker := &flakyBus{inner: bus.NewMemory()}
	t.Cleanup(func() { broker.Close() })

	uploads, err := NewUploadManager(UploadConfig{
		Repository: store,
		Blob:       objects,
		ScratchDir: t.TempDir(),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewUploadManager: %v", err)
	}
	orchestrator := NewOrchestrator(OrchestratorConfig{
		Repository: store,
		Bus:        broker,
		Ladder:     []Rung{{Label: "480p", Height: 480, BitrateKbps: 1000}},
		Codecs:     []Codec{{Label: "H.264", Encoder: "libx264", Ext: ".mp4", ContentType: "video/mp4"}},
		Logger:     testLogger(),
	})
	selector := NewSelector(SelectorConfig{
		Repository: store,
		Blob:       objects,
		Bus:        broker,
		Logger:     testLogger(),
	})
	return New(uploads, orchestrator, selector, store), store, objects, broker
}

func TestConcurrentChunkUploadsBothPersist(t *testing.T) {
	p, _, objects, _ := newFacadeFixture(t)
	ctx := context.Background()

	desc, err := p.InitializeUpload(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 10,
	})
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}

	pieces := []string{"left-", "right"}
	var wg sync.WaitGroup
	errs := make([]error, len(pieces))
	for index := range pieces {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, errs[index] = p.UploadChunk(ctx, desc.VideoID, "owner-1", index, len(pieces), strings.NewReader(pieces[index]))
		}(index)
	}
	wg.Wait()
	for index, err := range errs {
		if err != nil {
			t.Fatalf("chunk %d: %v", index, err)
		}
	}

	video, err := p.CompleteUpload(ctx, desc.VideoID, "owner-1")
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	reader, _, err := objects.Get(ctx, video.ObjectKey)
	if err != nil {
		t.Fatalf("Get assembled object: %v", err)
	}
	defer reader.Close()
	assembled, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read assembled object: %v", err)
	}
	if string(assembled) != "left-right" {
		t.Fatalf("assembled = %q", assembled)
	}
}

// gateReader blocks its first Read until released, holding the chunk write
// open so completion must wait behind it.
type gateReader struct {
	started chan struct{}
	release chan struct{}
	payload io.Reader
	once    sync.Once
}

func (g *gateReader) Read(p []byte) (int, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.payload.Read(p)
}

func TestCompleteUploadWaitsForInFlightChunk(t *testing.T) {
	p, store, _, _ := newFacadeFixture(t)
	ctx := context.Background()

	desc, err := p.InitializeUpload(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 8,
	})
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}
	if _, err := p.UploadChunk(ctx, desc.VideoID, "owner-1", 0, 2, strings.NewReader("head")); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}

	gate := &gateReader{
		started: make(chan struct{}),
		release: make(chan struct{}),
		payload: strings.NewReader("tail"),
	}
	chunkDone := make(chan error, 1)
	go func() {
		_, err := p.UploadChunk(ctx, desc.VideoID, "owner-1", 1, 2, gate)
		chunkDone <- err
	}()
	<-gate.started

	completeDone := make(chan error, 1)
	go func() {
		_, err := p.CompleteUpload(ctx, desc.VideoID, "owner-1")
		completeDone <- err
	}()

	// Completion must not finish while the chunk write holds the lock.
	select {
	case err := <-completeDone:
		t.Fatalf("CompleteUpload finished before the in-flight chunk: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	if err := <-chunkDone; err != nil {
		t.Fatalf("in-flight chunk: %v", err)
	}
	if err := <-completeDone; err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}

	video, err := store.GetVideo(ctx, desc.VideoID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if video.Status != models.VideoProcessing {
		t.Fatalf("status = %s, want processing", video.Status)
	}
}

func TestCompleteUploadDiscardsSessionAfterDispatch(t *testing.T) {
	p, _, _, _ := newFacadeFixture(t)
	ctx := context.Background()

	desc, err := p.InitializeUpload(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 4,
	})
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}
	if _, err := p.UploadChunk(ctx, desc.VideoID, "owner-1", 0, 0, strings.NewReader("data")); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if _, err := p.CompleteUpload(ctx, desc.VideoID, "owner-1"); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}

	_, err = p.CompleteUpload(ctx, desc.VideoID, "owner-1")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not_found on duplicate completion, got %v", err)
	}
}

func TestCompleteUploadRetriesAfterDispatchFailure(t *testing.T) {
	p, store, _, broker := newFacadeFixture(t)
	ctx := context.Background()

	desc, err := p.InitializeUpload(ctx, InitializeParams{
		OwnerID: "owner-1", Title: "Clip", Filename: "clip.mp4", DeclaredSize: 4,
	})
	if err != nil {
		t.Fatalf("InitializeUpload: %v", err)
	}
	if _, err := p.UploadChunk(ctx, desc.VideoID, "owner-1", 0, 0, strings.NewReader("data")); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}

	broker.setFailing(true)
	if _, err := p.CompleteUpload(ctx, desc.VideoID, "owner-1"); err == nil {
		t.Fatal("expected completion to fail while the broker is down")
	}

	broker.setFailing(false)
	video, err := p.CompleteUpload(ctx, desc.VideoID, "owner-1")
	if err != nil {
		t.Fatalf("retried CompleteUpload: %v", err)
	}
	if video.Status != models.VideoProcessing {
		t.Fatalf("status = %s, want processing", video.Status)
	}

	// The retry republished the existing format rows instead of duplicating.
	formats, err := store.ListFormats(ctx, desc.VideoID)
	if err != nil {
		t.Fatalf("ListFormats: %v", err)
	}
	if len(formats) != 1 {
		t.Fatalf("got %d formats, want 1", len(formats))
	}

	_, err = p.CompleteUpload(ctx, desc.VideoID, "owner-1")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not_found after successful completion, got %v", err)
	}
}
