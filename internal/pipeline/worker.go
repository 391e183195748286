package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hflix/internal/blob"
	"hflix/internal/bus"
	"hflix/internal/models"
	"hflix/internal/storage"
	"hflix/internal/transcoder"
)

const (
	encodeGroup    = "encoders"
	thumbnailGroup = "thumbnailers"

	defaultEncodeConcurrency = 2
	thumbnailOffsetFraction  = 0.10
)

// WorkerConfig configures the encode and thumbnail consumers.
type WorkerConfig struct {
	Repository storage.Repository
	Blob       blob.Store
	Bus        bus.Bus
	Runner     transcoder.Runner
	Codecs     []Codec
	// Concurrency bounds simultaneous ffmpeg processes.
	Concurrency int
	WorkDir     string
	Logger      *slog.Logger
}

// EncodeWorker consumes encode jobs, produces renditions, and promotes the
// video to ready once the last format lands.
type EncodeWorker struct {
	repo        storage.Repository
	blob        blob.Store
	bus         bus.Bus
	runner      transcoder.Runner
	codecs      []Codec
	concurrency int64
	workDir     string
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    *semaphore.Weighted

	mu       sync.Mutex
	started  bool
	inFlight map[string]bool
	sub      bus.Subscription
}

func NewEncodeWorker(cfg WorkerConfig) (*EncodeWorker, error) {
	if cfg.Repository == nil || cfg.Blob == nil || cfg.Bus == nil || cfg.Runner == nil {
		return nil, errors.New("repository, blob store, bus, and runner are required")
	}
	codecs := cfg.Codecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultEncodeConcurrency
	}
	workDir, err := ensureWorkDir(cfg.WorkDir, "hflix-encode")
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EncodeWorker{
		repo:        cfg.Repository,
		blob:        cfg.Blob,
		bus:         cfg.Bus,
		runner:      cfg.Runner,
		codecs:      codecs,
		concurrency: int64(concurrency),
		workDir:     workDir,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		inFlight:    make(map[string]bool),
	}, nil
}

// Start subscribes to the encode topic and begins consuming.
func (w *EncodeWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	sub, err := w.bus.Subscribe(bus.TopicEncodeJobs, encodeGroup)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicEncodeJobs, err)
	}
	w.sub = sub
	w.started = true
	w.wg.Add(1)
	go w.consume(sub)
	return nil
}

// Shutdown stops consuming and waits for running encodes to finish or the
// context to expire.
func (w *EncodeWorker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.sub != nil {
		w.sub.Close()
	}
	w.mu.Unlock()
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *EncodeWorker) consume(sub bus.Subscription) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			w.dispatch(sub, msg)
		}
	}
}

func (w *EncodeWorker) dispatch(sub bus.Subscription, msg bus.Message) {
	var job EncodeJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		w.logger.Error("drop malformed encode job", "error", err)
		_ = sub.Ack(w.ctx, msg)
		return
	}

	w.mu.Lock()
	if w.inFlight[job.FormatID] {
		w.mu.Unlock()
		_ = sub.Ack(w.ctx, msg)
		return
	}
	w.inFlight[job.FormatID] = true
	w.mu.Unlock()

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		w.clearInFlight(job.FormatID)
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		defer w.clearInFlight(job.FormatID)
		w.process(job)
		_ = sub.Ack(w.ctx, msg)
	}()
}

func (w *EncodeWorker) clearInFlight(formatID string) {
	w.mu.Lock()
	delete(w.inFlight, formatID)
	w.mu.Unlock()
}

func (w *EncodeWorker) process(job EncodeJob) {
	logger := w.logger.With("video_id", job.VideoID, "format_id", job.FormatID, "resolution", job.Resolution, "codec", job.Codec)

	format, err := w.repo.GetFormat(w.ctx, job.FormatID)
	if err != nil {
		logger.Error("load format failed", "error", err)
		return
	}
	if format.Status != models.FormatProcessing {
		logger.Info("skip format in terminal state", "status", format.Status)
		return
	}

	codec, ok := codecByLabel(w.codecs, job.Codec)
	if !ok {
		w.failFormat(job, logger, fmt.Errorf("unknown codec %q", job.Codec))
		return
	}

	dir, err := os.MkdirTemp(w.workDir, "job-")
	if err != nil {
		w.failFormat(job, logger, fmt.Errorf("create work dir: %w", err))
		return
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "source"+filepath.Ext(job.SourceKey))
	if err := w.download(job.SourceKey, input); err != nil {
		w.failFormat(job, logger, fmt.Errorf("fetch source: %w", err))
		return
	}

	output := filepath.Join(dir, "rendition"+codec.Ext)
	started := time.Now()
	err = w.runner.Encode(w.ctx, transcoder.EncodeJob{
		Input:       input,
		Output:      output,
		Encoder:     codec.Encoder,
		Height:      job.Height,
		BitrateKbps: job.BitrateKbps,
	})
	if err != nil {
		w.failFormat(job, logger, err)
		return
	}

	key := blob.EncodedKey(job.OwnerID, job.VideoID, job.Filename, job.Resolution, codec.Ext)
	size, err := w.upload(output, key, codec.ContentType)
	if err != nil {
		w.failFormat(job, logger, fmt.Errorf("store rendition: %w", err))
		return
	}

	ready := models.FormatReady
	if _, err := w.repo.UpdateFormat(w.ctx, job.FormatID, storage.FormatUpdate{
		Status:    &ready,
		ObjectKey: &key,
		SizeBytes: &size,
	}); err != nil {
		logger.Error("record rendition failed", "error", err)
		return
	}
	w.publishStatus(StatusEvent{VideoID: job.VideoID, Resolution: job.Resolution, Status: string(models.FormatReady), Progress: 100})
	logger.Info("rendition ready", "object_key", key, "size_bytes", size, "elapsed", time.Since(started).Round(time.Second))

	promoted, err := w.repo.MarkVideoReadyIfComplete(w.ctx, job.VideoID)
	if err != nil {
		logger.Error("completion check failed", "error", err)
		return
	}
	if promoted {
		w.publishStatus(StatusEvent{VideoID: job.VideoID, Status: string(models.VideoReady), Progress: 100})
		logger.Info("video ready")
	}
}

// failFormat marks the format as errored and emits a status event. The video
// itself stays processing; a single failed rendition never fails the upload.
func (w *EncodeWorker) failFormat(job EncodeJob, logger *slog.Logger, cause error) {
	if transcoder.IsTimeout(cause) {
		logger.Error("encode deadline exceeded", "error", cause)
	} else {
		logger.Error("encode failed", "error", cause)
	}
	failed := models.FormatError
	if _, err := w.repo.UpdateFormat(w.ctx, job.FormatID, storage.FormatUpdate{Status: &failed}); err != nil {
		logger.Error("record format failure failed", "error", err)
	}
	w.publishStatus(StatusEvent{VideoID: job.VideoID, Resolution: job.Resolution, Status: string(models.FormatError)})
}

func (w *EncodeWorker) publishStatus(event StatusEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		w.logger.Error("marshal status event failed", "error", err)
		return
	}
	if err := w.bus.Publish(w.ctx, bus.TopicEncodingStatus, event.VideoID, payload); err != nil {
		w.logger.Warn("publish status event failed", "video_id", event.VideoID, "error", err)
	}
}

func (w *EncodeWorker) download(key, dest string) error {
	reader, _, err := w.blob.Get(w.ctx, key)
	if err != nil {
		return err
	}
	defer reader.Close()
	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(file, reader)
	closeErr := file.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

func (w *EncodeWorker) upload(path, key, contentType string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	if err := w.blob.Put(w.ctx, key, file, info.Size(), contentType); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ThumbnailWorker probes each upload's duration and captures a poster frame
// one tenth of the way in.
type ThumbnailWorker struct {
	repo    storage.Repository
	blob    blob.Store
	bus     bus.Bus
	runner  transcoder.Runner
	workDir string
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	sub     bus.Subscription
}

func NewThumbnailWorker(cfg WorkerConfig) (*ThumbnailWorker, error) {
	if cfg.Repository == nil || cfg.Blob == nil || cfg.Bus == nil || cfg.Runner == nil {
		return nil, errors.New("repository, blob store, bus, and runner are required")
	}
	workDir, err := ensureWorkDir(cfg.WorkDir, "hflix-thumbnail")
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ThumbnailWorker{
		repo:    cfg.Repository,
		blob:    cfg.Blob,
		bus:     cfg.Bus,
		runner:  cfg.Runner,
		workDir: workDir,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (w *ThumbnailWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	sub, err := w.bus.Subscribe(bus.TopicThumbnailJobs, thumbnailGroup)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.TopicThumbnailJobs, err)
	}
	w.sub = sub
	w.started = true
	w.wg.Add(1)
	go w.consume(sub)
	return nil
}

func (w *ThumbnailWorker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if w.sub != nil {
		w.sub.Close()
	}
	w.mu.Unlock()
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *ThumbnailWorker) consume(sub bus.Subscription) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			var job ThumbnailJob
			if err := json.Unmarshal(msg.Payload, &job); err != nil {
				w.logger.Error("drop malformed thumbnail job", "error", err)
			} else if err := w.process(job); err != nil {
				w.logger.Error("thumbnail failed", "video_id", job.VideoID, "error", err)
			}
			_ = sub.Ack(w.ctx, msg)
		}
	}
}

func (w *ThumbnailWorker) process(job ThumbnailJob) error {
	dir, err := os.MkdirTemp(w.workDir, "thumb-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "source"+filepath.Ext(job.SourceKey))
	reader, _, err := w.blob.Get(w.ctx, job.SourceKey)
	if err != nil {
		return fmt.Errorf("fetch source: %w", err)
	}
	file, err := os.Create(input)
	if err != nil {
		reader.Close()
		return err
	}
	_, copyErr := io.Copy(file, reader)
	reader.Close()
	if closeErr := file.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("fetch source: %w", copyErr)
	}

	duration, err := w.runner.Probe(w.ctx, input)
	if err != nil {
		return err
	}
	seconds := int(math.Ceil(duration.Seconds()))
	if _, err := w.repo.UpdateVideo(w.ctx, job.VideoID, storage.VideoUpdate{DurationSeconds: &seconds}); err != nil {
		return fmt.Errorf("record duration: %w", err)
	}

	offset := time.Duration(float64(duration) * thumbnailOffsetFraction)
	output := filepath.Join(dir, "poster.jpg")
	if err := w.runner.Thumbnail(w.ctx, input, output, offset); err != nil {
		return err
	}

	key := blob.ThumbnailKey(job.OwnerID, job.VideoID)
	poster, err := os.Open(output)
	if err != nil {
		return err
	}
	defer poster.Close()
	info, err := poster.Stat()
	if err != nil {
		return err
	}
	if err := w.blob.Put(w.ctx, key, poster, info.Size(), "image/jpeg"); err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}
	if _, err := w.repo.UpdateVideo(w.ctx, job.VideoID, storage.VideoUpdate{ThumbnailKey: &key}); err != nil {
		return fmt.Errorf("record thumbnail: %w", err)
	}
	w.logger.Info("thumbnail ready", "video_id", job.VideoID, "object_key", key, "offset", offset.Round(time.Second))
	return nil
}

func ensureWorkDir(dir, fallback string) (string, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fallback)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}
