package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hflix/internal/blob"
	"hflix/internal/models"
	"hflix/internal/storage"
)

const (
	// MaxUploadBytes is the upload ceiling: 3 GiB.
	MaxUploadBytes = 3 << 30
	// MaxChunkBytes is the largest chunk a client may send: 5 MiB.
	MaxChunkBytes = 5 << 20

	defaultSessionTTL   = 24 * time.Hour
	defaultReapInterval = 10 * time.Minute

	// maxTotalChunks keeps chunk filenames within the %05d zero-pad width.
	maxTotalChunks = 99999
)

// UploadConfig configures the upload session manager.
type UploadConfig struct {
	Repository   storage.Repository
	Blob         blob.Store
	Sessions     SessionStore
	ScratchDir   string
	SessionTTL   time.Duration
	ReapInterval time.Duration
	Logger       *slog.Logger
}

// UploadManager assembles chunked uploads into source objects. A background
// reaper removes sessions past their TTL together with their scratch
// directories.
type UploadManager struct {
	repo         storage.Repository
	blob         blob.Store
	sessions     SessionStore
	scratchDir   string
	sessionTTL   time.Duration
	reapInterval time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// InitializeParams describes a new upload.
type InitializeParams struct {
	OwnerID      string
	Title        string
	Description  string
	Filename     string
	DeclaredSize int64
}

// UploadDescriptor is returned from Initialize and tells the client how to
// chunk the file. TotalChunks is the count at the maximum chunk size; clients
// sending smaller chunks declare their own count on each chunk call.
type UploadDescriptor struct {
	VideoID     string `json:"videoId"`
	ChunkSize   int64  `json:"maxChunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

// ChunkAck acknowledges one received chunk. NextExpectedChunk is an
// optimistic hint for sequential clients; chunks may arrive in any order.
type ChunkAck struct {
	VideoID           string `json:"videoId"`
	ChunkNumber       int    `json:"chunkNumber"`
	Received          bool   `json:"received"`
	NextExpectedChunk int    `json:"nextExpectedChunk"`
}

func NewUploadManager(cfg UploadConfig) (*UploadManager, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Blob == nil {
		return nil, errors.New("blob store is required")
	}
	scratch := strings.TrimSpace(cfg.ScratchDir)
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "hflix-uploads")
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	reapInterval := cfg.ReapInterval
	if reapInterval <= 0 {
		reapInterval = defaultReapInterval
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = NewMemorySessions(ttl)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UploadManager{
		repo:         cfg.Repository,
		blob:         cfg.Blob,
		sessions:     sessions,
		scratchDir:   scratch,
		sessionTTL:   ttl,
		reapInterval: reapInterval,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start launches the session reaper.
func (m *UploadManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reapLoop()
}

// Shutdown stops the reaper and waits for it to exit.
func (m *UploadManager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize validates the declared upload, creates the video row, and opens
// an upload session.
func (m *UploadManager) Initialize(ctx context.Context, params InitializeParams) (UploadDescriptor, error) {
	ownerID := strings.TrimSpace(params.OwnerID)
	if ownerID == "" {
		return UploadDescriptor{}, validationf("owner id is required")
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return UploadDescriptor{}, validationf("title is required")
	}
	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		return UploadDescriptor{}, validationf("filename is required")
	}
	if params.DeclaredSize <= 0 {
		return UploadDescriptor{}, validationf("declared size must be positive")
	}
	if params.DeclaredSize > MaxUploadBytes {
		return UploadDescriptor{}, validationf("declared size %d exceeds the %d byte upload ceiling", params.DeclaredSize, int64(MaxUploadBytes))
	}

	videoID := uuid.NewString()
	totalChunks := int((params.DeclaredSize + MaxChunkBytes - 1) / MaxChunkBytes)
	now := time.Now().UTC()
	video := models.Video{
		ID:               videoID,
		OwnerID:          ownerID,
		Title:            title,
		Description:      strings.TrimSpace(params.Description),
		OriginalFilename: filename,
		DeclaredSize:     params.DeclaredSize,
		Status:           models.VideoUploading,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.repo.CreateVideo(ctx, video); err != nil {
		return UploadDescriptor{}, storageFailure("create video", err)
	}

	dir := filepath.Join(m.scratchDir, videoID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return UploadDescriptor{}, storageFailure("create session dir", err)
	}
	session := Session{
		VideoID:      videoID,
		OwnerID:      ownerID,
		Dir:          dir,
		Filename:     filename,
		TotalChunks:  totalChunks,
		ChunkSize:    MaxChunkBytes,
		DeclaredSize: params.DeclaredSize,
		Received:     make(map[int]bool),
		CreatedAt:    now,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return UploadDescriptor{}, storageFailure("create session", err)
	}
	m.logger.Info("upload session opened", "video_id", videoID, "owner_id", ownerID, "total_chunks", totalChunks)
	return UploadDescriptor{VideoID: videoID, ChunkSize: MaxChunkBytes, TotalChunks: totalChunks}, nil
}

// UploadChunk receives one chunk. Chunks may arrive in any order and are
// written as zero-padded files so lexicographic and numeric order coincide.
// A positive totalChunks is the client's declared chunk count and replaces
// the estimate derived at Initialize; zero keeps the session's current value.
func (m *UploadManager) UploadChunk(ctx context.Context, videoID, ownerID string, index, totalChunks int, body io.Reader) (ChunkAck, error) {
	session, err := m.session(ctx, videoID, ownerID)
	if err != nil {
		return ChunkAck{}, err
	}
	if totalChunks > maxTotalChunks {
		return ChunkAck{}, validationf("total chunks %d exceeds the %d chunk ceiling", totalChunks, maxTotalChunks)
	}
	expected := session.TotalChunks
	if totalChunks > 0 {
		expected = totalChunks
	}
	if index < 0 || index >= expected {
		return ChunkAck{}, validationf("chunk index %d out of range [0,%d)", index, expected)
	}

	chunkPath := filepath.Join(session.Dir, chunkName(index))
	tmp, err := os.CreateTemp(session.Dir, "chunk-*.part")
	if err != nil {
		return ChunkAck{}, storageFailure("create chunk file", err)
	}
	tmpPath := tmp.Name()
	written, err := io.Copy(tmp, io.LimitReader(body, MaxChunkBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return ChunkAck{}, storageFailure("write chunk", err)
	}
	if written > MaxChunkBytes {
		_ = os.Remove(tmpPath)
		return ChunkAck{}, validationf("chunk %d exceeds the %d byte chunk ceiling", index, int64(MaxChunkBytes))
	}
	if written == 0 {
		_ = os.Remove(tmpPath)
		return ChunkAck{}, validationf("chunk %d is empty", index)
	}
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		_ = os.Remove(tmpPath)
		return ChunkAck{}, storageFailure("store chunk", err)
	}
	if err := m.sessions.AddChunk(ctx, videoID, index, totalChunks); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return ChunkAck{}, notFoundf("upload session for video %s not found", videoID)
		}
		return ChunkAck{}, storageFailure("record chunk", err)
	}
	return ChunkAck{
		VideoID:           videoID,
		ChunkNumber:       index,
		Received:          true,
		NextExpectedChunk: index + 1,
	}, nil
}

// Complete verifies every chunk arrived, assembles them into the source
// object, and moves the video to processing. The session stays open so a
// completion whose encode dispatch fails can be retried; callers drop it
// with Discard once the fan-out is on the bus. The caller must serialize
// this against in-flight UploadChunk calls for the same video.
func (m *UploadManager) Complete(ctx context.Context, videoID, ownerID string) (models.Video, error) {
	session, err := m.session(ctx, videoID, ownerID)
	if err != nil {
		return models.Video{}, err
	}
	if missing := session.MissingChunk(); missing >= 0 {
		return models.Video{}, invalidStatef("upload incomplete: chunk %d missing", missing)
	}

	var totalSize int64
	paths := make([]string, session.TotalChunks)
	for index := 0; index < session.TotalChunks; index++ {
		path := filepath.Join(session.Dir, chunkName(index))
		info, err := os.Stat(path)
		if err != nil {
			return models.Video{}, invalidStatef("upload incomplete: chunk %d missing", index)
		}
		paths[index] = path
		totalSize += info.Size()
	}
	if totalSize > MaxUploadBytes {
		return models.Video{}, validationf("assembled size %d exceeds the %d byte upload ceiling", totalSize, int64(MaxUploadBytes))
	}

	key := blob.SourceKey(ownerID, videoID, session.Filename)
	reader := newChunkReader(paths)
	defer reader.Close()
	contentType := mime.TypeByExtension(filepath.Ext(session.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := m.blob.Put(ctx, key, reader, totalSize, contentType); err != nil {
		return models.Video{}, storageFailure("store source object", err)
	}

	transitioned, err := m.repo.TransitionVideo(ctx, videoID, models.VideoUploading, models.VideoProcessing)
	if err != nil {
		return models.Video{}, storageFailure("transition video", err)
	}
	if !transitioned {
		current, err := m.repo.GetVideo(ctx, videoID)
		if err != nil {
			return models.Video{}, storageFailure("load video", err)
		}
		// With the session still open a processing video means a prior
		// completion attempt stalled before dispatch; allow the retry.
		if current.Status != models.VideoProcessing {
			return models.Video{}, invalidStatef("video %s is not awaiting completion", videoID)
		}
	}
	objectKey := key
	video, err := m.repo.UpdateVideo(ctx, videoID, storage.VideoUpdate{ObjectKey: &objectKey})
	if err != nil {
		return models.Video{}, storageFailure("record source object", err)
	}

	m.logger.Info("upload assembled", "video_id", videoID, "size_bytes", totalSize, "object_key", key)
	return video, nil
}

// Discard drops the upload session and its scratch directory.
func (m *UploadManager) Discard(ctx context.Context, videoID string) {
	if err := m.sessions.Remove(ctx, videoID); err != nil {
		m.logger.Warn("remove upload session failed", "video_id", videoID, "error", err)
	}
	if err := os.RemoveAll(filepath.Join(m.scratchDir, videoID)); err != nil {
		m.logger.Warn("remove scratch dir failed", "video_id", videoID, "error", err)
	}
}

func (m *UploadManager) session(ctx context.Context, videoID, ownerID string) (Session, error) {
	if strings.TrimSpace(videoID) == "" {
		return Session{}, validationf("video id is required")
	}
	session, err := m.sessions.Get(ctx, videoID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, notFoundf("upload session for video %s not found", videoID)
	}
	if err != nil {
		return Session{}, storageFailure("load session", err)
	}
	if session.OwnerID != strings.TrimSpace(ownerID) {
		return Session{}, forbiddenf("video %s does not belong to the caller", videoID)
	}
	return session, nil
}

func (m *UploadManager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap removes expired sessions and scratch directories that no session
// references anymore (left behind by crashed instances or store TTLs).
func (m *UploadManager) reap() {
	now := time.Now().UTC()
	live := make(map[string]bool)
	sessions, err := m.sessions.List(m.ctx)
	if err != nil {
		m.logger.Error("list upload sessions failed", "error", err)
		return
	}
	for _, session := range sessions {
		if !session.Expired(now) {
			live[session.VideoID] = true
			continue
		}
		if err := m.sessions.Remove(m.ctx, session.VideoID); err != nil {
			m.logger.Warn("remove expired session failed", "video_id", session.VideoID, "error", err)
			continue
		}
		if err := os.RemoveAll(session.Dir); err != nil {
			m.logger.Warn("remove expired scratch dir failed", "video_id", session.VideoID, "error", err)
		}
		m.logger.Info("upload session reaped", "video_id", session.VideoID)
	}

	entries, err := os.ReadDir(m.scratchDir)
	if err != nil {
		m.logger.Warn("scan scratch dir failed", "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) < m.sessionTTL {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.scratchDir, entry.Name())); err != nil {
			m.logger.Warn("remove orphan scratch dir failed", "dir", entry.Name(), "error", err)
		}
	}
}

func chunkName(index int) string {
	return fmt.Sprintf("%05d", index)
}

// chunkReader streams chunk files in order, opening each lazily so assembling
// a ceiling-sized upload never holds hundreds of descriptors open.
type chunkReader struct {
	paths   []string
	current *os.File
}

func newChunkReader(paths []string) *chunkReader {
	return &chunkReader{paths: paths}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if len(r.paths) == 0 {
				return 0, io.EOF
			}
			file, err := os.Open(r.paths[0])
			if err != nil {
				return 0, err
			}
			r.paths = r.paths[1:]
			r.current = file
		}
		n, err := r.current.Read(p)
		if errors.Is(err, io.EOF) {
			closeErr := r.current.Close()
			r.current = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
