// Package pipeline implements the media pipeline: chunked upload assembly,
// encode fan-out and completion tracking, and adaptive range streaming.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"

	"hflix/internal/models"
	"hflix/internal/storage"
)

// Pipeline is the façade the transport layer talks to. It serializes upload
// completion against in-flight chunk writes for the same video with a
// per-video lock; chunk writes for distinct indexes proceed concurrently.
type Pipeline struct {
	uploads      *UploadManager
	orchestrator *Orchestrator
	selector     *Selector
	repo         storage.Repository

	mu    sync.Mutex
	locks map[string]*videoLock
}

type videoLock struct {
	refs int
	lock sync.RWMutex
}

func New(uploads *UploadManager, orchestrator *Orchestrator, selector *Selector, repo storage.Repository) *Pipeline {
	return &Pipeline{
		uploads:      uploads,
		orchestrator: orchestrator,
		selector:     selector,
		repo:         repo,
		locks:        make(map[string]*videoLock),
	}
}

func (p *Pipeline) acquire(videoID string) *videoLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.locks[videoID]
	if !ok {
		entry = &videoLock{}
		p.locks[videoID] = entry
	}
	entry.refs++
	return entry
}

func (p *Pipeline) release(videoID string, entry *videoLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(p.locks, videoID)
	}
}

// InitializeUpload opens a new upload session.
func (p *Pipeline) InitializeUpload(ctx context.Context, params InitializeParams) (UploadDescriptor, error) {
	return p.uploads.Initialize(ctx, params)
}

// UploadChunk stores one chunk. Concurrent chunk calls for the same video are
// permitted; completion is excluded while any are in flight.
func (p *Pipeline) UploadChunk(ctx context.Context, videoID, ownerID string, index, totalChunks int, body io.Reader) (ChunkAck, error) {
	entry := p.acquire(videoID)
	defer p.release(videoID, entry)
	entry.lock.RLock()
	defer entry.lock.RUnlock()
	return p.uploads.UploadChunk(ctx, videoID, ownerID, index, totalChunks, body)
}

// CompleteUpload assembles the chunks and dispatches the encode fan-out. The
// session is only discarded after the jobs are on the bus; a failed dispatch
// leaves it open so the client can retry completion.
func (p *Pipeline) CompleteUpload(ctx context.Context, videoID, ownerID string) (models.Video, error) {
	entry := p.acquire(videoID)
	defer p.release(videoID, entry)
	entry.lock.Lock()
	defer entry.lock.Unlock()

	video, err := p.uploads.Complete(ctx, videoID, ownerID)
	if err != nil {
		return models.Video{}, err
	}
	if err := p.orchestrator.Dispatch(ctx, video); err != nil {
		return models.Video{}, err
	}
	p.uploads.Discard(ctx, videoID)
	return video, nil
}

// GetVideo returns a video with its formats, regardless of status.
func (p *Pipeline) GetVideo(ctx context.Context, videoID string) (models.Video, []models.VideoFormat, error) {
	video, err := p.repo.GetVideo(ctx, videoID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Video{}, nil, notFoundf("video %s not found", videoID)
	}
	if err != nil {
		return models.Video{}, nil, storageFailure("load video", err)
	}
	formats, err := p.repo.ListFormats(ctx, videoID)
	if err != nil {
		return models.Video{}, nil, storageFailure("list formats", err)
	}
	return video, formats, nil
}

// ListVideos returns the owner's videos ordered by creation time.
func (p *Pipeline) ListVideos(ctx context.Context, ownerID string) ([]models.Video, error) {
	videos, err := p.repo.ListVideos(ctx, ownerID)
	if err != nil {
		return nil, storageFailure("list videos", err)
	}
	return videos, nil
}

// GetStreamInfo returns playback metadata for a ready video.
func (p *Pipeline) GetStreamInfo(ctx context.Context, videoID string) (StreamInfo, error) {
	return p.selector.GetStreamInfo(ctx, videoID)
}

// StreamVideo serves one transfer unit of a rendition.
func (p *Pipeline) StreamVideo(ctx context.Context, videoID, resolution, rangeHeader string, viewer ViewerContext) (PartialContent, error) {
	return p.selector.StreamVideo(ctx, videoID, resolution, rangeHeader, viewer)
}
