package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"hflix/internal/blob"
	"hflix/internal/bus"
	"hflix/internal/models"
	"hflix/internal/storage"
)

// TransferUnitBytes is the most a single stream call returns: 1 MiB. Clients
// issue further range requests to continue.
const TransferUnitBytes = 1 << 20

const presignExpiry = 15 * time.Minute

// StreamInfo describes a playable video: the ready formats for client-side
// ladder selection plus a thumbnail reference.
type StreamInfo struct {
	Video        models.Video         `json:"video"`
	Formats      []models.VideoFormat `json:"formats"`
	ThumbnailURL string               `json:"thumbnailUrl,omitempty"`
}

// PartialContent is one transfer unit of a rendition. Body must be closed by
// the caller. End is inclusive, mirroring Content-Range semantics.
type PartialContent struct {
	Body        io.ReadCloser
	Start       int64
	End         int64
	TotalSize   int64
	ContentType string
	Resolution  string
}

// Selector chooses a ready format for playback and fulfils byte-range reads
// against it.
type Selector struct {
	repo   storage.Repository
	blob   blob.Store
	bus    bus.Bus
	codecs []Codec
	logger *slog.Logger
}

type SelectorConfig struct {
	Repository storage.Repository
	Blob       blob.Store
	Bus        bus.Bus
	Codecs     []Codec
	Logger     *slog.Logger
}

func NewSelector(cfg SelectorConfig) *Selector {
	codecs := cfg.Codecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		repo:   cfg.Repository,
		blob:   cfg.Blob,
		bus:    cfg.Bus,
		codecs: codecs,
		logger: logger,
	}
}

// GetStreamInfo returns the ready formats of a ready video.
func (s *Selector) GetStreamInfo(ctx context.Context, videoID string) (StreamInfo, error) {
	video, formats, err := s.readyFormats(ctx, videoID)
	if err != nil {
		return StreamInfo{}, err
	}
	info := StreamInfo{Video: video, Formats: formats}
	if video.ThumbnailKey != "" {
		url, err := s.blob.PresignedURL(ctx, video.ThumbnailKey, presignExpiry)
		if err != nil {
			s.logger.Warn("presign thumbnail failed", "video_id", videoID, "error", err)
		} else {
			info.ThumbnailURL = url
		}
	}
	return info, nil
}

// ViewerContext carries request metadata into the view event.
type ViewerContext struct {
	ViewerID   string
	RemoteAddr string
	UserAgent  string
}

// StreamVideo selects a format, serves one transfer unit of the requested
// range, and emits a view event from a detached goroutine.
func (s *Selector) StreamVideo(ctx context.Context, videoID, requestedResolution, rangeHeader string, viewer ViewerContext) (PartialContent, error) {
	video, formats, err := s.readyFormats(ctx, videoID)
	if err != nil {
		return PartialContent{}, err
	}
	format, err := SelectFormat(formats, requestedResolution)
	if err != nil {
		return PartialContent{}, err
	}

	start, logicalEnd, err := parseRange(rangeHeader, format.SizeBytes)
	if err != nil {
		return PartialContent{}, err
	}
	end := logicalEnd
	if end-start+1 > TransferUnitBytes {
		end = start + TransferUnitBytes - 1
	}

	body, _, err := s.blob.GetRange(ctx, format.ObjectKey, start, end-start+1)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return PartialContent{}, notFoundf("rendition object for video %s missing", videoID)
		}
		return PartialContent{}, storageFailure("read rendition", err)
	}

	contentType := "application/octet-stream"
	if codec, ok := codecByLabel(s.codecs, format.Codec); ok {
		contentType = codec.ContentType
	}

	go s.recordView(video, format.Resolution, viewer)

	return PartialContent{
		Body:        body,
		Start:       start,
		End:         end,
		TotalSize:   format.SizeBytes,
		ContentType: contentType,
		Resolution:  format.Resolution,
	}, nil
}

func (s *Selector) readyFormats(ctx context.Context, videoID string) (models.Video, []models.VideoFormat, error) {
	video, err := s.repo.GetVideo(ctx, videoID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Video{}, nil, notFoundf("video %s not found", videoID)
	}
	if err != nil {
		return models.Video{}, nil, storageFailure("load video", err)
	}
	if video.Status != models.VideoReady {
		return models.Video{}, nil, invalidStatef("video %s is %s, not ready", videoID, video.Status)
	}
	formats, err := s.repo.ListFormats(ctx, videoID)
	if err != nil {
		return models.Video{}, nil, storageFailure("list formats", err)
	}
	ready := formats[:0:0]
	for _, format := range formats {
		if format.Status == models.FormatReady {
			ready = append(ready, format)
		}
	}
	if len(ready) == 0 {
		return models.Video{}, nil, notFoundf("video %s has no playable formats", videoID)
	}
	return video, ready, nil
}

// SelectFormat picks the format to serve. An exact resolution match wins;
// otherwise the largest height at or below the request, falling back to the
// lowest available. With no requested resolution the highest format is served.
func SelectFormat(formats []models.VideoFormat, requestedResolution string) (models.VideoFormat, error) {
	if len(formats) == 0 {
		return models.VideoFormat{}, notFoundf("no playable formats")
	}
	sorted := make([]models.VideoFormat, len(formats))
	copy(sorted, formats)
	sort.SliceStable(sorted, func(i, j int) bool {
		return models.ResolutionHeight(sorted[i].Resolution) < models.ResolutionHeight(sorted[j].Resolution)
	})

	requested := strings.TrimSpace(requestedResolution)
	if requested == "" {
		return sorted[len(sorted)-1], nil
	}
	for _, format := range sorted {
		if strings.EqualFold(format.Resolution, requested) {
			return format, nil
		}
	}
	requestedHeight := models.ResolutionHeight(requested)
	if requestedHeight <= 0 {
		return models.VideoFormat{}, validationf("unknown resolution %q", requested)
	}
	var best models.VideoFormat
	found := false
	for _, format := range sorted {
		if models.ResolutionHeight(format.Resolution) <= requestedHeight {
			best = format
			found = true
		}
	}
	if found {
		return best, nil
	}
	return sorted[0], nil
}

// parseRange interprets a `bytes=start-end` header against an object of the
// given size. A missing header means the whole object; end is inclusive.
func parseRange(header string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, notFoundf("rendition is empty")
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, size - 1, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, validationf("unsupported range unit in %q", header)
	}
	startPart, endPart, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, validationf("malformed range %q", header)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startPart), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, validationf("malformed range start in %q", header)
	}
	if start >= size {
		return 0, 0, validationf("range start %d beyond object size %d", start, size)
	}
	end := size - 1
	if trimmed := strings.TrimSpace(endPart); trimmed != "" {
		end, err = strconv.ParseInt(trimmed, 10, 64)
		if err != nil || end < start {
			return 0, 0, validationf("malformed range end in %q", header)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return start, end, nil
}

// recordView increments the counter and publishes the view event. It runs
// detached from the stream response; failures are logged and dropped.
func (s *Selector) recordView(video models.Video, resolution string, viewer ViewerContext) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.repo.IncrementViewCount(ctx, video.ID); err != nil {
		s.logger.Warn("increment view count failed", "video_id", video.ID, "error", err)
	}
	event := models.ViewEvent{
		VideoID:    video.ID,
		ViewerID:   viewer.ViewerID,
		RemoteAddr: viewer.RemoteAddr,
		UserAgent:  viewer.UserAgent,
		Resolution: resolution,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("marshal view event failed", "video_id", video.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, bus.TopicVideoViews, video.ID, payload); err != nil {
		s.logger.Warn("publish view event failed", "video_id", video.ID, "error", err)
	}
}
