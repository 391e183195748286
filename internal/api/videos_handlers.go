package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"hflix/internal/models"
	"hflix/internal/observability/logging"
	"hflix/internal/pipeline"
)

type initializeUploadRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type videoResponse struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"ownerId"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	OriginalFilename string           `json:"originalFilename"`
	SizeBytes        int64            `json:"sizeBytes"`
	DurationSeconds  int              `json:"durationSeconds,omitempty"`
	Status           string           `json:"status"`
	ViewCount        int64            `json:"viewCount"`
	DownloadCount    int64            `json:"downloadCount"`
	CreatedAt        string           `json:"createdAt"`
	UpdatedAt        string           `json:"updatedAt"`
	Formats          []formatResponse `json:"formats,omitempty"`
}

type formatResponse struct {
	ID          string `json:"id"`
	Resolution  string `json:"resolution"`
	Codec       string `json:"codec"`
	BitrateKbps int    `json:"bitrateKbps"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
	Status      string `json:"status"`
}

func newVideoResponse(video models.Video, formats []models.VideoFormat) videoResponse {
	resp := videoResponse{
		ID:               video.ID,
		OwnerID:          video.OwnerID,
		Title:            video.Title,
		Description:      video.Description,
		OriginalFilename: video.OriginalFilename,
		SizeBytes:        video.DeclaredSize,
		DurationSeconds:  video.DurationSeconds,
		Status:           string(video.Status),
		ViewCount:        video.ViewCount,
		DownloadCount:    video.DownloadCount,
		CreatedAt:        video.CreatedAt.Format(timeFormat),
		UpdatedAt:        video.UpdatedAt.Format(timeFormat),
	}
	for _, format := range formats {
		resp.Formats = append(resp.Formats, formatResponse{
			ID:          format.ID,
			Resolution:  format.Resolution,
			Codec:       format.Codec,
			BitrateKbps: format.BitrateKbps,
			SizeBytes:   format.SizeBytes,
			Status:      string(format.Status),
		})
	}
	return resp
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// Videos handles the collection endpoint: POST initializes an upload, GET
// lists the caller's videos.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, errOwnerRequired)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req initializeUploadRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		descriptor, err := h.Pipeline.InitializeUpload(r.Context(), pipeline.InitializeParams{
			OwnerID:      owner,
			Title:        req.Title,
			Description:  req.Description,
			Filename:     req.Filename,
			DeclaredSize: req.SizeBytes,
		})
		if err != nil {
			h.writePipelineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"videoId":       descriptor.VideoID,
			"chunkEndpoint": fmt.Sprintf("/api/videos/%s/chunks/{chunkNumber}", descriptor.VideoID),
			"maxChunkSize":  descriptor.ChunkSize,
			"totalChunks":   descriptor.TotalChunks,
			"resumable":     true,
		})
	case http.MethodGet:
		videos, err := h.Pipeline.ListVideos(r.Context(), owner)
		if err != nil {
			h.writePipelineError(w, r, err)
			return
		}
		responses := make([]videoResponse, 0, len(videos))
		for _, video := range videos {
			responses = append(responses, newVideoResponse(video, nil))
		}
		writeJSON(w, http.StatusOK, responses)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// VideoByID dispatches the per-video endpoints:
//
//	GET  /api/videos/{id}
//	PUT  /api/videos/{id}/chunks/{index}
//	POST /api/videos/{id}/complete
//	GET  /api/videos/{id}/stream-info
//	GET  /api/videos/{id}/stream
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/")
	segments := strings.Split(rest, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("video id is required"))
		return
	}
	videoID := segments[0]
	ctx := logging.ContextWithVideoID(r.Context(), videoID)
	r = r.WithContext(ctx)

	switch {
	case len(segments) == 1:
		h.videoDetails(w, r, videoID)
	case len(segments) == 3 && segments[1] == "chunks":
		h.uploadChunk(w, r, videoID, segments[2])
	case len(segments) == 2 && segments[1] == "complete":
		h.completeUpload(w, r, videoID)
	case len(segments) == 2 && segments[1] == "stream-info":
		h.streamInfo(w, r, videoID)
	case len(segments) == 2 && segments[1] == "stream":
		h.stream(w, r, videoID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown video endpoint"))
	}
}

func (h *Handler) videoDetails(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	video, formats, err := h.Pipeline.GetVideo(r.Context(), videoID)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newVideoResponse(video, formats))
}

func (h *Handler) uploadChunk(w http.ResponseWriter, r *http.Request, videoID, indexSegment string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, errOwnerRequired)
		return
	}
	index, err := strconv.Atoi(indexSegment)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk index %q", indexSegment))
		return
	}
	totalChunks := 0
	if raw := r.URL.Query().Get("totalChunks"); raw != "" {
		totalChunks, err = strconv.Atoi(raw)
		if err != nil || totalChunks <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid totalChunks %q", raw))
			return
		}
	}
	defer r.Body.Close()
	ack, err := h.Pipeline.UploadChunk(r.Context(), videoID, owner, index, totalChunks, r.Body)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	owner := ownerID(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, errOwnerRequired)
		return
	}
	video, err := h.Pipeline.CompleteUpload(r.Context(), videoID, owner)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newVideoResponse(video, nil))
}

func (h *Handler) streamInfo(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	info, err := h.Pipeline.GetStreamInfo(r.Context(), videoID)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	resp := newVideoResponse(info.Video, info.Formats)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"video":        resp,
		"thumbnailUrl": info.ThumbnailURL,
	})
}

// stream serves at most one transfer unit per request; clients follow the
// Content-Range header to fetch the rest.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	viewer := pipeline.ViewerContext{
		ViewerID:   ownerID(r),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	content, err := h.Pipeline.StreamVideo(r.Context(), videoID, r.URL.Query().Get("resolution"), r.Header.Get("Range"), viewer)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	defer content.Body.Close()

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", content.Start, content.End, content.TotalSize))
	w.Header().Set("Content-Length", strconv.FormatInt(content.End-content.Start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, content.Body); err != nil {
		h.Logger.Debug("stream copy aborted", "video_id", videoID, "error", err)
	}
}
