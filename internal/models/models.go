package models

import (
	"strings"
	"time"
)

// VideoStatus tracks a video through the upload and encoding pipeline.
type VideoStatus string

const (
	VideoUploading  VideoStatus = "uploading"
	VideoProcessing VideoStatus = "processing"
	VideoReady      VideoStatus = "ready"
	VideoError      VideoStatus = "error"
)

// FormatStatus tracks a single encoded rendition.
type FormatStatus string

const (
	FormatProcessing FormatStatus = "processing"
	FormatReady      FormatStatus = "ready"
	FormatError      FormatStatus = "error"
)

type Video struct {
	ID               string      `json:"id"`
	OwnerID          string      `json:"ownerId"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	OriginalFilename string      `json:"originalFilename"`
	DeclaredSize     int64       `json:"declaredSize"`
	ObjectKey        string      `json:"objectKey,omitempty"`
	DurationSeconds  int         `json:"durationSeconds,omitempty"`
	ThumbnailKey     string      `json:"thumbnailKey,omitempty"`
	Status           VideoStatus `json:"status"`
	ViewCount        int64       `json:"viewCount"`
	DownloadCount    int64       `json:"downloadCount"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// VideoFormat is one encoded rendition of a video. The (VideoID, Resolution,
// Codec) triple is unique.
type VideoFormat struct {
	ID          string       `json:"id"`
	VideoID     string       `json:"videoId"`
	Resolution  string       `json:"resolution"`
	Codec       string       `json:"codec"`
	BitrateKbps int          `json:"bitrateKbps"`
	ObjectKey   string       `json:"objectKey,omitempty"`
	SizeBytes   int64        `json:"sizeBytes,omitempty"`
	Status      FormatStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ViewEvent describes a single playback start. Events are published to the
// bus and never read back by the pipeline.
type ViewEvent struct {
	VideoID    string    `json:"videoId"`
	ViewerID   string    `json:"viewerId,omitempty"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResolutionHeight converts a resolution label such as "720p" or "4K" into a
// pixel height. Unknown labels yield zero.
func ResolutionHeight(label string) int {
	trimmed := strings.TrimSpace(label)
	if strings.EqualFold(trimmed, "4k") {
		return 2160
	}
	digits := strings.TrimRight(strings.ToLower(trimmed), "p")
	height := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0
		}
		height = height*10 + int(r-'0')
	}
	return height
}
