package storage

import (
	"context"
	"errors"

	"hflix/internal/models"
)

// ErrNotFound is returned when a video or format row does not exist.
var ErrNotFound = errors.New("not found")

// VideoUpdate represents the fields that can be modified on a video row.
type VideoUpdate struct {
	Title           *string
	Description     *string
	ObjectKey       *string
	DurationSeconds *int
	ThumbnailKey    *string
	Status          *models.VideoStatus
}

// FormatUpdate represents the fields that can be modified on a format row.
type FormatUpdate struct {
	Status    *models.FormatStatus
	ObjectKey *string
	SizeBytes *int64
}

// Repository exposes the metadata operations required by the pipeline.
//
// TransitionVideo and MarkVideoReadyIfComplete are conditional: they report
// whether this call performed the transition, so concurrent callers can
// settle who owns a state change without an external lock.
type Repository interface {
	Ping(ctx context.Context) error
	Close()

	CreateVideo(ctx context.Context, video models.Video) error
	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideos(ctx context.Context, ownerID string) ([]models.Video, error)
	UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error)
	DeleteVideo(ctx context.Context, id string) error
	TransitionVideo(ctx context.Context, id string, from, to models.VideoStatus) (bool, error)
	// MarkVideoReadyIfComplete moves processing→ready only when every format
	// of the video is ready and at least one format exists.
	MarkVideoReadyIfComplete(ctx context.Context, id string) (bool, error)
	IncrementViewCount(ctx context.Context, id string) (int64, error)
	IncrementDownloadCount(ctx context.Context, id string) (int64, error)

	CreateFormats(ctx context.Context, formats []models.VideoFormat) error
	GetFormat(ctx context.Context, id string) (models.VideoFormat, error)
	ListFormats(ctx context.Context, videoID string) ([]models.VideoFormat, error)
	UpdateFormat(ctx context.Context, id string, update FormatUpdate) (models.VideoFormat, error)
}
