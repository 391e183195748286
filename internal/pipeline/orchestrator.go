package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hflix/internal/bus"
	"hflix/internal/models"
	"hflix/internal/storage"
)

// Orchestrator fans a freshly uploaded video out into one encode job per
// ladder rung and codec, plus a single thumbnail job.
type Orchestrator struct {
	repo   storage.Repository
	bus    bus.Bus
	ladder []Rung
	codecs []Codec
	logger *slog.Logger
}

// OrchestratorConfig configures the fan-out. Ladder and Codecs default to the
// built-in tables when empty.
type OrchestratorConfig struct {
	Repository storage.Repository
	Bus        bus.Bus
	Ladder     []Rung
	Codecs     []Codec
	Logger     *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	codecs := cfg.Codecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:   cfg.Repository,
		bus:    cfg.Bus,
		ladder: ladder,
		codecs: codecs,
		logger: logger,
	}
}

// Dispatch records a pending format row for every rung and codec combination
// and publishes the matching encode jobs. A thumbnail job rides along on its
// own topic. When format rows already exist the rows are reused instead of
// duplicated, so a completion retried after a failed publish republishes the
// outstanding jobs.
func (o *Orchestrator) Dispatch(ctx context.Context, video models.Video) error {
	if video.ObjectKey == "" {
		return invalidStatef("video %s has no source object", video.ID)
	}

	existing, err := o.repo.ListFormats(ctx, video.ID)
	if err != nil {
		return storageFailure("list formats", err)
	}

	var jobs []EncodeJob
	if len(existing) > 0 {
		for _, format := range existing {
			if format.Status != models.FormatProcessing {
				continue
			}
			rung, ok := rungByLabel(o.ladder, format.Resolution)
			if !ok {
				o.logger.Warn("format resolution not in ladder", "video_id", video.ID, "resolution", format.Resolution)
				continue
			}
			jobs = append(jobs, EncodeJob{
				VideoID:     video.ID,
				FormatID:    format.ID,
				OwnerID:     video.OwnerID,
				SourceKey:   video.ObjectKey,
				Filename:    video.OriginalFilename,
				Resolution:  format.Resolution,
				Height:      rung.Height,
				BitrateKbps: format.BitrateKbps,
				Codec:       format.Codec,
			})
		}
	} else {
		now := time.Now().UTC()
		formats := make([]models.VideoFormat, 0, len(o.ladder)*len(o.codecs))
		jobs = make([]EncodeJob, 0, cap(formats))
		for _, rung := range o.ladder {
			for _, codec := range o.codecs {
				format := models.VideoFormat{
					ID:          uuid.NewString(),
					VideoID:     video.ID,
					Resolution:  rung.Label,
					Codec:       codec.Label,
					BitrateKbps: rung.BitrateKbps,
					Status:      models.FormatProcessing,
					CreatedAt:   now,
				}
				formats = append(formats, format)
				jobs = append(jobs, EncodeJob{
					VideoID:     video.ID,
					FormatID:    format.ID,
					OwnerID:     video.OwnerID,
					SourceKey:   video.ObjectKey,
					Filename:    video.OriginalFilename,
					Resolution:  rung.Label,
					Height:      rung.Height,
					BitrateKbps: rung.BitrateKbps,
					Codec:       codec.Label,
				})
			}
		}
		if err := o.repo.CreateFormats(ctx, formats); err != nil {
			return storageFailure("create formats", err)
		}
	}

	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal encode job: %w", err)
		}
		if err := o.bus.Publish(ctx, bus.TopicEncodeJobs, video.ID, payload); err != nil {
			return storageFailure("publish encode job", err)
		}
	}

	thumb := ThumbnailJob{VideoID: video.ID, OwnerID: video.OwnerID, SourceKey: video.ObjectKey}
	payload, err := json.Marshal(thumb)
	if err != nil {
		return fmt.Errorf("marshal thumbnail job: %w", err)
	}
	if err := o.bus.Publish(ctx, bus.TopicThumbnailJobs, video.ID, payload); err != nil {
		return storageFailure("publish thumbnail job", err)
	}

	o.logger.Info("encode jobs dispatched", "video_id", video.ID, "formats", len(jobs))
	return nil
}
