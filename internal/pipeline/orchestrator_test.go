package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"hflix/internal/bus"
	"hflix/internal/models"
	"hflix/internal/storage"
)

func TestDispatchFansOutLadderByCodec(t *testing.T) {
	store, err := storage.NewMemory("")
	if err != nil {
		t.Fatalf("storage.NewMemory: %v", err)
	}
	t.Cleanup(store.Close)
	broker := bus.NewMemory()
	t.Cleanup(func() { broker.Close() })

	ctx := context.Background()
	video := models.Video{
		ID:               "vid-1",
		OwnerID:          "owner-1",
		Title:            "Clip",
		OriginalFilename: "clip.mp4",
		ObjectKey:        "originals/owner-1/vid-1/clip.mp4",
		Status:           models.VideoProcessing,
	}
	if err := store.CreateVideo(ctx, video); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}

	encodeSub, err := broker.Subscribe(bus.TopicEncodeJobs, "encoders")
	if err != nil {
		t.Fatalf("Subscribe encode: %v", err)
	}
	defer encodeSub.Close()
	thumbSub, err := broker.Subscribe(bus.TopicThumbnailJobs, "thumbnailers")
	if err != nil {
		t.Fatalf("Subscribe thumbnail: %v", err)
	}
	defer thumbSub.Close()

	orchestrator := NewOrchestrator(OrchestratorConfig{
		Repository: store,
		Bus:        broker,
		Logger:     testLogger(),
	})
	if err := orchestrator.Dispatch(ctx, video); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	wantJobs := len(DefaultLadder()) * len(DefaultCodecs())
	formats, err := store.ListFormats(ctx, "vid-1")
	if err != nil {
		t.Fatalf("ListFormats: %v", err)
	}
	if len(formats) != wantJobs {
		t.Fatalf("created %d formats, want %d", len(formats), wantJobs)
	}
	for _, format := range formats {
		if format.Status != models.FormatProcessing {
			t.Fatalf("format %s/%s status = %s, want processing", format.Resolution, format.Codec, format.Status)
		}
	}

	formatIDs := make(map[string]bool, len(formats))
	for _, format := range formats {
		formatIDs[format.ID] = true
	}
	for i := 0; i < wantJobs; i++ {
		select {
		case msg := <-encodeSub.Messages():
			var job EncodeJob
			if err := json.Unmarshal(msg.Payload, &job); err != nil {
				t.Fatalf("unmarshal encode job: %v", err)
			}
			if !formatIDs[job.FormatID] {
				t.Fatalf("job references unknown format %q", job.FormatID)
			}
			if job.SourceKey != video.ObjectKey || job.VideoID != video.ID {
				t.Fatalf("unexpected job %+v", job)
			}
			_ = encodeSub.Ack(ctx, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing encode job %d of %d", i+1, wantJobs)
		}
	}

	select {
	case msg := <-thumbSub.Messages():
		var job ThumbnailJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			t.Fatalf("unmarshal thumbnail job: %v", err)
		}
		if job.VideoID != video.ID || job.SourceKey != video.ObjectKey {
			t.Fatalf("unexpected thumbnail job %+v", job)
		}
		_ = thumbSub.Ack(ctx, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("missing thumbnail job")
	}
}

func TestDispatchRequiresSourceObject(t *testing.T) {
	store, err := storage.NewMemory("")
	if err != nil {
		t.Fatalf("storage.NewMemory: %v", err)
	}
	t.Cleanup(store.Close)
	broker := bus.NewMemory()
	t.Cleanup(func() { broker.Close() })

	orchestrator := NewOrchestrator(OrchestratorConfig{
		Repository: store,
		Bus:        broker,
		Logger:     testLogger(),
	})
	err = orchestrator.Dispatch(context.Background(), models.Video{ID: "vid-1"})
	if KindOf(err) != KindInvalidState {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}
