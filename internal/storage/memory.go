package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hflix/internal/models"
)

type dataset struct {
	Videos  map[string]models.Video       `json:"videos"`
	Formats map[string]models.VideoFormat `json:"formats"`
}

// Memory is a mutex-guarded in-process Repository. When a file path is
// provided every mutation is persisted as indented JSON via an atomic
// temp-file rename, so a restarted process resumes with the same metadata.
type Memory struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

var _ Repository = (*Memory)(nil)

func newDataset() dataset {
	return dataset{
		Videos:  make(map[string]models.Video),
		Formats: make(map[string]models.VideoFormat),
	}
}

// NewMemory opens the datastore. An empty path keeps everything in memory.
func NewMemory(path string) (*Memory, error) {
	store := &Memory{filePath: strings.TrimSpace(path)}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Memory) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		s.data = newDataset()
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
	if s.data.Formats == nil {
		s.data.Formats = make(map[string]models.VideoFormat)
	}
	return nil
}

func (s *Memory) persist() error {
	return s.persistDataset(s.data)
}

func (s *Memory) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, video := range src.Videos {
		clone.Videos[id] = video
	}
	for id, format := range src.Formats {
		clone.Formats[id] = format
	}
	return clone
}

func (s *Memory) Ping(ctx context.Context) error {
	return nil
}

func (s *Memory) Close() {}

func (s *Memory) CreateVideo(ctx context.Context, video models.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(video.ID) == "" {
		return errors.New("video id is required")
	}
	if _, exists := s.data.Videos[video.ID]; exists {
		return fmt.Errorf("video %s already exists", video.ID)
	}

	s.data.Videos[video.ID] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, video.ID)
		return err
	}
	return nil
}

func (s *Memory) GetVideo(ctx context.Context, id string) (models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return video, nil
}

func (s *Memory) ListVideos(ctx context.Context, ownerID string) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		if ownerID != "" && video.OwnerID != ownerID {
			continue
		}
		videos = append(videos, video)
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].CreatedAt.Before(videos[j].CreatedAt)
	})
	return videos, nil
}

func (s *Memory) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	video, ok := updatedData.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}

	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return models.Video{}, errors.New("title cannot be empty")
		}
		video.Title = title
	}
	if update.Description != nil {
		video.Description = strings.TrimSpace(*update.Description)
	}
	if update.ObjectKey != nil {
		video.ObjectKey = *update.ObjectKey
	}
	if update.DurationSeconds != nil {
		video.DurationSeconds = *update.DurationSeconds
	}
	if update.ThumbnailKey != nil {
		video.ThumbnailKey = *update.ThumbnailKey
	}
	if update.Status != nil {
		video.Status = *update.Status
	}
	video.UpdatedAt = time.Now().UTC()

	updatedData.Videos[id] = video
	if err := s.persistDataset(updatedData); err != nil {
		return models.Video{}, err
	}
	s.data = updatedData
	return video, nil
}

func (s *Memory) DeleteVideo(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	if _, ok := updatedData.Videos[id]; !ok {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	delete(updatedData.Videos, id)
	for formatID, format := range updatedData.Formats {
		if format.VideoID == id {
			delete(updatedData.Formats, formatID)
		}
	}
	if err := s.persistDataset(updatedData); err != nil {
		return err
	}
	s.data = updatedData
	return nil
}

func (s *Memory) TransitionVideo(ctx context.Context, id string, from, to models.VideoStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return false, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if video.Status != from {
		return false, nil
	}
	previous := video
	video.Status = to
	video.UpdatedAt = time.Now().UTC()
	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = previous
		return false, err
	}
	return true, nil
}

func (s *Memory) MarkVideoReadyIfComplete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return false, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if video.Status != models.VideoProcessing {
		return false, nil
	}
	total := 0
	ready := 0
	for _, format := range s.data.Formats {
		if format.VideoID != id {
			continue
		}
		total++
		if format.Status == models.FormatReady {
			ready++
		}
	}
	if total == 0 || ready != total {
		return false, nil
	}
	previous := video
	video.Status = models.VideoReady
	video.UpdatedAt = time.Now().UTC()
	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = previous
		return false, err
	}
	return true, nil
}

func (s *Memory) IncrementViewCount(ctx context.Context, id string) (int64, error) {
	return s.incrementCounter(id, func(video *models.Video) *int64 { return &video.ViewCount })
}

func (s *Memory) IncrementDownloadCount(ctx context.Context, id string) (int64, error) {
	return s.incrementCounter(id, func(video *models.Video) *int64 { return &video.DownloadCount })
}

func (s *Memory) incrementCounter(id string, field func(*models.Video) *int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return 0, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	previous := video
	*field(&video) = *field(&video) + 1
	video.UpdatedAt = time.Now().UTC()
	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = previous
		return 0, err
	}
	return *field(&video), nil
}

func (s *Memory) CreateFormats(ctx context.Context, formats []models.VideoFormat) error {
	if len(formats) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	for _, format := range formats {
		if strings.TrimSpace(format.ID) == "" {
			return errors.New("format id is required")
		}
		if _, ok := updatedData.Videos[format.VideoID]; !ok {
			return fmt.Errorf("video %s: %w", format.VideoID, ErrNotFound)
		}
		for _, existing := range updatedData.Formats {
			if existing.VideoID == format.VideoID &&
				existing.Resolution == format.Resolution &&
				existing.Codec == format.Codec {
				return fmt.Errorf("format %s/%s already exists for video %s", format.Resolution, format.Codec, format.VideoID)
			}
		}
		updatedData.Formats[format.ID] = format
	}
	if err := s.persistDataset(updatedData); err != nil {
		return err
	}
	s.data = updatedData
	return nil
}

func (s *Memory) GetFormat(ctx context.Context, id string) (models.VideoFormat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	format, ok := s.data.Formats[id]
	if !ok {
		return models.VideoFormat{}, fmt.Errorf("format %s: %w", id, ErrNotFound)
	}
	return format, nil
}

func (s *Memory) ListFormats(ctx context.Context, videoID string) ([]models.VideoFormat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Videos[videoID]; !ok {
		return nil, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}
	formats := make([]models.VideoFormat, 0)
	for _, format := range s.data.Formats {
		if format.VideoID == videoID {
			formats = append(formats, format)
		}
	}
	sort.Slice(formats, func(i, j int) bool {
		hi := models.ResolutionHeight(formats[i].Resolution)
		hj := models.ResolutionHeight(formats[j].Resolution)
		if hi == hj {
			return formats[i].Codec < formats[j].Codec
		}
		return hi < hj
	})
	return formats, nil
}

func (s *Memory) UpdateFormat(ctx context.Context, id string, update FormatUpdate) (models.VideoFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	format, ok := updatedData.Formats[id]
	if !ok {
		return models.VideoFormat{}, fmt.Errorf("format %s: %w", id, ErrNotFound)
	}
	if update.Status != nil {
		format.Status = *update.Status
	}
	if update.ObjectKey != nil {
		format.ObjectKey = *update.ObjectKey
	}
	if update.SizeBytes != nil {
		format.SizeBytes = *update.SizeBytes
	}
	updatedData.Formats[id] = format
	if err := s.persistDataset(updatedData); err != nil {
		return models.VideoFormat{}, err
	}
	s.data = updatedData
	return format, nil
}
