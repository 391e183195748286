package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hflix/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
}

// Postgres is the pgx-backed Repository.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Postgres)(nil)

// NewPostgres opens a Postgres-backed repository and ensures the schema
// exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &Postgres{pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Postgres) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			original_filename TEXT NOT NULL,
			declared_size BIGINT NOT NULL,
			object_key TEXT NOT NULL DEFAULT '',
			duration_seconds INT NOT NULL DEFAULT 0,
			thumbnail_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			view_count BIGINT NOT NULL DEFAULT 0,
			download_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS video_formats (
			id TEXT PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
			resolution TEXT NOT NULL,
			codec TEXT NOT NULL,
			bitrate_kbps INT NOT NULL,
			object_key TEXT NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (video_id, resolution, codec)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_videos_owner ON videos(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_formats_video ON video_formats(video_id)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Postgres) Close() {
	r.pool.Close()
}

const videoColumns = `id, owner_id, title, description, original_filename, declared_size,
	object_key, duration_seconds, thumbnail_key, status, view_count, download_count,
	created_at, updated_at`

func scanVideo(row pgx.Row) (models.Video, error) {
	var v models.Video
	var status string
	err := row.Scan(&v.ID, &v.OwnerID, &v.Title, &v.Description, &v.OriginalFilename,
		&v.DeclaredSize, &v.ObjectKey, &v.DurationSeconds, &v.ThumbnailKey, &status,
		&v.ViewCount, &v.DownloadCount, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return models.Video{}, err
	}
	v.Status = models.VideoStatus(status)
	return v, nil
}

func (r *Postgres) CreateVideo(ctx context.Context, video models.Video) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO videos (`+videoColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		video.ID, video.OwnerID, video.Title, video.Description, video.OriginalFilename,
		video.DeclaredSize, video.ObjectKey, video.DurationSeconds, video.ThumbnailKey,
		string(video.Status), video.ViewCount, video.DownloadCount, video.CreatedAt, video.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert video %s: %w", video.ID, err)
	}
	return nil
}

func (r *Postgres) GetVideo(ctx context.Context, id string) (models.Video, error) {
	video, err := scanVideo(r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("select video %s: %w", id, err)
	}
	return video, nil
}

func (r *Postgres) ListVideos(ctx context.Context, ownerID string) ([]models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos ORDER BY created_at`
	args := []any{}
	if ownerID != "" {
		query = `SELECT ` + videoColumns + ` FROM videos WHERE owner_id = $1 ORDER BY created_at`
		args = append(args, ownerID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()
	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, video)
	}
	return videos, rows.Err()
}

func (r *Postgres) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	sets := make([]string, 0, 6)
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return models.Video{}, errors.New("title cannot be empty")
		}
		add("title", title)
	}
	if update.Description != nil {
		add("description", strings.TrimSpace(*update.Description))
	}
	if update.ObjectKey != nil {
		add("object_key", *update.ObjectKey)
	}
	if update.DurationSeconds != nil {
		add("duration_seconds", *update.DurationSeconds)
	}
	if update.ThumbnailKey != nil {
		add("thumbnail_key", *update.ThumbnailKey)
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if len(sets) == 0 {
		return r.GetVideo(ctx, id)
	}
	add("updated_at", time.Now().UTC())
	query := `UPDATE videos SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + videoColumns
	video, err := scanVideo(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("update video %s: %w", id, err)
	}
	return video, nil
}

func (r *Postgres) DeleteVideo(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Postgres) TransitionVideo(ctx context.Context, id string, from, to models.VideoStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE videos SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("transition video %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetVideo(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Postgres) MarkVideoReadyIfComplete(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE videos SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
		AND EXISTS (SELECT 1 FROM video_formats WHERE video_id = $1)
		AND NOT EXISTS (SELECT 1 FROM video_formats WHERE video_id = $1 AND status <> $5)`,
		id, string(models.VideoReady), time.Now().UTC(),
		string(models.VideoProcessing), string(models.FormatReady))
	if err != nil {
		return false, fmt.Errorf("mark video %s ready: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetVideo(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Postgres) IncrementViewCount(ctx context.Context, id string) (int64, error) {
	return r.incrementCounter(ctx, id, "view_count")
}

func (r *Postgres) IncrementDownloadCount(ctx context.Context, id string) (int64, error) {
	return r.incrementCounter(ctx, id, "download_count")
}

func (r *Postgres) incrementCounter(ctx context.Context, id, column string) (int64, error) {
	var count int64
	query := fmt.Sprintf(`UPDATE videos SET %s = %s + 1, updated_at = $2 WHERE id = $1 RETURNING %s`, column, column, column)
	err := r.pool.QueryRow(ctx, query, id, time.Now().UTC()).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment %s for video %s: %w", column, id, err)
	}
	return count, nil
}

const formatColumns = `id, video_id, resolution, codec, bitrate_kbps, object_key, size_bytes, status, created_at`

func scanFormat(row pgx.Row) (models.VideoFormat, error) {
	var f models.VideoFormat
	var status string
	err := row.Scan(&f.ID, &f.VideoID, &f.Resolution, &f.Codec, &f.BitrateKbps,
		&f.ObjectKey, &f.SizeBytes, &status, &f.CreatedAt)
	if err != nil {
		return models.VideoFormat{}, err
	}
	f.Status = models.FormatStatus(status)
	return f, nil
}

func (r *Postgres) CreateFormats(ctx context.Context, formats []models.VideoFormat) error {
	if len(formats) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin formats tx: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, format := range formats {
		_, err := tx.Exec(ctx, `INSERT INTO video_formats (`+formatColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			format.ID, format.VideoID, format.Resolution, format.Codec, format.BitrateKbps,
			format.ObjectKey, format.SizeBytes, string(format.Status), format.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert format %s: %w", format.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Postgres) GetFormat(ctx context.Context, id string) (models.VideoFormat, error) {
	format, err := scanFormat(r.pool.QueryRow(ctx, `SELECT `+formatColumns+` FROM video_formats WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VideoFormat{}, fmt.Errorf("format %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.VideoFormat{}, fmt.Errorf("select format %s: %w", id, err)
	}
	return format, nil
}

func (r *Postgres) ListFormats(ctx context.Context, videoID string) ([]models.VideoFormat, error) {
	if _, err := r.GetVideo(ctx, videoID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+formatColumns+` FROM video_formats WHERE video_id = $1 ORDER BY resolution, codec`, videoID)
	if err != nil {
		return nil, fmt.Errorf("list formats for %s: %w", videoID, err)
	}
	defer rows.Close()
	formats := make([]models.VideoFormat, 0)
	for rows.Next() {
		format, err := scanFormat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan format: %w", err)
		}
		formats = append(formats, format)
	}
	return formats, rows.Err()
}

func (r *Postgres) UpdateFormat(ctx context.Context, id string, update FormatUpdate) (models.VideoFormat, error) {
	sets := make([]string, 0, 3)
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.ObjectKey != nil {
		add("object_key", *update.ObjectKey)
	}
	if update.SizeBytes != nil {
		add("size_bytes", *update.SizeBytes)
	}
	if len(sets) == 0 {
		return r.GetFormat(ctx, id)
	}
	query := `UPDATE video_formats SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + formatColumns
	format, err := scanFormat(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VideoFormat{}, fmt.Errorf("format %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.VideoFormat{}, fmt.Errorf("update format %s: %w", id, err)
	}
	return format, nil
}
