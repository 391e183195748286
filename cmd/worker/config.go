package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"hflix/internal/blob"
	"hflix/internal/bus"
	"hflix/internal/observability/logging"
	"hflix/internal/pipeline"
	"hflix/internal/storage"
)

type config struct {
	LogLevel  string
	LogFormat string

	StorageDriver string
	DataPath      string
	PostgresPool  storage.PostgresConfig

	BlobDriver string
	Minio      blob.MinioConfig

	BusDriver string
	Redis     bus.RedisConfig

	FFmpegPath        string
	FFprobePath       string
	EncodeDeadline    time.Duration
	ThumbnailDeadline time.Duration
	Concurrency       int
	WorkDir           string
	ShutdownGrace     time.Duration

	Codecs []pipeline.Codec
}

func parseFlags() config {
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	storageDriver := flag.String("storage-driver", "", "metadata store driver (memory or postgres)")
	dataPath := flag.String("data", "", "path to the JSON snapshot for the memory store")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")

	blobDriver := flag.String("blob-driver", "", "object store driver (memory or minio)")
	minioEndpoint := flag.String("minio-endpoint", "", "MinIO endpoint (e.g. http://127.0.0.1:9000)")
	minioAccessKey := flag.String("minio-access-key", "", "MinIO access key")
	minioSecretKey := flag.String("minio-secret-key", "", "MinIO secret key")
	minioBucket := flag.String("minio-bucket", "", "MinIO bucket for video objects")
	minioRegion := flag.String("minio-region", "", "MinIO region")
	minioUseSSL := flag.Bool("minio-use-ssl", false, "enable TLS for MinIO requests")

	busDriver := flag.String("bus-driver", "", "job bus driver (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the job bus")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the job bus")
	redisUsername := flag.String("redis-username", "", "Redis username for the job bus")
	redisPassword := flag.String("redis-password", "", "Redis password for the job bus")
	redisPrefix := flag.String("redis-prefix", "", "key prefix for job bus streams")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name for the job bus")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections for the job bus")
	redisConsumer := flag.String("redis-consumer", "", "stable consumer name within job bus groups (defaults to hostname)")
	redisClaimMinIdle := flag.Duration("redis-claim-min-idle", 0, "how long a pending job may idle before another worker claims it")

	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	encodeDeadline := flag.Duration("encode-deadline", 0, "hard deadline for a single encode before the process is killed")
	thumbnailDeadline := flag.Duration("thumbnail-deadline", 0, "hard deadline for probing and thumbnail capture")
	concurrency := flag.Int("concurrency", 0, "simultaneous ffmpeg processes")
	workDir := flag.String("work-dir", "", "directory for transcode scratch files")
	shutdownGrace := flag.Duration("shutdown-grace", 0, "how long to wait for running encodes on shutdown")
	codecsFlag := flag.String("codecs", "", "codec labels to encode (subset of H.264, H.265, VP9)")
	flag.Parse()

	cfg := config{
		LogLevel:  firstNonEmpty(*logLevel, os.Getenv("HFLIX_LOG_LEVEL")),
		LogFormat: firstNonEmpty(*logFormat, os.Getenv("HFLIX_LOG_FORMAT")),

		StorageDriver: strings.ToLower(firstNonEmpty(*storageDriver, os.Getenv("HFLIX_STORAGE_DRIVER"), "memory")),
		DataPath:      firstNonEmpty(*dataPath, os.Getenv("HFLIX_DATA")),

		BlobDriver: strings.ToLower(firstNonEmpty(*blobDriver, os.Getenv("HFLIX_BLOB_DRIVER"), "memory")),
		Minio: blob.MinioConfig{
			Endpoint:  firstNonEmpty(*minioEndpoint, os.Getenv("HFLIX_MINIO_ENDPOINT")),
			AccessKey: firstNonEmpty(*minioAccessKey, os.Getenv("HFLIX_MINIO_ACCESS_KEY")),
			SecretKey: firstNonEmpty(*minioSecretKey, os.Getenv("HFLIX_MINIO_SECRET_KEY")),
			Bucket:    firstNonEmpty(*minioBucket, os.Getenv("HFLIX_MINIO_BUCKET")),
			Region:    firstNonEmpty(*minioRegion, os.Getenv("HFLIX_MINIO_REGION")),
			UseSSL:    resolveBool(*minioUseSSL, "HFLIX_MINIO_USE_SSL"),
		},

		BusDriver: strings.ToLower(firstNonEmpty(*busDriver, os.Getenv("HFLIX_BUS_DRIVER"), "memory")),
		Redis: bus.RedisConfig{
			Addr:       firstNonEmpty(*redisAddr, os.Getenv("HFLIX_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("HFLIX_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*redisUsername, os.Getenv("HFLIX_REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, os.Getenv("HFLIX_REDIS_PASSWORD")),
			Prefix:     firstNonEmpty(*redisPrefix, os.Getenv("HFLIX_REDIS_PREFIX")),
			MasterName: firstNonEmpty(*redisMasterName, os.Getenv("HFLIX_REDIS_SENTINEL_MASTER")),
			PoolSize:   resolveInt(*redisPoolSize, "HFLIX_REDIS_POOL_SIZE"),
			Consumer:   firstNonEmpty(*redisConsumer, os.Getenv("HFLIX_REDIS_CONSUMER")),
		},

		FFmpegPath:        firstNonEmpty(*ffmpegPath, os.Getenv("HFLIX_FFMPEG")),
		FFprobePath:       firstNonEmpty(*ffprobePath, os.Getenv("HFLIX_FFPROBE")),
		EncodeDeadline:    resolveDuration(*encodeDeadline, "HFLIX_ENCODE_DEADLINE", 0),
		ThumbnailDeadline: resolveDuration(*thumbnailDeadline, "HFLIX_THUMBNAIL_DEADLINE", 0),
		Concurrency:       resolveInt(*concurrency, "HFLIX_ENCODE_CONCURRENCY"),
		WorkDir:           firstNonEmpty(*workDir, os.Getenv("HFLIX_WORK_DIR")),
		ShutdownGrace:     resolveDuration(*shutdownGrace, "HFLIX_SHUTDOWN_GRACE", 30*time.Second),
	}

	cfg.PostgresPool = storage.PostgresConfig{
		DSN: firstNonEmpty(*postgresDSN, os.Getenv("HFLIX_POSTGRES_DSN")),
	}
	cfg.Codecs = parseCodecs(firstNonEmpty(*codecsFlag, os.Getenv("HFLIX_CODECS")))
	cfg.Redis.ClaimMinIdle = resolveDuration(*redisClaimMinIdle, "HFLIX_REDIS_CLAIM_MIN_IDLE", 0)
	return cfg
}

func parseCodecs(raw string) []pipeline.Codec {
	labels := splitAndTrim(raw)
	if len(labels) == 0 {
		return nil
	}
	var codecs []pipeline.Codec
	for _, label := range labels {
		for _, codec := range pipeline.DefaultCodecs() {
			if strings.EqualFold(codec.Label, label) {
				codecs = append(codecs, codec)
				break
			}
		}
	}
	return codecs
}

type dependencies struct {
	Repository storage.Repository
	Blob       blob.Store
	Bus        bus.Bus
}

func buildDependencies(ctx context.Context, cfg config, logger *slog.Logger) (*dependencies, error) {
	deps := &dependencies{}

	switch cfg.StorageDriver {
	case "memory":
		repo, err := storage.NewMemory(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		deps.Repository = repo
	case "postgres":
		repo, err := storage.NewPostgres(ctx, cfg.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		deps.Repository = repo
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	switch cfg.BlobDriver {
	case "memory":
		deps.Blob = blob.NewMemory()
	case "minio":
		store, err := blob.NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("open minio store: %w", err)
		}
		deps.Blob = store
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", cfg.BlobDriver)
	}

	switch cfg.BusDriver {
	case "memory":
		deps.Bus = bus.NewMemory()
	case "redis":
		redisCfg := cfg.Redis
		redisCfg.Logger = logging.WithComponent(logger, "bus")
		if redisCfg.ClaimMinIdle <= 0 {
			// Encode jobs stay pending for the whole encode; claiming any
			// sooner would hand running work to a second worker.
			deadline := cfg.EncodeDeadline
			if deadline <= 0 {
				deadline = 6 * time.Hour
			}
			redisCfg.ClaimMinIdle = deadline + 10*time.Minute
		}
		transport, err := bus.NewRedis(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("open redis bus: %w", err)
		}
		deps.Bus = transport
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.BusDriver)
	}

	return deps, nil
}

func (d *dependencies) Close() {
	if d.Bus != nil {
		d.Bus.Close()
	}
	if d.Repository != nil {
		d.Repository.Close()
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return flagValue
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseBool(env); err == nil {
			return value
		}
	}
	return flagValue
}
