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

	"github.com/redis/go-redis/v9"

	"hflix/internal/blob"
	"hflix/internal/bus"
	"hflix/internal/observability/logging"
	"hflix/internal/pipeline"
	"hflix/internal/server"
	"hflix/internal/storage"
)

type config struct {
	Addr      string
	LogLevel  string
	LogFormat string
	TLSCert   string
	TLSKey    string

	StorageDriver string
	DataPath      string
	PostgresDSN   string
	PostgresPool  storage.PostgresConfig

	BlobDriver string
	Minio      blob.MinioConfig

	BusDriver string
	Redis     bus.RedisConfig

	SessionStore string
	SessionTTL   time.Duration
	ReapInterval time.Duration
	ScratchDir   string

	RateLimit     server.RateLimitConfig
	PlayerOrigins []string

	Ladder []pipeline.Rung
	Codecs []pipeline.Codec
}

func parseFlags() config {
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")

	storageDriver := flag.String("storage-driver", "", "metadata store driver (memory or postgres)")
	dataPath := flag.String("data", "", "path to the JSON snapshot for the memory store")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")

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

	sessionStore := flag.String("session-store", "", "upload session store driver (memory or redis)")
	sessionTTL := flag.Duration("session-ttl", 0, "idle lifetime of an upload session before it is reaped")
	reapInterval := flag.Duration("session-reap-interval", 0, "how often expired upload sessions are swept")
	scratchDir := flag.String("scratch-dir", "", "directory for in-flight upload chunks")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum upload initializations per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting upload initializations")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed upload throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")

	playerOrigins := flag.String("player-origins", "", "comma separated origins allowed to call the API cross-origin")
	ladderFlag := flag.String("ladder", "", "encoding ladder as label:height:bitrateKbps entries separated by commas")
	codecsFlag := flag.String("codecs", "", "codec labels to encode (subset of H.264, H.265, VP9)")
	flag.Parse()

	cfg := config{
		Addr:      firstNonEmpty(*addr, os.Getenv("HFLIX_ADDR"), ":8080"),
		LogLevel:  firstNonEmpty(*logLevel, os.Getenv("HFLIX_LOG_LEVEL")),
		LogFormat: firstNonEmpty(*logFormat, os.Getenv("HFLIX_LOG_FORMAT")),
		TLSCert:   firstNonEmpty(*tlsCert, os.Getenv("HFLIX_TLS_CERT")),
		TLSKey:    firstNonEmpty(*tlsKey, os.Getenv("HFLIX_TLS_KEY")),

		StorageDriver: strings.ToLower(firstNonEmpty(*storageDriver, os.Getenv("HFLIX_STORAGE_DRIVER"), "memory")),
		DataPath:      firstNonEmpty(*dataPath, os.Getenv("HFLIX_DATA")),
		PostgresDSN:   firstNonEmpty(*postgresDSN, os.Getenv("HFLIX_POSTGRES_DSN")),

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
		},

		SessionStore: strings.ToLower(firstNonEmpty(*sessionStore, os.Getenv("HFLIX_SESSION_STORE"), "memory")),
		SessionTTL:   resolveDuration(*sessionTTL, "HFLIX_SESSION_TTL", 0),
		ReapInterval: resolveDuration(*reapInterval, "HFLIX_SESSION_REAP_INTERVAL", 0),
		ScratchDir:   firstNonEmpty(*scratchDir, os.Getenv("HFLIX_SCRATCH_DIR")),

		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "HFLIX_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "HFLIX_RATE_GLOBAL_BURST"),
			UploadLimit:   resolveInt(*uploadLimit, "HFLIX_RATE_UPLOAD_LIMIT"),
			UploadWindow:  resolveDuration(*uploadWindow, "HFLIX_RATE_UPLOAD_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("HFLIX_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("HFLIX_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "HFLIX_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		PlayerOrigins: splitAndTrim(firstNonEmpty(*playerOrigins, os.Getenv("HFLIX_PLAYER_ORIGINS"))),
	}

	cfg.PostgresPool = storage.PostgresConfig{
		DSN:                 cfg.PostgresDSN,
		MaxConnections:      int32(resolveInt(*postgresMaxConns, "HFLIX_POSTGRES_MAX_CONNS")),
		MinConnections:      int32(resolveInt(*postgresMinConns, "HFLIX_POSTGRES_MIN_CONNS")),
		MaxConnLifetime:     resolveDuration(*postgresMaxConnLifetime, "HFLIX_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdleTime:     resolveDuration(*postgresMaxConnIdle, "HFLIX_POSTGRES_MAX_CONN_IDLE", 0),
		HealthCheckInterval: resolveDuration(*postgresHealthInterval, "HFLIX_POSTGRES_HEALTH_INTERVAL", 0),
		AcquireTimeout:      resolveDuration(*postgresAcquireTimeout, "HFLIX_POSTGRES_ACQUIRE_TIMEOUT", 0),
		ApplicationName:     firstNonEmpty(*postgresAppName, os.Getenv("HFLIX_POSTGRES_APP_NAME")),
	}

	cfg.Ladder = parseLadder(firstNonEmpty(*ladderFlag, os.Getenv("HFLIX_LADDER")))
	cfg.Codecs = parseCodecs(firstNonEmpty(*codecsFlag, os.Getenv("HFLIX_CODECS")))
	return cfg
}

// parseLadder reads "240p:240:400,720p:720:2500" into ladder rungs. Malformed
// entries are skipped; an empty result falls back to the default ladder.
func parseLadder(raw string) []pipeline.Rung {
	var ladder []pipeline.Rung
	for _, entry := range splitAndTrim(raw) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			continue
		}
		height, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || height <= 0 {
			continue
		}
		bitrate, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || bitrate <= 0 {
			continue
		}
		ladder = append(ladder, pipeline.Rung{
			Label:       strings.TrimSpace(parts[0]),
			Height:      height,
			BitrateKbps: bitrate,
		})
	}
	return ladder
}

// parseCodecs filters the built-in codec table by label.
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
	Sessions   pipeline.SessionStore

	sessionClient redis.UniversalClient
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
		transport, err := bus.NewRedis(redisCfg)
		if err != nil {
			return nil, fmt.Errorf("open redis bus: %w", err)
		}
		deps.Bus = transport
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.BusDriver)
	}

	switch cfg.SessionStore {
	case "memory":
		deps.Sessions = pipeline.NewMemorySessions(cfg.SessionTTL)
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      sessionRedisAddrs(cfg),
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			MasterName: cfg.Redis.MasterName,
			PoolSize:   cfg.Redis.PoolSize,
		})
		deps.sessionClient = client
		deps.Sessions = pipeline.NewRedisSessions(client, cfg.Redis.Prefix, cfg.SessionTTL)
	default:
		return nil, fmt.Errorf("unsupported session store driver %q", cfg.SessionStore)
	}

	return deps, nil
}

func sessionRedisAddrs(cfg config) []string {
	addrs := append([]string(nil), cfg.Redis.Addrs...)
	if cfg.Redis.Addr != "" {
		addrs = append(addrs, cfg.Redis.Addr)
	}
	if len(addrs) == 0 {
		addrs = []string{"127.0.0.1:6379"}
	}
	return addrs
}

func (d *dependencies) Close() {
	if d.Bus != nil {
		d.Bus.Close()
	}
	if d.sessionClient != nil {
		_ = d.sessionClient.Close()
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

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue != 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseFloat(env, 64); err == nil {
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
