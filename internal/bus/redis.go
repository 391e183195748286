package bus

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis Streams transport. Each topic maps to one
// stream named {Prefix}:{topic}.
//
// Consumer names the process inside every consumer group and must be stable
// across restarts so a restarted process re-reads its own pending entries.
// It defaults to the hostname. ClaimMinIdle must exceed the longest time a
// handler legitimately holds a message unacked, or in-flight work gets
// claimed by a peer and processed twice.
type RedisConfig struct {
	Addr          string
	Addrs         []string
	Username      string
	Password      string
	Prefix        string
	Consumer      string
	Logger        *slog.Logger
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	BlockTimeout  time.Duration
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	Buffer        int
	PoolSize      int
	MasterName    string
	TLS           RedisTLSConfig
}

// NewRedis initialises a bus backed by Redis Streams with consumer groups.
// The caller is responsible for ensuring the Redis instance is reachable.
func NewRedis(cfg RedisConfig) (Bus, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "hflix"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = time.Minute
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Minute
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = defaultConsumerName()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &redisBus{
		client:        client,
		prefix:        prefix,
		consumer:      consumer,
		blockTimeout:  cfg.BlockTimeout,
		claimInterval: cfg.ClaimInterval,
		claimMinIdle:  cfg.ClaimMinIdle,
		buffer:        cfg.Buffer,
		logger:        logger,
		groups:        make(map[string]bool),
	}, nil
}

type redisBus struct {
	client        redis.UniversalClient
	prefix        string
	consumer      string
	blockTimeout  time.Duration
	claimInterval time.Duration
	claimMinIdle  time.Duration
	buffer        int
	logger        *slog.Logger

	groupMu sync.Mutex
	groups  map[string]bool
}

func (b *redisBus) stream(topic string) string {
	return b.prefix + ":" + topic
}

func (b *redisBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	_, err := b.client.Do(ctx, "XADD", b.stream(topic), "*", "key", key, "payload", string(payload)).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *redisBus) Subscribe(topic, group string) (Subscription, error) {
	if topic == "" || group == "" {
		return nil, fmt.Errorf("topic and group are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.ensureGroup(ctx, topic, group); err != nil {
		cancel()
		return nil, err
	}
	sub := &redisSubscription{
		bus:      b,
		topic:    topic,
		group:    group,
		consumer: b.consumer,
		cancel:   cancel,
		ch:       make(chan Message, b.buffer),
	}
	go sub.run(ctx)
	return sub, nil
}

func (b *redisBus) Close() error {
	return b.client.Close()
}

func (b *redisBus) ensureGroup(ctx context.Context, topic, group string) error {
	key := topic + "/" + group
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if b.groups[key] {
		return nil
	}
	_, err := b.client.Do(ctx, "XGROUP", "CREATE", b.stream(topic), group, "0", "MKSTREAM").Result()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}
	b.groups[key] = true
	return nil
}

type redisSubscription struct {
	bus      *redisBus
	topic    string
	group    string
	consumer string
	cancel   context.CancelFunc

	once sync.Once
	ch   chan Message
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Ack(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		return nil
	}
	_, err := s.bus.client.Do(ctx, "XACK", s.bus.stream(s.topic), s.group, msg.ID).Result()
	if err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return nil
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	// Entries this consumer left unacked before a restart come first, then a
	// periodic sweep adopts entries stranded in dead consumers' PELs.
	cursor := "0"
	var nextClaim time.Time
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !time.Now().Before(nextClaim) {
			claimed, err := s.claim(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				s.bus.logger.Warn("bus claim sweep failed", "topic", s.topic, "group", s.group, "error", err)
			}
			if !s.deliver(ctx, claimed) {
				return
			}
			nextClaim = time.Now().Add(s.bus.claimInterval)
		}
		entries, err := s.read(ctx, cursor)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.bus.logger.Warn("bus read failed", "topic", s.topic, "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if len(entries) == 0 {
			cursor = ">"
			continue
		}
		if !s.deliver(ctx, entries) {
			return
		}
	}
}

func (s *redisSubscription) deliver(ctx context.Context, entries []Message) bool {
	for _, entry := range entries {
		select {
		case s.ch <- entry:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// claim adopts pending entries whose consumer has been idle past the
// configured threshold, so work stranded by a crashed peer is redelivered.
func (s *redisSubscription) claim(ctx context.Context) ([]Message, error) {
	minIdle := strconv.FormatInt(s.bus.claimMinIdle.Milliseconds(), 10)
	var entries []Message
	cursor := "0-0"
	for {
		reply, err := s.bus.client.Do(ctx, "XAUTOCLAIM", s.bus.stream(s.topic), s.group, s.consumer,
			minIdle, cursor, "COUNT", "32").Result()
		if err != nil {
			if isNilReply(err) {
				return entries, nil
			}
			return entries, err
		}
		next, claimed := parseAutoClaimReply(reply)
		entries = append(entries, claimed...)
		if len(claimed) == 0 || next == "" || next == "0-0" {
			return entries, nil
		}
		cursor = next
	}
}

func (s *redisSubscription) read(ctx context.Context, cursor string) ([]Message, error) {
	args := []interface{}{
		"XREADGROUP",
		"GROUP", s.group, s.consumer,
		"COUNT", "32",
	}
	if cursor == ">" {
		blockMs := int(math.Max(float64(s.bus.blockTimeout.Milliseconds()), 1))
		args = append(args, "BLOCK", strconv.Itoa(blockMs))
	}
	args = append(args, "STREAMS", s.bus.stream(s.topic), cursor)
	reply, err := s.bus.client.Do(ctx, args...).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil, nil
	}
	var entries []Message
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		entries = append(entries, parseRecords(records)...)
	}
	return entries, nil
}

// parseAutoClaimReply decodes an XAUTOCLAIM reply: next cursor, claimed
// entries, and (on Redis 7+) a trailing list of deleted ids we ignore.
func parseAutoClaimReply(reply interface{}) (string, []Message) {
	parts, ok := reply.([]interface{})
	if !ok || len(parts) < 2 {
		return "", nil
	}
	next, _ := asString(parts[0])
	records, _ := parts[1].([]interface{})
	return next, parseRecords(records)
}

func parseRecords(records []interface{}) []Message {
	var entries []Message
	for _, record := range records {
		tuple, ok := record.([]interface{})
		if !ok || len(tuple) != 2 {
			continue
		}
		id, _ := asString(tuple[0])
		fields, _ := tuple[1].([]interface{})
		if id == "" {
			continue
		}
		msg := Message{ID: id}
		for i := 0; i+1 < len(fields); i += 2 {
			name, _ := asString(fields[i])
			value, _ := asString(fields[i+1])
			switch strings.ToLower(name) {
			case "key":
				msg.Key = value
			case "payload":
				msg.Payload = []byte(value)
			}
		}
		entries = append(entries, msg)
	}
	return entries
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygroup")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "timeout")
}

// defaultConsumerName derives a consumer name that survives restarts, so the
// same process re-reads its own pending entries before taking new work.
func defaultConsumerName() string {
	if host, err := os.Hostname(); err == nil {
		if trimmed := strings.TrimSpace(host); trimmed != "" {
			return "consumer-" + trimmed
		}
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return "consumer-" + hex.EncodeToString(buf)
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
