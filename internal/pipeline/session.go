package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned when no upload session exists for a video.
var ErrSessionNotFound = errors.New("upload session not found")

// Session tracks one in-flight chunked upload.
type Session struct {
	VideoID      string       `json:"videoId"`
	OwnerID      string       `json:"ownerId"`
	Dir          string       `json:"dir"`
	Filename     string       `json:"filename"`
	TotalChunks  int          `json:"totalChunks"`
	ChunkSize    int64        `json:"chunkSize"`
	DeclaredSize int64        `json:"declaredSize"`
	Received     map[int]bool `json:"received,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
}

// Expired reports whether the session has outlived its TTL at the given time.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// MissingChunk returns the first chunk index that has not arrived, or -1 when
// the session is complete.
func (s Session) MissingChunk() int {
	for index := 0; index < s.TotalChunks; index++ {
		if !s.Received[index] {
			return index
		}
	}
	return -1
}

// SessionStore holds upload sessions. AddChunk refreshes the session expiry
// so an active upload never expires mid-flight; a positive totalChunks
// records the chunk count the client is actually sending.
type SessionStore interface {
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, videoID string) (Session, error)
	AddChunk(ctx context.Context, videoID string, index, totalChunks int) error
	Remove(ctx context.Context, videoID string) error
	List(ctx context.Context) ([]Session, error)
}

// MemorySessions keeps sessions in process memory.
type MemorySessions struct {
	ttl time.Duration

	mu       sync.RWMutex
	sessions map[string]Session
}

var _ SessionStore = (*MemorySessions)(nil)

func NewMemorySessions(ttl time.Duration) *MemorySessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemorySessions{ttl: ttl, sessions: make(map[string]Session)}
}

func (m *MemorySessions) Create(ctx context.Context, session Session) error {
	if strings.TrimSpace(session.VideoID) == "" {
		return errors.New("session video id is required")
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.ExpiresAt = now.Add(m.ttl)
	if session.Received == nil {
		session.Received = make(map[int]bool)
	}
	m.mu.Lock()
	m.sessions[session.VideoID] = session
	m.mu.Unlock()
	return nil
}

func (m *MemorySessions) Get(ctx context.Context, videoID string) (Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[videoID]
	m.mu.RUnlock()
	if !ok || session.Expired(time.Now().UTC()) {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (m *MemorySessions) AddChunk(ctx context.Context, videoID string, index, totalChunks int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[videoID]
	if !ok || session.Expired(time.Now().UTC()) {
		return ErrSessionNotFound
	}
	if session.Received == nil {
		session.Received = make(map[int]bool)
	}
	session.Received[index] = true
	if totalChunks > 0 {
		session.TotalChunks = totalChunks
	}
	session.ExpiresAt = time.Now().UTC().Add(m.ttl)
	m.sessions[videoID] = session
	return nil
}

func (m *MemorySessions) Remove(ctx context.Context, videoID string) error {
	m.mu.Lock()
	delete(m.sessions, videoID)
	m.mu.Unlock()
	return nil
}

func (m *MemorySessions) List(ctx context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, cloneSession(session))
	}
	return sessions, nil
}

func cloneSession(session Session) Session {
	cloned := session
	cloned.Received = make(map[int]bool, len(session.Received))
	for index, ok := range session.Received {
		cloned.Received[index] = ok
	}
	return cloned
}

// RedisSessions externalizes sessions so a restarted or additional instance
// sharing the scratch volume can adopt in-flight uploads. The session record
// and the received-chunk set live under separate keys, both holding the TTL.
type RedisSessions struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ SessionStore = (*RedisSessions)(nil)

func NewRedisSessions(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessions {
	if prefix == "" {
		prefix = "hflix"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessions{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisSessions) sessionKey(videoID string) string {
	return r.prefix + ":session:" + videoID
}

func (r *RedisSessions) chunksKey(videoID string) string {
	return r.prefix + ":session:" + videoID + ":chunks"
}

func (r *RedisSessions) Create(ctx context.Context, session Session) error {
	if strings.TrimSpace(session.VideoID) == "" {
		return errors.New("session video id is required")
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.ExpiresAt = now.Add(r.ttl)
	received := session.Received
	session.Received = nil
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(session.VideoID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", session.VideoID, err)
	}
	if err := r.client.Del(ctx, r.chunksKey(session.VideoID)).Err(); err != nil {
		return fmt.Errorf("reset session chunks %s: %w", session.VideoID, err)
	}
	for index := range received {
		if err := r.AddChunk(ctx, session.VideoID, index, 0); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisSessions) Get(ctx context.Context, videoID string) (Session, error) {
	payload, err := r.client.Get(ctx, r.sessionKey(videoID)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", videoID, err)
	}
	var session Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", videoID, err)
	}
	members, err := r.client.SMembers(ctx, r.chunksKey(videoID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Session{}, fmt.Errorf("load session chunks %s: %w", videoID, err)
	}
	session.Received = make(map[int]bool, len(members))
	for _, member := range members {
		index, convErr := strconv.Atoi(member)
		if convErr != nil {
			continue
		}
		session.Received[index] = true
	}
	return session, nil
}

// AddChunk rewrites the stored record so the ExpiresAt the reaper judges by
// moves together with the key TTLs.
func (r *RedisSessions) AddChunk(ctx context.Context, videoID string, index, totalChunks int) error {
	payload, err := r.client.Get(ctx, r.sessionKey(videoID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", videoID, err)
	}
	var session Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return fmt.Errorf("decode session %s: %w", videoID, err)
	}
	if totalChunks > 0 {
		session.TotalChunks = totalChunks
	}
	session.ExpiresAt = time.Now().UTC().Add(r.ttl)
	session.Received = nil
	encoded, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", videoID, err)
	}
	if err := r.client.Set(ctx, r.sessionKey(videoID), encoded, r.ttl).Err(); err != nil {
		return fmt.Errorf("refresh session %s: %w", videoID, err)
	}
	if err := r.client.SAdd(ctx, r.chunksKey(videoID), strconv.Itoa(index)).Err(); err != nil {
		return fmt.Errorf("mark chunk %d for %s: %w", index, videoID, err)
	}
	if err := r.client.Expire(ctx, r.chunksKey(videoID), r.ttl).Err(); err != nil {
		return fmt.Errorf("refresh session chunks %s: %w", videoID, err)
	}
	return nil
}

func (r *RedisSessions) Remove(ctx context.Context, videoID string) error {
	if err := r.client.Del(ctx, r.sessionKey(videoID), r.chunksKey(videoID)).Err(); err != nil {
		return fmt.Errorf("remove session %s: %w", videoID, err)
	}
	return nil
}

func (r *RedisSessions) List(ctx context.Context) ([]Session, error) {
	var sessions []Session
	var cursor uint64
	pattern := r.prefix + ":session:*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			if strings.HasSuffix(key, ":chunks") {
				continue
			}
			videoID := strings.TrimPrefix(key, r.prefix+":session:")
			session, err := r.Get(ctx, videoID)
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			sessions = append(sessions, session)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return sessions, nil
}
