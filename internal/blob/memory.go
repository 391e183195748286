package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-node development
// setups.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("object %s: declared size %d but read %d bytes", key, size, len(data))
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	return m.GetRange(ctx, key, 0, -1)
}

func (m *Memory) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ObjectInfo{}, ErrNotFound
	}
	info := ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}
	if offset < 0 || offset > info.Size {
		return nil, ObjectInfo{}, fmt.Errorf("object %s: offset %d out of range", key, offset)
	}
	end := info.Size
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(obj.data[offset:end])), info, nil
}

func (m *Memory) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if _, err := m.Stat(ctx, key); err != nil {
		return "", err
	}
	return "memory://" + key, nil
}
