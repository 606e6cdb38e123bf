package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taleforge/api/internal/model"
)

// MemoryStorage keeps objects in process. Used for local runs and tests.
type MemoryStorage struct {
	bucket  string
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStorage(bucket string) *MemoryStorage {
	if bucket == "" {
		bucket = "local"
	}
	return &MemoryStorage{
		bucket:  bucket,
		objects: make(map[string][]byte),
	}
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[key]
	if !ok {
		return nil, &model.StorageError{Op: "get", Key: key, Err: model.ErrObjectNotFound}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStorage) GetURI(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, &model.StorageError{Op: "get", Key: uri, Err: err}
	}
	if bucket != "" && bucket != m.bucket {
		return nil, &model.StorageError{Op: "get", Key: uri, Err: model.ErrObjectNotFound}
	}
	return m.Get(ctx, key)
}

func (m *MemoryStorage) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[key] = stored
	return m.URI(key), nil
}

func (m *MemoryStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStorage) GetSignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?expires=%d", m.bucket, key, int(expiry.Seconds())), nil
}

func (m *MemoryStorage) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", m.bucket, key)
}

// Keys lists stored keys with the given prefix, sorted.
func (m *MemoryStorage) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
