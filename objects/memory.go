package objects

import (
	"context"
	"errors"
	"sync"
)

// Memory keeps uploaded objects in process, for local mode and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
	baseURL string
}

type Object struct {
	ContentType string
	Data        []byte
}

func NewMemory(baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "memory://"
	}
	return &Memory{objects: make(map[string]Object), baseURL: baseURL}
}

func (m *Memory) Upload(_ context.Context, bucket, key, contentType string, data []byte) (string, error) {
	if bucket == "" || key == "" {
		return "", errors.New("bucket and key are required")
	}
	path := objectPath(bucket, key)
	m.mu.Lock()
	m.objects[path] = Object{ContentType: contentType, Data: append([]byte(nil), data...)}
	m.mu.Unlock()
	return m.baseURL + path, nil
}

// Get returns a stored object by bucket and key.
func (m *Memory) Get(bucket, key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[objectPath(bucket, key)]
	return o, ok
}

// objectPath places a logical bucket as a prefix inside the physical bucket.
func objectPath(bucket, key string) string {
	return bucket + "/" + key
}
