package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"
)

// Memory is an in-process ObjectStore used by tests and local development
// without a running object store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func memETag(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (m *Memory) Download(_ context.Context, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, memETag(data), nil
}

func (m *Memory) Upload(_ context.Context, key string, data []byte, _ string, expectedETag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expectedETag != "" {
		current, ok := m.objects[key]
		if !ok || memETag(current) != expectedETag {
			return "", ErrVersionConflict
		}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[key] = stored
	return memETag(stored), nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) RemovePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
