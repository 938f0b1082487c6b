// Package storage holds payloads too large to travel inline in a message.
package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// BlobStore uploads payloads and fetches them back by the URL Upload returned.
type BlobStore interface {
	Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error)
	Download(ctx context.Context, blobURL string) ([]byte, error)
}

// MemoryBlobStore keeps blobs in process, addressed as mem://<path>.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Upload(ctx context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if blobPath == "" {
		return "", fmt.Errorf("blob path is required")
	}
	m.mu.Lock()
	m.blobs[blobPath] = append([]byte(nil), data...)
	m.mu.Unlock()
	return "mem://" + blobPath, nil
}

func (m *MemoryBlobStore) Download(ctx context.Context, blobURL string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[strings.TrimPrefix(blobURL, "mem://")]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", blobURL)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored blobs
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
