package proofstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Object is a stored proof.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore keeps proofs in process. Used when S3 is disabled in
// development and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(body, size+1))
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("proof %s: read %d bytes, expected %d", key, n, size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Data: buf.Bytes(), ContentType: contentType}
	return nil
}

func (m *MemoryStore) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

func (m *MemoryStore) URL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, ok := m.Get(key); !ok {
		return "", fmt.Errorf("proof %s not found", key)
	}
	return "memory://" + key, nil
}
