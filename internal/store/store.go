// Package store defines the key/value document contract used for settings,
// templates and run history.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// KV stores opaque JSON documents by key. Writers race last-write-wins.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ErrMalformed wraps a decode failure of a stored document.
type ErrMalformed struct {
	Key string
	Err error
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed document %q: %v", e.Key, e.Err)
}

func (e *ErrMalformed) Unwrap() error { return e.Err }

// GetJSON decodes the document at key into v. found is false when the key is
// absent. A document that fails to decode returns *ErrMalformed.
func GetJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, &ErrMalformed{Key: key, Err: err}
	}
	return true, nil
}

func PutJSON(ctx context.Context, kv KV, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Put(ctx, key, raw)
}

// Memory is a process-local KV.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ KV = (*Memory)(nil)
