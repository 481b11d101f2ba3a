package securestore

import (
	"context"
	"sync"

	"github.com/starford/heirloom/internal/apperr"
)

// Memory implements Store entirely in memory. It is used by tests and by
// ephemeral sessions that must never touch disk. Sealed and plain entries
// share the TTL contract of the FS store; sealing itself is a no-op since
// the values never leave process memory.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*envelope
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*envelope)}
}

func (m *Memory) get(key string, wantSealed bool) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.entries[key]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if env.expired(timeNow()) {
		delete(m.entries, key)
		return nil, apperr.ErrExpired
	}
	if env.Sealed != wantSealed {
		return nil, apperr.ErrNotFound
	}
	out := make([]byte, len(env.Value))
	copy(out, env.Value)
	return out, nil
}

func (m *Memory) set(key string, value []byte, ttlDays int, sealed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = &envelope{
		Sealed:    sealed,
		Value:     stored,
		ExpiresAt: ttlDeadline(timeNow(), ttlDays),
	}
	return nil
}

func (m *Memory) GetSecureLocal(ctx context.Context, key string) ([]byte, error) {
	return m.get(key, true)
}

func (m *Memory) SetSecureLocal(ctx context.Context, key string, value []byte, ttlDays int) error {
	return m.set(key, value, ttlDays, true)
}

func (m *Memory) GetLocal(ctx context.Context, key string) ([]byte, error) {
	return m.get(key, false)
}

func (m *Memory) SetLocal(ctx context.Context, key string, value []byte, ttlDays int) error {
	return m.set(key, value, ttlDays, false)
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*FS)(nil)
