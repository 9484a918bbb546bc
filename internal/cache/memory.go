package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Backend used when no REDIS_URL is configured and in tests.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	vals  map[string]memEntry
	lists map[string]memList
}

type memEntry struct {
	val     []byte
	expires time.Time
}

type memList struct {
	vals    [][]byte // newest first
	expires time.Time
}

func NewMemory() *Memory { return NewMemoryWithClock(time.Now) }

// NewMemoryWithClock lets tests control expiry.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{now: now, vals: map[string]memEntry{}, lists: map[string]memList{}}
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.vals[key] = memEntry{val: append([]byte(nil), val...), expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	e, ok := m.vals[key]
	if !ok {
		return nil, ErrMiss
	}
	if !m.now().Before(e.expires) {
		delete(m.vals, key)
		return nil, ErrMiss
	}
	return append([]byte(nil), e.val...), nil
}

func (m *Memory) PushCapped(_ context.Context, key string, val []byte, max int, ttl time.Duration) error {
	m.mu.Lock(); defer m.mu.Unlock()
	l := m.lists[key]
	if !m.now().Before(l.expires) {
		l.vals = nil
	}
	l.vals = append([][]byte{append([]byte(nil), val...)}, l.vals...)
	if max > 0 && len(l.vals) > max {
		l.vals = l.vals[:max]
	}
	l.expires = m.now().Add(ttl)
	m.lists[key] = l
	return nil
}

func (m *Memory) Range(_ context.Context, key string, n int) ([][]byte, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	l, ok := m.lists[key]
	if !ok || !m.now().Before(l.expires) {
		delete(m.lists, key)
		return nil, nil
	}
	if n > len(l.vals) || n <= 0 {
		n = len(l.vals)
	}
	out := make([][]byte, n)
	copy(out, l.vals[:n])
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
