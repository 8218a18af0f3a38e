package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process KV used in tests and single-node setups. Expiry is
// evaluated lazily on access against the injected now function.
type Memory struct {
	mu    sync.Mutex
	lists map[string][]string
	keys  map[string]string
	ttl   map[string]time.Time
	now   func() time.Time
}

// NewMemory creates an in-memory KV.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		lists: make(map[string][]string),
		keys:  make(map[string]string),
		ttl:   make(map[string]time.Time),
		now:   now,
	}
}

func (m *Memory) expireLocked(key string) {
	if deadline, ok := m.ttl[key]; ok && m.now().After(deadline) {
		delete(m.lists, key)
		delete(m.keys, key)
		delete(m.ttl, key)
	}
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	list := m.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	m.lists[key] = list
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = list[start : stop+1]
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl[key] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.lists, key)
		delete(m.keys, key)
		delete(m.ttl, key)
	}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if _, exists := m.keys[key]; exists {
		return false, nil
	}
	m.keys[key] = value
	m.ttl[key] = m.now().Add(ttl)
	return true, nil
}
