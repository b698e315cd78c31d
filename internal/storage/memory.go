package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value    string
	expireAt time.Time // 零值表示不过期
}

// MemoryKV 内存 KV 实现
//
// 用于单元测试，以及 Local Store 不可用时的降级运行。
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]memoryItem)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrKeyNotFound
	}
	if !item.expireAt.IsZero() && time.Now().After(item.expireAt) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return "", ErrKeyNotFound
	}
	return item.value, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expireAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, key := range keys {
		delete(m.items, key)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key, item := range m.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !item.expireAt.IsZero() && now.After(item.expireAt) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
