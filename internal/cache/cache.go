// Package cache provides the injected key/value cache used for resolved
// policies and asset read models.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a byte-oriented key/value store with per-entry TTL.
type Cache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// PolicyKey is the cache key of an organization's resolved policy.
func PolicyKey(organizationID int64) string {
	return fmt.Sprintf("policy:org:%d", organizationID)
}

// AssetKey is the cache key of an asset read model.
func AssetKey(objectKey string) string {
	return "asset:" + objectKey
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Invalidate(context.Context, ...string) error { return nil }

type entry struct {
	value     []byte
	expiresAt time.Time
}

// DefaultMemoryEntries bounds a Memory cache created by NewMemory.
const DefaultMemoryEntries = 10000

// Memory is an in-process Cache holding a bounded number of entries. The
// least recently used entry is evicted first; expired entries are dropped on
// read.
type Memory struct {
	lru *expirable.LRU[string, entry]
	now func() time.Time
}

// NewMemory creates an empty in-memory cache of DefaultMemoryEntries.
func NewMemory() *Memory {
	return NewMemoryLimit(DefaultMemoryEntries)
}

// NewMemoryLimit creates an empty in-memory cache of at most maxEntries.
// Zero means unbounded.
func NewMemoryLimit(maxEntries int) *Memory {
	return &Memory{
		lru: expirable.NewLRU[string, entry](max(maxEntries, 0), nil, 0),
		now: time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores value under key. A non-positive ttl never expires.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.lru.Add(key, e)
	return nil
}

func (m *Memory) Invalidate(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.lru.Remove(k)
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (m *Memory) Len() int {
	return m.lru.Len()
}
