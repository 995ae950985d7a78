// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package querycache keeps recently computed query pages keyed by a canonical
// form of the query options.
//
// Two option values that differ only in object key order produce the same key.
// Eviction is by insertion order: reads do not refresh an entry, so the entry
// written first is evicted first once the bound is exceeded. Writers clear the
// whole cache rather than trying to find the affected entries.
package querycache

import (
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
)

// DefaultSize is the entry bound used when none is configured.
const DefaultSize = 100

type entry[V any] struct {
	value V
	key   string
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// Cache is safe for concurrent use. A Cache created with size 0 stores nothing.
type Cache[V any] struct {
	store  *lru.Cache[uint64, entry[V]]
	hits   atomic.Uint64
	misses atomic.Uint64
}

func New[V any](size int) (*Cache[V], error) {
	c := &Cache[V]{}
	if size <= 0 {
		return c, nil
	}

	store, err := lru.New[uint64, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	c.store = store

	return c, nil
}

// Key returns the canonical JSON of v. Structs are converted to generic maps
// first, so field declaration order does not matter either; encoding a map
// emits its keys sorted at every level.
func Key(v interface{}) (string, error) {
	raw, err := safejson.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache key: %w", err)
	}

	var generic interface{}
	if err := safejson.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to normalise cache key: %w", err)
	}

	canonical, err := safejson.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache key: %w", err)
	}

	return string(canonical), nil
}

// Get returns the page stored under key without changing eviction order.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	if c.store == nil {
		c.misses.Add(1)

		return zero, false
	}

	e, ok := c.store.Peek(xxhash.Sum64String(key))
	if !ok || e.key != key {
		c.misses.Add(1)

		return zero, false
	}

	c.hits.Add(1)

	return e.value, true
}

// Set stores value under key, evicting the oldest entry when full.
func (c *Cache[V]) Set(key string, value V) {
	if c.store == nil {
		return
	}

	h := xxhash.Sum64String(key)
	c.store.Remove(h)
	c.store.Add(h, entry[V]{key: key, value: value})
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	if c.store != nil {
		c.store.Purge()
	}
}

func (c *Cache[V]) Len() int {
	if c.store == nil {
		return 0
	}

	return c.store.Len()
}

func (c *Cache[V]) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.Len()}
}
