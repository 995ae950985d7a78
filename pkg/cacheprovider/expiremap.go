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

// Package cacheprovider holds external cache implementations the repository can
// consult on point reads before touching the driver.
package cacheprovider

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

const (
	// DefaultTTL is how long an entry is served before it expires.
	DefaultTTL = 30 * time.Second
	// DefaultCullPeriod is how often expired entries are swept.
	DefaultCullPeriod = time.Minute
)

type entry struct {
	doc     persistence.Document
	deleted bool
}

// ExpireMap is a process-local TTL cache keyed by collection and id.
//
// The underlying map has no removal, so Delete stores a tombstone that shadows
// the previous value until it expires or is overwritten.
type ExpireMap struct {
	entries *expiremap.ExpireMap[string, entry]
}

// NewExpireMap creates a cache whose entries live for ttl. Non-positive values
// select the defaults.
func NewExpireMap(ttl, cull time.Duration) *ExpireMap {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if cull <= 0 {
		cull = DefaultCullPeriod
	}

	return &ExpireMap{entries: expiremap.NewEx[string, entry](cull, ttl)}
}

// Get returns a copy of the cached document.
func (m *ExpireMap) Get(_ context.Context, key string) (persistence.Document, bool, error) {
	e, ok := m.entries.Load(key)
	if !ok || e == nil || e.deleted {
		return nil, false, nil
	}

	return e.doc.Clone(), true, nil
}

func (m *ExpireMap) Set(_ context.Context, key string, doc persistence.Document) error {
	m.entries.Set(key, entry{doc: doc.Clone()})

	return nil
}

func (m *ExpireMap) Delete(_ context.Context, key string) error {
	m.entries.Set(key, entry{deleted: true})

	return nil
}

// Len counts stored entries including tombstones that have not been culled yet.
func (m *ExpireMap) Len() int {
	return m.entries.Length()
}
