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

// Package offlinequeue buffers mutations issued while the backend is
// unreachable and replays them in order once it is reachable again.
//
// DESIGN DECISION: Replay stops at the first failure and keeps the failed item
// at the head.
// WHY: queued mutations of one document depend on each other; applying the
// third before the second could produce a state the caller never asked for.
// TRADE-OFF: one poisoned item blocks the queue until it succeeds or is dropped
// by eviction.
//
// DESIGN DECISION: When the queue is full the oldest item is evicted.
// WHY: recent intent is worth more than old intent on a device that has been
// offline for a long time.
package offlinequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/united-manufacturing-hub/docrepo/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

// DefaultSize is the queue bound used when none is configured.
const DefaultSize = 1000

// ErrOffline is returned by Replay when connectivity dropped before the next item.
var ErrOffline = errors.New("offline queue replay paused: backend is offline")

// Kind is the repository operation an Item replays.
type Kind string

const (
	KindCreate     Kind = "create"
	KindUpdate     Kind = "update"
	KindUpsert     Kind = "upsert"
	KindDelete     Kind = "delete"
	KindSoftDelete Kind = "softDelete"
	KindRestore    Kind = "restore"
	KindTouch      Kind = "touch"
)

// Args are the arguments of the queued call.
type Args struct {
	Data       persistence.Document `json:"data,omitempty"`
	ID         string               `json:"id,omitempty"`
	ActorID    string               `json:"actorId,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	HardDelete bool                 `json:"hardDelete,omitempty"`
}

// Item is one queued mutation. IDs are ULIDs, so they sort in enqueue order.
type Item struct {
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Args       Args      `json:"args"`
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	LastError  string    `json:"lastError,omitempty"`
	RetryCount int       `json:"retryCount"`
}

func (i Item) clone() Item {
	i.Args.Data = i.Args.Data.Clone()

	return i
}

// ApplyFunc replays one item against the backend.
type ApplyFunc func(ctx context.Context, item Item) error

// Queue is a bounded FIFO of pending mutations. It is safe for concurrent use;
// Replay calls are serialised.
type Queue struct {
	journal  Journal
	replayMu *ctxmutex.CtxMutex
	now      func() time.Time
	items    []Item
	mu       sync.Mutex
	bound    int
}

// New creates a queue holding at most bound items. journal may be nil.
func New(bound int, journal Journal) *Queue {
	if bound <= 0 {
		bound = DefaultSize
	}

	return &Queue{
		bound:    bound,
		journal:  journal,
		replayMu: ctxmutex.NewCtxMutex(),
		now:      time.Now,
	}
}

// Enqueue appends a mutation. If the queue was full, the evicted oldest item is
// returned as dropped. A journal failure is returned, but the item stays queued
// in memory.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, args Args) (Item, *Item, error) {
	item := Item{
		ID:         ulid.Make().String(),
		Kind:       kind,
		Args:       args,
		EnqueuedAt: q.now().UTC(),
	}
	item.Args.Data = args.Data.Clone()

	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped *Item

	if len(q.items) >= q.bound {
		oldest := q.items[0]
		dropped = &oldest
		q.items = q.items[1:]
	}

	q.items = append(q.items, item)

	if err := q.persistLocked(ctx); err != nil {
		return item.clone(), dropped, err
	}

	return item.clone(), dropped, nil
}

// Replay applies items from the head until the queue is empty, an item fails or
// ctx ends. It returns how many items were applied. The failed item stays at the
// head with RetryCount and LastError updated.
//
// online is consulted before every item. When it reports false Replay stops with
// ErrOffline and leaves the head untouched. A nil online never pauses.
func (q *Queue) Replay(ctx context.Context, apply ApplyFunc, online func() bool) (int, error) {
	if err := q.replayMu.Lock(ctx); err != nil {
		return 0, err
	}
	defer q.replayMu.Unlock()

	replayed := 0

	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		if online != nil && !online() {
			return replayed, ErrOffline
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()

			return replayed, nil
		}

		head := q.items[0].clone()
		q.mu.Unlock()

		if err := apply(ctx, head); err != nil {
			q.mu.Lock()
			if len(q.items) > 0 && q.items[0].ID == head.ID {
				q.items[0].RetryCount++
				q.items[0].LastError = err.Error()
			}

			_ = q.persistLocked(ctx)
			q.mu.Unlock()

			return replayed, err
		}

		q.mu.Lock()
		if len(q.items) > 0 && q.items[0].ID == head.ID {
			q.items = q.items[1:]
		}

		perr := q.persistLocked(ctx)
		q.mu.Unlock()

		replayed++

		if perr != nil {
			return replayed, perr
		}
	}
}

// Restore replaces the in-memory queue with the journal's content. Only the
// newest bound items are kept.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.journal == nil {
		return 0, nil
	}

	items, err := q.journal.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore offline queue: %w", err)
	}

	if len(items) > q.bound {
		items = items[len(items)-q.bound:]
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()

	return len(items), nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Items returns copies of the queued items, head first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	for i, item := range q.items {
		out[i] = item.clone()
	}

	return out
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if q.journal == nil {
		return nil
	}

	snapshot := make([]Item, len(q.items))
	for i, item := range q.items {
		snapshot[i] = item.clone()
	}

	if err := q.journal.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist offline queue: %w", err)
	}

	return nil
}
