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

package migration

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

const (
	DefaultRepairConcurrency = 4
	DefaultRepairTimeout     = 10 * time.Second
)

// RepairFunc persists a migrated document.
type RepairFunc func(ctx context.Context, doc persistence.Document) error

// Repairer writes migrated reads back in the background. At most concurrency
// repairs run at once and a document is never repaired twice concurrently.
// When every slot is busy the repair is skipped; the next read of the same
// document schedules it again.
type Repairer struct {
	ctx      context.Context
	sem      *semaphore.Weighted
	inflight map[string]struct{}
	cancel   context.CancelFunc
	fn       RepairFunc
	log      *zap.SugaredLogger
	wg       sync.WaitGroup
	mu       sync.Mutex
	timeout  time.Duration
}

func NewRepairer(fn RepairFunc, concurrency int, log *zap.SugaredLogger) *Repairer {
	if concurrency <= 0 {
		concurrency = DefaultRepairConcurrency
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Repairer{
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		inflight: make(map[string]struct{}),
		fn:       fn,
		log:      log,
		timeout:  DefaultRepairTimeout,
	}
}

// Schedule starts an asynchronous repair of doc and reports whether it did.
func (r *Repairer) Schedule(doc persistence.Document) bool {
	id := doc.ID()
	if id == "" || r.ctx.Err() != nil {
		return false
	}

	r.mu.Lock()
	if _, busy := r.inflight[id]; busy {
		r.mu.Unlock()

		return false
	}

	if !r.sem.TryAcquire(1) {
		r.mu.Unlock()
		r.log.Debugw("read repair skipped, all workers busy", "id", id)

		return false
	}

	r.inflight[id] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	snapshot := doc.Clone()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()
			r.sem.Release(1)
			r.wg.Done()
		}()

		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()

		if err := r.fn(ctx, snapshot); err != nil {
			r.log.Warnw("read repair failed", "operation", "readRepair", "id", id, "error", err)
		}
	}()

	return true
}

// Wait blocks until every scheduled repair has finished.
func (r *Repairer) Wait() {
	r.wg.Wait()
}

// Close cancels running repairs and waits for them.
func (r *Repairer) Close() {
	r.cancel()
	r.wg.Wait()
}
