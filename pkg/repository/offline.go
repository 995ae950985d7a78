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

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
	"github.com/united-manufacturing-hub/docrepo/pkg/offlinequeue"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// offline reports whether a mutation has to be queued. Replays always go
// through.
func (r *Repository) offline(wo writeOptions) bool {
	return !wo.replay && !r.monitor.Online()
}

// enqueue queues a mutation and returns placeholder marked as pending.
// placeholder is nil for hard deletes.
func (r *Repository) enqueue(ctx context.Context, kind offlinequeue.Kind, args offlinequeue.Args, placeholder persistence.Document) (persistence.Document, error) {
	const op = "enqueue"

	item, dropped, err := r.queue.Enqueue(ctx, kind, args)

	if dropped != nil {
		r.log.Warnw("offline queue full, dropped oldest mutation",
			"operation", string(dropped.Kind), "id", dropped.Args.ID, "enqueuedAt", dropped.EnqueuedAt)
		r.emit(diagnostics.Event{
			Time:       r.now(),
			Type:       diagnostics.TypeOfflineQueue,
			Collection: r.cfg.Collection,
			Operation:  string(dropped.Kind),
			ID:         dropped.Args.ID,
			Context:    map[string]interface{}{diagnostics.KeyAction: diagnostics.ActionDropped, diagnostics.KeyDepth: r.queue.Len()},
		})
	}

	if err != nil {
		r.warn("failed to journal offline queue", op, args.ID, err)
	}

	r.emit(diagnostics.Event{
		Time:       r.now(),
		Type:       diagnostics.TypeOfflineQueue,
		Collection: r.cfg.Collection,
		Operation:  string(item.Kind),
		ID:         args.ID,
		Context:    map[string]interface{}{diagnostics.KeyAction: diagnostics.ActionEnqueued, diagnostics.KeyDepth: r.queue.Len()},
	})

	if placeholder == nil {
		return nil, nil
	}

	placeholder[FieldPending] = true

	return placeholder, nil
}

// onConnectivity replays the queue in the background whenever the monitor
// reports that the connection is back.
func (r *Repository) onConnectivity(online bool) {
	if !online || r.closed.Load() {
		return
	}

	r.replays.Add(1)

	go func() {
		defer r.replays.Done()

		if _, err := r.FlushOfflineQueue(context.Background()); err != nil {
			r.log.Warnw("offline queue replay halted", "operation", "flushOfflineQueue", "depth", r.queue.Len(), "error", err)
		}
	}()
}

// FlushOfflineQueue replays queued mutations in FIFO order and returns how many
// were applied. Replay stops at the first failure; the failed item stays at the
// head and the remaining items are not attempted. It also stops with Unavailable
// when the monitor goes offline between two items.
func (r *Repository) FlushOfflineQueue(ctx context.Context) (int, error) {
	const op = "flushOfflineQueue"

	if err := r.usable(op); err != nil {
		return 0, err
	}

	if !r.monitor.Online() {
		return 0, standarderrors.New(standarderrors.Unavailable, "cannot replay while offline").WithOp(op, r.cfg.Collection, "")
	}

	if r.queue.Len() == 0 {
		return 0, nil
	}

	start := time.Now()

	n, err := r.queue.Replay(ctx, r.replay, r.monitor.Online)
	if errors.Is(err, offlinequeue.ErrOffline) {
		err = standarderrors.Wrap(standarderrors.Unavailable, err, "replay paused after %d items", n)
	}

	action := diagnostics.ActionReplayed
	if err != nil {
		action = diagnostics.ActionHalted
	}

	r.observe(diagnostics.TypeOfflineQueue, op, "", start, err, map[string]interface{}{
		diagnostics.KeyAction: action,
		diagnostics.KeyCount:  n,
		diagnostics.KeyDepth:  r.queue.Len(),
	})

	return n, r.annotate(err, op, "")
}

// replay applies one queued item.
func (r *Repository) replay(ctx context.Context, item offlinequeue.Item) error {
	wo := writeOptions{
		id:         item.Args.ID,
		actorID:    item.Args.ActorID,
		reason:     item.Args.Reason,
		hardDelete: item.Args.HardDelete,
		replay:     true,
	}

	var err error

	switch item.Kind {
	case offlinequeue.KindCreate:
		_, err = r.create(ctx, item.Args.Data, wo)
	case offlinequeue.KindUpdate:
		_, err = r.update(ctx, item.Args.ID, item.Args.Data, wo)
	case offlinequeue.KindUpsert:
		_, err = r.upsert(ctx, item.Args.ID, item.Args.Data, wo)
	case offlinequeue.KindDelete:
		err = r.delete(ctx, item.Args.ID, wo)
	case offlinequeue.KindSoftDelete:
		_, err = r.softDelete(ctx, item.Args.ID, wo)
	case offlinequeue.KindRestore:
		_, err = r.restore(ctx, item.Args.ID, wo)
	case offlinequeue.KindTouch:
		_, err = r.touch(ctx, item.Args.ID, wo)
	default:
		err = standarderrors.New(standarderrors.InvalidArgument, "unknown queued operation %q", item.Kind)
	}

	return err
}

// PendingOperations returns a copy of the queued mutations, oldest first.
func (r *Repository) PendingOperations() []offlinequeue.Item {
	return r.queue.Items()
}
