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

	"github.com/united-manufacturing-hub/docrepo/pkg/codec"
	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
	"github.com/united-manufacturing-hub/docrepo/pkg/history"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// Batch operations prepare every item on its own, so one invalid item only
// fails itself. Prepared items are committed in chunks of the driver batch
// bound. Each chunk is one transaction that re-reads every item and rebuilds
// its write from what it read, so existence and version checks hold at commit.
// A failed chunk does not stop later ones.

// batchWrite is the write of one item. stored is nil for a hard delete.
type batchWrite struct {
	doc    persistence.Document
	stored persistence.Document
}

// pendingItem is a prepared batch item. build receives the document read
// inside the chunk transaction, nil when it is missing.
type pendingItem struct {
	build func(raw persistence.Document) (batchWrite, error)
	doc   persistence.Document
	entry history.Entry
	id    string
	index int
}

func newBatchResult(n int) *BatchOperationResult {
	return &BatchOperationResult{Results: make([]BatchItemResult, n)}
}

// commitChunks writes items chunk by chunk and returns the committed ones with
// doc set to what was written. Entries of items that did not commit are
// discarded.
func (r *Repository) commitChunks(ctx context.Context, op string, res *BatchOperationResult, items []pendingItem) []pendingItem {
	size := r.maxBatchWrites()
	committed := make([]pendingItem, 0, len(items))

	for lo := 0; lo < len(items); lo += size {
		part := items[lo:min(lo+size, len(items))]

		var (
			writes []batchWrite
			failed map[int]error
		)

		start := time.Now()
		err := r.retry(ctx, op, "", func() error {
			writes = make([]batchWrite, len(part))
			failed = make(map[int]error)

			return r.driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
				for i, item := range part {
					raw, err := tx.Get(ctx, r.cfg.Collection, item.id)

					switch {
					case errors.Is(err, persistence.ErrNotFound):
						raw = nil
					case err != nil:
						return err
					}

					w, err := item.build(raw)
					if err != nil {
						failed[i] = r.annotate(err, op, item.id)

						continue
					}

					if w.stored == nil {
						err = tx.Delete(r.cfg.Collection, item.id)
					} else {
						err = tx.Set(r.cfg.Collection, item.id, w.stored)
					}

					if err != nil {
						return err
					}

					writes[i] = w
				}

				return nil
			})
		})
		r.observe(diagnostics.TypeBatch, op, "", start, err, map[string]interface{}{diagnostics.KeyCount: len(part)})

		if err != nil {
			r.log.Warnw("batch chunk failed", "operation", op, "offset", lo, "size", len(part), "error", err)
		}

		for i, item := range part {
			itemErr := err
			if itemErr == nil {
				itemErr = failed[i]
			}

			if itemErr != nil {
				res.fail(item.index, itemErr)
				r.discard(ctx, item.entry)

				continue
			}

			res.succeed(item.index)

			item.doc = writes[i].doc
			committed = append(committed, item)
		}
	}

	if len(committed) > 0 {
		r.invalidate()
	}

	return committed
}

// CreateMany creates every document of items. Ids that already exist, or that
// repeat within items, fail with Conflict.
func (r *Repository) CreateMany(ctx context.Context, items []persistence.Document, opts ...WriteOption) (*BatchOperationResult, error) {
	const op = "createMany"

	start := time.Now()

	res, err := r.createMany(ctx, items, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, op, "", start, err, map[string]interface{}{diagnostics.KeyCount: len(items)})

	return res, err
}

func (r *Repository) createMany(ctx context.Context, items []persistence.Document, wo writeOptions) (*BatchOperationResult, error) {
	const op = "createMany"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	r.invalidate()

	res := newBatchResult(len(items))
	wo.id = ""

	if r.offline(wo) {
		for i, data := range items {
			doc, err := r.create(ctx, data, wo)
			res.Results[i].ID = doc.ID()
			r.settle(res, i, err)
		}

		return res, nil
	}

	prepared := make([]pendingItem, 0, len(items))
	seen := make(map[string]struct{}, len(items))

	for i, data := range items {
		item, err := r.prepareCreate(ctx, data)
		res.Results[i].ID = item.id

		if err == nil {
			if _, dup := seen[item.id]; dup {
				err = standarderrors.New(standarderrors.Conflict, "id %s appears more than once", item.id).WithOp(op, r.cfg.Collection, item.id)
			}
		}

		if err != nil {
			res.fail(i, err)

			continue
		}

		seen[item.id] = struct{}{}
		item.index = i
		prepared = append(prepared, item)
	}

	ids := make([]string, len(prepared))
	for i, item := range prepared {
		ids[i] = item.id
	}

	existing, err := r.rawMany(ctx, op, ids)
	if err != nil {
		return nil, err
	}

	fresh := prepared[:0]

	for _, item := range prepared {
		if _, ok := existing[item.id]; ok {
			res.fail(item.index, r.exists(op, item.id))

			continue
		}

		entry, err := r.record(ctx, history.OpCreate, item.id, nil, wo)
		if err != nil {
			res.fail(item.index, err)

			continue
		}

		item.entry = entry
		fresh = append(fresh, item)
	}

	for _, item := range r.commitChunks(ctx, op, res, fresh) {
		r.committed(ctx, op, item.id, item.doc, r.afterCreate(ctx, item.doc))
	}

	return res, nil
}

func (r *Repository) exists(op, id string) error {
	return standarderrors.New(standarderrors.Conflict, "document %s already exists", id).WithOp(op, r.cfg.Collection, id)
}

func (r *Repository) prepareCreate(ctx context.Context, data persistence.Document) (pendingItem, error) {
	const op = "createMany"

	draft := stripMetadata(data)

	if r.hooks.BeforeCreate != nil {
		if err := r.hooks.BeforeCreate(ctx, draft); err != nil {
			return pendingItem{}, r.annotate(hookFailed("beforeCreate", err), op, "")
		}
	}

	if err := r.check(ctx, draft, ""); err != nil {
		return pendingItem{}, r.annotate(err, op, "")
	}

	idSource := draft
	if id, ok := data[persistence.FieldID]; ok {
		idSource = draft.Clone()
		idSource[persistence.FieldID] = id
	}

	id, err := r.assignID(idSource, writeOptions{})
	if err != nil {
		return pendingItem{}, r.annotate(err, op, "")
	}

	now := r.now().UTC()
	doc := draft.Clone()
	doc[persistence.FieldID] = id
	doc[persistence.FieldCreatedAt] = now
	doc[persistence.FieldUpdatedAt] = now
	doc[persistence.FieldVersion] = int64(1)
	doc[persistence.FieldDeletedAt] = nil

	doc, err = r.migrations.OnWrite(doc)
	if err != nil {
		return pendingItem{id: id}, r.annotate(err, op, id)
	}

	stored, err := r.encode(doc, nil)
	if err != nil {
		return pendingItem{id: id}, r.annotate(err, op, id)
	}

	return pendingItem{
		id: id,
		build: func(raw persistence.Document) (batchWrite, error) {
			if raw != nil {
				return batchWrite{}, r.exists(op, id)
			}

			return batchWrite{doc: doc, stored: stored}, nil
		},
	}, nil
}

// settle records the outcome of one per item call.
func (r *Repository) settle(res *BatchOperationResult, i int, err error) {
	if err != nil {
		res.fail(i, err)

		return
	}

	res.succeed(i)
}

// UpdateMany merges each BatchUpdate into its document. A version in Changes is
// checked against the stored version.
func (r *Repository) UpdateMany(ctx context.Context, updates []BatchUpdate, opts ...WriteOption) (*BatchOperationResult, error) {
	const op = "updateMany"

	start := time.Now()

	res, err := r.updateMany(ctx, updates, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, op, "", start, err, map[string]interface{}{diagnostics.KeyCount: len(updates)})

	return res, err
}

func (r *Repository) updateMany(ctx context.Context, updates []BatchUpdate, wo writeOptions) (*BatchOperationResult, error) {
	const op = "updateMany"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	r.invalidate()

	res := newBatchResult(len(updates))

	for i, u := range updates {
		res.Results[i].ID = u.ID
	}

	if r.offline(wo) {
		for i, u := range updates {
			_, err := r.update(ctx, u.ID, u.Changes, wo)
			r.settle(res, i, err)
		}

		return res, nil
	}

	ids := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
	}

	raws, err := r.rawMany(ctx, op, ids)
	if err != nil {
		return nil, err
	}

	prepared := make([]pendingItem, 0, len(updates))
	seen := make(map[string]struct{}, len(updates))

	for i, u := range updates {
		item, err := r.prepareUpdate(ctx, u, raws[u.ID], seen, wo)
		if err != nil {
			res.fail(i, err)

			continue
		}

		item.index = i
		prepared = append(prepared, item)
	}

	for _, item := range r.commitChunks(ctx, op, res, prepared) {
		if item.entry.ID != "" {
			r.attachRedo(ctx, item.entry, item.doc)
		}

		r.committed(ctx, op, item.id, item.doc, r.afterUpdate(ctx, item.doc))
	}

	return res, nil
}

// prepareUpdate checks u against the earlier read and records its history
// entry. The write itself is rebuilt from the document read at commit.
func (r *Repository) prepareUpdate(ctx context.Context, u BatchUpdate, raw persistence.Document, seen map[string]struct{}, wo writeOptions) (pendingItem, error) {
	const op = "updateMany"

	id := u.ID

	if id == "" {
		return pendingItem{}, standarderrors.New(standarderrors.InvalidArgument, "id is required").WithOp(op, r.cfg.Collection, "")
	}

	if _, dup := seen[id]; dup {
		return pendingItem{}, standarderrors.New(standarderrors.InvalidArgument, "id %s appears more than once", id).WithOp(op, r.cfg.Collection, id)
	}

	seen[id] = struct{}{}

	if raw == nil {
		return pendingItem{}, r.notFound(op, id)
	}

	current, _, err := r.decode(raw)
	if err != nil {
		return pendingItem{}, r.annotate(err, op, id)
	}

	if r.hidden(current, false) {
		return pendingItem{}, r.notFound(op, id)
	}

	expected, locked := expectedVersion(u.Changes)
	if locked && current.Version() != expected {
		return pendingItem{}, r.stale(op, id, expected, current.Version())
	}

	fields := stripMetadata(u.Changes)

	if r.hooks.BeforeUpdate != nil {
		if err := r.hooks.BeforeUpdate(ctx, current.Clone(), fields.Clone()); err != nil {
			return pendingItem{}, r.annotate(hookFailed("beforeUpdate", err), op, id)
		}
	}

	if err := r.check(ctx, persistence.ApplyUpdate(current.Clone(), codec.Flatten(fields)), id); err != nil {
		return pendingItem{}, r.annotate(err, op, id)
	}

	entry, err := r.record(ctx, history.OpUpdate, id, raw, wo)
	if err != nil {
		return pendingItem{}, err
	}

	return pendingItem{
		id:    id,
		entry: entry,
		build: func(raw persistence.Document) (batchWrite, error) {
			if raw == nil {
				return batchWrite{}, r.notFound(op, id)
			}

			current, _, err := r.decode(raw)
			if err != nil {
				return batchWrite{}, err
			}

			if r.hidden(current, false) {
				return batchWrite{}, r.notFound(op, id)
			}

			if locked && current.Version() != expected {
				return batchWrite{}, r.stale(op, id, expected, current.Version())
			}

			next := persistence.ApplyUpdate(current.Clone(), codec.Flatten(fields))
			if err := r.checkDocument(next); err != nil {
				return batchWrite{}, err
			}

			next[persistence.FieldUpdatedAt] = r.now().UTC()
			next[persistence.FieldVersion] = current.Version() + 1

			next, err = r.migrations.OnWrite(next)
			if err != nil {
				return batchWrite{}, err
			}

			stored, err := r.encode(next, raw)
			if err != nil {
				return batchWrite{}, err
			}

			return batchWrite{doc: next, stored: stored}, nil
		},
	}, nil
}

// DeleteMany deletes every document of ids, softly when soft delete is
// configured and WithHardDelete is not given. Missing ids fail with NotFound.
func (r *Repository) DeleteMany(ctx context.Context, ids []string, opts ...WriteOption) (*BatchOperationResult, error) {
	const op = "deleteMany"

	start := time.Now()

	res, err := r.deleteMany(ctx, ids, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, op, "", start, err, map[string]interface{}{diagnostics.KeyCount: len(ids)})

	return res, err
}

func (r *Repository) deleteMany(ctx context.Context, ids []string, wo writeOptions) (*BatchOperationResult, error) {
	const op = "deleteMany"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	r.invalidate()

	res := newBatchResult(len(ids))

	for i, id := range ids {
		res.Results[i].ID = id
	}

	if r.offline(wo) {
		for i, id := range ids {
			r.settle(res, i, r.delete(ctx, id, wo))
		}

		return res, nil
	}

	raws, err := r.rawMany(ctx, op, ids)
	if err != nil {
		return nil, err
	}

	soft := r.cfg.SoftDelete && !wo.hardDelete
	prepared := make([]pendingItem, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))

	for i, id := range ids {
		item, err := r.prepareDelete(ctx, id, raws[id], soft, seen, wo)
		if err != nil {
			res.fail(i, err)

			continue
		}

		item.index = i
		prepared = append(prepared, item)
	}

	for _, item := range r.commitChunks(ctx, op, res, prepared) {
		r.committed(ctx, op, item.id, item.doc, r.afterDelete(ctx, item.id))
	}

	return res, nil
}

func (r *Repository) prepareDelete(ctx context.Context, id string, raw persistence.Document, soft bool, seen map[string]struct{}, wo writeOptions) (pendingItem, error) {
	const op = "deleteMany"

	if _, dup := seen[id]; dup {
		return pendingItem{}, standarderrors.New(standarderrors.InvalidArgument, "id %s appears more than once", id).WithOp(op, r.cfg.Collection, id)
	}

	seen[id] = struct{}{}

	if id == "" || raw == nil {
		return pendingItem{}, r.notFound(op, id)
	}

	current, _, err := r.decode(raw)
	if err != nil {
		return pendingItem{}, r.annotate(err, op, id)
	}

	if r.hidden(current, !soft) {
		return pendingItem{}, r.notFound(op, id)
	}

	if r.hooks.BeforeDelete != nil {
		if err := r.hooks.BeforeDelete(ctx, current.Clone()); err != nil {
			return pendingItem{}, r.annotate(hookFailed("beforeDelete", err), op, id)
		}
	}

	entryOp := history.OpDelete
	if soft {
		entryOp = history.OpSoftDelete
	}

	entry, err := r.record(ctx, entryOp, id, raw, wo)
	if err != nil {
		return pendingItem{}, err
	}

	return pendingItem{
		id:    id,
		entry: entry,
		build: func(raw persistence.Document) (batchWrite, error) {
			if raw == nil {
				return batchWrite{}, r.notFound(op, id)
			}

			if !soft {
				return batchWrite{}, nil
			}

			current, _, err := r.decode(raw)
			if err != nil {
				return batchWrite{}, err
			}

			if r.hidden(current, false) {
				return batchWrite{}, r.notFound(op, id)
			}

			now := r.now().UTC()
			next := current.Clone()
			next[persistence.FieldDeletedAt] = now
			next[persistence.FieldUpdatedAt] = now
			next[persistence.FieldVersion] = current.Version() + 1

			stored, err := r.encode(next, raw)
			if err != nil {
				return batchWrite{}, err
			}

			return batchWrite{doc: next, stored: stored}, nil
		},
	}, nil
}
