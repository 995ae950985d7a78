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
	"strings"
	"time"

	"github.com/united-manufacturing-hub/docrepo/pkg/codec"
	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
	"github.com/united-manufacturing-hub/docrepo/pkg/history"
	"github.com/united-manufacturing-hub/docrepo/pkg/offlinequeue"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// classify keeps typed errors and wraps anything else as kind.
func classify(err error, kind standarderrors.Kind, format string, args ...interface{}) error {
	var typed *standarderrors.Error
	if errors.As(err, &typed) {
		return err
	}

	return standarderrors.Wrap(kind, err, format, args...)
}

// stripMetadata returns the caller data of doc without the fields maintained
// by the repository.
func stripMetadata(doc persistence.Document) persistence.Document {
	out := doc.Clone()
	if out == nil {
		out = persistence.Document{}
	}

	for _, f := range persistence.MetadataFields {
		delete(out, f)
	}

	delete(out, FieldPending)
	delete(out, FieldPopulateFailed)

	return out
}

// expectedVersion reads the optimistic locking value of an update payload.
func expectedVersion(changes persistence.Document) (int64, bool) {
	v, ok := changes[persistence.FieldVersion]
	if !ok || v == nil {
		return 0, false
	}

	return persistence.AsInt64(v)
}

// checkDocument runs the schema validator and the invariants.
func (r *Repository) checkDocument(doc persistence.Document) error {
	if r.validator != nil {
		if err := r.validator.Validate(stripMetadata(doc)); err != nil {
			return classify(err, standarderrors.ValidationFailed, "document failed validation")
		}
	}

	for _, inv := range r.invariants {
		if err := inv(doc.Clone()); err != nil {
			return classify(err, standarderrors.ValidationFailed, "document violates an invariant")
		}
	}

	return nil
}

// check runs checkDocument and the unique field guards. excludeID is the id of
// the document being written.
func (r *Repository) check(ctx context.Context, doc persistence.Document, excludeID string) error {
	if err := r.checkDocument(doc); err != nil {
		return err
	}

	for _, field := range r.cfg.UniqueFields {
		v, ok := persistence.Lookup(doc, field)
		if !ok || v == nil {
			continue
		}

		if err := r.EnsureUnique(ctx, field, v, excludeID); err != nil {
			return err
		}
	}

	return nil
}

func hookFailed(name string, err error) error {
	return classify(err, standarderrors.FailedPrecondition, "%s hook rejected the operation", name)
}

// committed propagates a committed write to the side channels and the after
// hook. doc is nil for hard deletes. Nothing here fails the write.
func (r *Repository) committed(ctx context.Context, op, id string, doc persistence.Document, after func() error) {
	if r.extCache != nil {
		var err error
		if doc != nil {
			err = r.extCache.Set(ctx, r.cacheKey(id), doc.Clone())
		} else {
			err = r.extCache.Delete(ctx, r.cacheKey(id))
		}

		if err != nil {
			r.warn("external cache update failed", op, id, err)
		}
	}

	if r.indexer != nil {
		var err error
		if doc != nil && !doc.IsDeleted() {
			err = r.indexer.Index(ctx, r.cfg.Collection, doc.Clone())
		} else {
			err = r.indexer.Remove(ctx, r.cfg.Collection, id)
		}

		if err != nil {
			r.warn("search index update failed", op, id, err)
		}
	}

	if after != nil {
		if err := after(); err != nil {
			r.warn("after hook failed", op, id, err)
		}
	}
}

// Create stores a new document built from data and returns it with the base
// fields set. Base fields in data are ignored, except the id under the
// client-supplied strategy. A document with the same id yields Conflict.
func (r *Repository) Create(ctx context.Context, data persistence.Document, opts ...WriteOption) (persistence.Document, error) {
	start := time.Now()

	doc, err := r.create(ctx, data, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, "create", doc.ID(), start, err, nil)

	return doc, err
}

func (r *Repository) create(ctx context.Context, data persistence.Document, wo writeOptions) (persistence.Document, error) {
	const op = "create"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	r.invalidate()

	draft := stripMetadata(data)

	if r.offline(wo) {
		id, err := r.assignID(data, wo)
		if err != nil {
			return nil, r.annotate(err, op, "")
		}

		now := r.now().UTC()
		placeholder := draft.Clone()
		placeholder[persistence.FieldID] = id
		placeholder[persistence.FieldVersion] = int64(1)
		placeholder[persistence.FieldCreatedAt] = now
		placeholder[persistence.FieldUpdatedAt] = now
		placeholder[persistence.FieldDeletedAt] = nil

		return r.enqueue(ctx, offlinequeue.KindCreate, offlinequeue.Args{Data: draft, ID: id, ActorID: wo.actorID, Reason: wo.reason}, placeholder)
	}

	if r.hooks.BeforeCreate != nil {
		if err := r.hooks.BeforeCreate(ctx, draft); err != nil {
			return nil, r.annotate(hookFailed("beforeCreate", err), op, "")
		}
	}

	if err := r.check(ctx, draft, ""); err != nil {
		return nil, r.annotate(err, op, "")
	}

	idSource := draft
	if id, ok := data[persistence.FieldID]; ok {
		idSource = draft.Clone()
		idSource[persistence.FieldID] = id
	}

	id, err := r.assignID(idSource, wo)
	if err != nil {
		return nil, r.annotate(err, op, "")
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
		return nil, r.annotate(err, op, id)
	}

	stored, err := r.encode(doc, nil)
	if err != nil {
		return nil, r.annotate(err, op, id)
	}

	entry, err := r.record(ctx, history.OpCreate, id, nil, wo)
	if err != nil {
		return nil, err
	}

	err = r.retry(ctx, op, id, func() error {
		return r.driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
			_, err := tx.Get(ctx, r.cfg.Collection, id)

			switch {
			case err == nil:
				return standarderrors.New(standarderrors.Conflict, "document %s already exists", id)
			case !errors.Is(err, persistence.ErrNotFound):
				return err
			}

			return tx.Set(r.cfg.Collection, id, stored)
		})
	})
	if err != nil {
		r.discard(ctx, entry)

		return nil, err
	}

	r.invalidate()
	r.committed(ctx, op, id, doc, r.afterCreate(ctx, doc))

	return doc.Clone(), nil
}

func (r *Repository) afterCreate(ctx context.Context, doc persistence.Document) func() error {
	if r.hooks.AfterCreate == nil {
		return nil
	}

	return func() error { return r.hooks.AfterCreate(ctx, doc.Clone()) }
}

func (r *Repository) afterUpdate(ctx context.Context, doc persistence.Document) func() error {
	if r.hooks.AfterUpdate == nil {
		return nil
	}

	return func() error { return r.hooks.AfterUpdate(ctx, doc.Clone()) }
}

func (r *Repository) afterDelete(ctx context.Context, id string) func() error {
	if r.hooks.AfterDelete == nil {
		return nil
	}

	return func() error { return r.hooks.AfterDelete(ctx, id) }
}

// mutation describes a read-modify-write of one existing document.
//
// apply derives the changes from the current document; they are merged as dot
// paths, or form the complete new document when replace is set. apply runs once
// before the history snapshot is taken and again inside every transaction
// attempt, so it must not have side effects. unchecked skips validation, for
// restoring states that were valid when they were written.
type mutation struct {
	apply          func(current persistence.Document) (persistence.Document, error)
	before         func(ctx context.Context, current, changes persistence.Document) error
	op             string
	id             string
	entryOp        history.Operation
	wo             writeOptions
	expected       int64
	locked         bool
	includeDeleted bool
	replace        bool
	unchecked      bool
}

// merge builds the next document of m from current.
func (m mutation) merge(current, changes persistence.Document) persistence.Document {
	if !m.replace {
		return persistence.ApplyUpdate(current.Clone(), codec.Flatten(changes))
	}

	next := changes.Clone()
	next[persistence.FieldID] = current.ID()
	next[persistence.FieldCreatedAt] = current[persistence.FieldCreatedAt]

	if _, ok := next[persistence.FieldDeletedAt]; !ok {
		next[persistence.FieldDeletedAt] = current[persistence.FieldDeletedAt]
	}

	return next
}

func (r *Repository) stale(op, id string, expected, actual int64) error {
	return standarderrors.New(standarderrors.ConcurrentModification,
		"document %s is at version %d, expected %d", id, actual, expected).WithOp(op, r.cfg.Collection, id)
}

// mutate commits m and returns the new document.
//
// The stored document is read first, so that a stale version, a missing
// document or a rejecting hook fail before any history is written. The
// transaction then re-reads, re-checks and writes; it is retried on contention.
func (r *Repository) mutate(ctx context.Context, m mutation) (persistence.Document, error) {
	raw, err := r.getRaw(ctx, m.op, m.id)
	if err != nil {
		return nil, err
	}

	current, _, err := r.decode(raw)
	if err != nil {
		return nil, r.annotate(err, m.op, m.id)
	}

	if r.hidden(current, m.includeDeleted) {
		return nil, r.notFound(m.op, m.id)
	}

	if m.locked && current.Version() != m.expected {
		return nil, r.stale(m.op, m.id, m.expected, current.Version())
	}

	changes, err := m.apply(current.Clone())
	if err != nil {
		return nil, r.annotate(err, m.op, m.id)
	}

	if m.before != nil {
		if err := m.before(ctx, current.Clone(), changes.Clone()); err != nil {
			return nil, r.annotate(hookFailed(m.op, err), m.op, m.id)
		}
	}

	if !m.unchecked {
		if err := r.check(ctx, m.merge(current, changes), m.id); err != nil {
			return nil, r.annotate(err, m.op, m.id)
		}
	}

	entry, err := r.record(ctx, m.entryOp, m.id, raw, m.wo)
	if err != nil {
		return nil, err
	}

	var result persistence.Document

	err = r.retry(ctx, m.op, m.id, func() error {
		return r.driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
			next, err := r.mutateInTx(ctx, tx, m)
			if err != nil {
				return err
			}

			result = next

			return nil
		})
	})
	if err != nil {
		r.discard(ctx, entry)

		return nil, err
	}

	r.invalidate()

	if entry.ID != "" {
		r.attachRedo(ctx, entry, result)
	}

	return result, nil
}

func (r *Repository) mutateInTx(ctx context.Context, tx persistence.Transaction, m mutation) (persistence.Document, error) {
	raw, err := tx.Get(ctx, r.cfg.Collection, m.id)
	if err != nil {
		return nil, err
	}

	current, migrated, err := r.decode(raw)
	if err != nil {
		return nil, err
	}

	if r.hidden(current, m.includeDeleted) {
		return nil, r.notFound(m.op, m.id)
	}

	if m.locked && current.Version() != m.expected {
		return nil, r.stale(m.op, m.id, m.expected, current.Version())
	}

	changes, err := m.apply(current.Clone())
	if err != nil {
		return nil, err
	}

	next := m.merge(current, changes)

	if !m.unchecked {
		if err := r.checkDocument(next); err != nil {
			return nil, err
		}
	}

	next[persistence.FieldUpdatedAt] = r.now().UTC()
	next[persistence.FieldVersion] = current.Version() + 1

	next, err = r.migrations.OnWrite(next)
	if err != nil {
		return nil, err
	}

	if !m.replace && !migrated && r.codec.SupportsPartial() && !r.touchesEncryptedInterior(changes) {
		fields := codec.Flatten(changes)
		fields[persistence.FieldUpdatedAt] = next[persistence.FieldUpdatedAt]
		fields[persistence.FieldVersion] = next[persistence.FieldVersion]

		if sv, ok := next[persistence.FieldSchemaVersion]; ok {
			fields[persistence.FieldSchemaVersion] = sv
		}

		encoded, err := r.codec.Encode(fields, codec.ModePartial)
		if err != nil {
			return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to encode changes of %s", m.id)
		}

		if err := tx.Update(r.cfg.Collection, m.id, encoded); err != nil {
			return nil, err
		}

		return next, nil
	}

	stored, err := r.encode(next, raw)
	if err != nil {
		return nil, err
	}

	if err := tx.Set(r.cfg.Collection, m.id, stored); err != nil {
		return nil, err
	}

	return next, nil
}

// touchesEncryptedInterior reports whether a change addresses a path inside an
// encrypted field. Such a field is stored as one ciphertext and can only be
// rewritten as a whole.
func (r *Repository) touchesEncryptedInterior(changes persistence.Document) bool {
	if len(r.cfg.Encryption.Fields) == 0 {
		return false
	}

	for key := range codec.Flatten(changes) {
		for _, field := range r.cfg.Encryption.Fields {
			if strings.HasPrefix(key, field+".") {
				return true
			}
		}
	}

	return false
}

// Update merges changes into the document stored under id. Nested objects are
// merged field by field. If changes carries a version it must equal the stored
// version, otherwise ConcurrentModification is returned and nothing is written.
func (r *Repository) Update(ctx context.Context, id string, changes persistence.Document, opts ...WriteOption) (persistence.Document, error) {
	start := time.Now()

	doc, err := r.update(ctx, id, changes, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, "update", id, start, err, nil)

	return doc, err
}

func (r *Repository) update(ctx context.Context, id string, changes persistence.Document, wo writeOptions) (persistence.Document, error) {
	const op = "update"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	if id == "" {
		return nil, standarderrors.New(standarderrors.InvalidArgument, "id is required").WithOp(op, r.cfg.Collection, "")
	}

	r.invalidate()

	fields := stripMetadata(changes)

	if r.offline(wo) {
		data := fields.Clone()
		if v, ok := changes[persistence.FieldVersion]; ok {
			data[persistence.FieldVersion] = v
		}

		placeholder := fields.Clone()
		placeholder[persistence.FieldID] = id

		return r.enqueue(ctx, offlinequeue.KindUpdate, offlinequeue.Args{Data: data, ID: id, ActorID: wo.actorID, Reason: wo.reason}, placeholder)
	}

	expected, locked := expectedVersion(changes)

	doc, err := r.mutate(ctx, mutation{
		op:       op,
		id:       id,
		entryOp:  history.OpUpdate,
		wo:       wo,
		expected: expected,
		locked:   locked,
		apply: func(persistence.Document) (persistence.Document, error) {
			return fields.Clone(), nil
		},
		before: r.hooks.BeforeUpdate,
	})
	if err != nil {
		return nil, err
	}

	r.committed(ctx, op, id, doc, r.afterUpdate(ctx, doc))

	return doc.Clone(), nil
}

// Upsert updates the document stored under id, or creates it from data when it
// does not exist. An empty id is assigned by the id strategy.
func (r *Repository) Upsert(ctx context.Context, id string, data persistence.Document, opts ...WriteOption) (persistence.Document, error) {
	start := time.Now()

	doc, err := r.upsert(ctx, id, data, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, "upsert", doc.ID(), start, err, nil)

	return doc, err
}

func (r *Repository) upsert(ctx context.Context, id string, data persistence.Document, wo writeOptions) (persistence.Document, error) {
	const op = "upsert"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	r.invalidate()

	fields := stripMetadata(data)

	if id == "" {
		if wo.id != "" {
			id = wo.id
		} else {
			assigned, err := r.assignID(data, wo)
			if err != nil {
				return nil, r.annotate(err, op, "")
			}

			id = assigned
		}
	}

	if r.offline(wo) {
		placeholder := fields.Clone()
		placeholder[persistence.FieldID] = id

		return r.enqueue(ctx, offlinequeue.KindUpsert, offlinequeue.Args{Data: fields, ID: id, ActorID: wo.actorID, Reason: wo.reason}, placeholder)
	}

	expected, locked := expectedVersion(data)

	raw, err := r.getRaw(ctx, op, id)

	switch {
	case standarderrors.IsKind(err, standarderrors.NotFound):
		raw = nil
	case err != nil:
		return nil, err
	}

	var current persistence.Document

	if raw != nil {
		current, _, err = r.decode(raw)
		if err != nil {
			return nil, r.annotate(err, op, id)
		}

		if locked && current.Version() != expected {
			return nil, r.stale(op, id, expected, current.Version())
		}

		if r.hooks.BeforeUpdate != nil {
			if err := r.hooks.BeforeUpdate(ctx, current.Clone(), fields.Clone()); err != nil {
				return nil, r.annotate(hookFailed("beforeUpdate", err), op, id)
			}
		}

		if err := r.check(ctx, persistence.ApplyUpdate(current.Clone(), codec.Flatten(fields)), id); err != nil {
			return nil, r.annotate(err, op, id)
		}
	} else {
		if r.hooks.BeforeCreate != nil {
			if err := r.hooks.BeforeCreate(ctx, fields); err != nil {
				return nil, r.annotate(hookFailed("beforeCreate", err), op, id)
			}
		}

		if err := r.check(ctx, fields, id); err != nil {
			return nil, r.annotate(err, op, id)
		}
	}

	entry, err := r.record(ctx, history.OpUpsert, id, raw, wo)
	if err != nil {
		return nil, err
	}

	var (
		result  persistence.Document
		created bool
	)

	err = r.retry(ctx, op, id, func() error {
		return r.driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
			raw, err := tx.Get(ctx, r.cfg.Collection, id)

			var next persistence.Document

			now := r.now().UTC()

			switch {
			case errors.Is(err, persistence.ErrNotFound):
				next = fields.Clone()
				next[persistence.FieldID] = id
				next[persistence.FieldCreatedAt] = now
				next[persistence.FieldVersion] = int64(1)
				next[persistence.FieldDeletedAt] = nil
				created = true
			case err != nil:
				return err
			default:
				current, _, err := r.decode(raw)
				if err != nil {
					return err
				}

				if locked && current.Version() != expected {
					return r.stale(op, id, expected, current.Version())
				}

				next = persistence.ApplyUpdate(current, codec.Flatten(fields))
				next[persistence.FieldVersion] = current.Version() + 1
				created = false
			}

			next[persistence.FieldUpdatedAt] = now

			if err := r.checkDocument(next); err != nil {
				return err
			}

			next, err = r.migrations.OnWrite(next)
			if err != nil {
				return err
			}

			stored, err := r.encode(next, raw)
			if err != nil {
				return err
			}

			result = next

			return tx.Set(r.cfg.Collection, id, stored)
		})
	})
	if err != nil {
		r.discard(ctx, entry)

		return nil, err
	}

	r.invalidate()

	if entry.ID != "" {
		r.attachRedo(ctx, entry, result)
	}

	if created {
		r.committed(ctx, op, id, result, r.afterCreate(ctx, result))
	} else {
		r.committed(ctx, op, id, result, r.afterUpdate(ctx, result))
	}

	return result.Clone(), nil
}

// Delete removes the document stored under id. With soft delete configured it
// marks the document deleted instead, unless WithHardDelete is given.
func (r *Repository) Delete(ctx context.Context, id string, opts ...WriteOption) error {
	start := time.Now()

	err := r.delete(ctx, id, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, "delete", id, start, err, nil)

	return err
}

func (r *Repository) delete(ctx context.Context, id string, wo writeOptions) error {
	if r.cfg.SoftDelete && !wo.hardDelete {
		_, err := r.softDelete(ctx, id, wo)

		return err
	}

	const op = "delete"

	if err := r.usable(op); err != nil {
		return err
	}

	if id == "" {
		return standarderrors.New(standarderrors.InvalidArgument, "id is required").WithOp(op, r.cfg.Collection, "")
	}

	r.invalidate()

	if r.offline(wo) {
		_, err := r.enqueue(ctx, offlinequeue.KindDelete, offlinequeue.Args{ID: id, ActorID: wo.actorID, Reason: wo.reason, HardDelete: wo.hardDelete}, nil)

		return err
	}

	raw, err := r.getRaw(ctx, op, id)
	if err != nil {
		return err
	}

	current, _, err := r.decode(raw)
	if err != nil {
		return r.annotate(err, op, id)
	}

	if r.hooks.BeforeDelete != nil {
		if err := r.hooks.BeforeDelete(ctx, current.Clone()); err != nil {
			return r.annotate(hookFailed("beforeDelete", err), op, id)
		}
	}

	entry, err := r.record(ctx, history.OpDelete, id, raw, wo)
	if err != nil {
		return err
	}

	err = r.retry(ctx, op, id, func() error {
		return r.driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
			if _, err := tx.Get(ctx, r.cfg.Collection, id); err != nil {
				return err
			}

			return tx.Delete(r.cfg.Collection, id)
		})
	})
	if err != nil {
		r.discard(ctx, entry)

		return err
	}

	r.invalidate()
	r.committed(ctx, op, id, nil, r.afterDelete(ctx, id))

	return nil
}

// SoftDelete marks the document deleted by stamping deletedAt. It requires soft
// delete to be configured. Deleting an already deleted document is NotFound.
func (r *Repository) SoftDelete(ctx context.Context, id string, opts ...WriteOption) (persistence.Document, error) {
	start := time.Now()

	doc, err := r.softDelete(ctx, id, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, "softDelete", id, start, err, nil)

	return doc, err
}

func (r *Repository) softDelete(ctx context.Context, id string, wo writeOptions) (persistence.Document, error) {
	const op = "softDelete"

	if err := r.requireSoftDelete(op, id); err != nil {
		return nil, err
	}

	r.invalidate()

	if r.offline(wo) {
		placeholder := persistence.Document{persistence.FieldID: id, persistence.FieldDeletedAt: r.now().UTC()}

		return r.enqueue(ctx, offlinequeue.KindSoftDelete, offlinequeue.Args{ID: id, ActorID: wo.actorID, Reason: wo.reason}, placeholder)
	}

	var before func(ctx context.Context, current, changes persistence.Document) error
	if r.hooks.BeforeDelete != nil {
		before = func(ctx context.Context, current, _ persistence.Document) error {
			return r.hooks.BeforeDelete(ctx, current)
		}
	}

	doc, err := r.mutate(ctx, mutation{
		op:      op,
		id:      id,
		entryOp: history.OpSoftDelete,
		wo:      wo,
		apply: func(persistence.Document) (persistence.Document, error) {
			return persistence.Document{persistence.FieldDeletedAt: r.now().UTC()}, nil
		},
		before: before,
	})
	if err != nil {
		return nil, err
	}

	r.committed(ctx, op, id, doc, r.afterDelete(ctx, id))

	return doc.Clone(), nil
}

// Restore clears deletedAt of a soft-deleted document. Restoring a document that
// is not deleted is FailedPrecondition.
func (r *Repository) Restore(ctx context.Context, id string, opts ...WriteOption) (persistence.Document, error) {
	start := time.Now()

	doc, err := r.restore(ctx, id, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, "restore", id, start, err, nil)

	return doc, err
}

func (r *Repository) restore(ctx context.Context, id string, wo writeOptions) (persistence.Document, error) {
	const op = "restore"

	if err := r.requireSoftDelete(op, id); err != nil {
		return nil, err
	}

	r.invalidate()

	if r.offline(wo) {
		placeholder := persistence.Document{persistence.FieldID: id, persistence.FieldDeletedAt: nil}

		return r.enqueue(ctx, offlinequeue.KindRestore, offlinequeue.Args{ID: id, ActorID: wo.actorID, Reason: wo.reason}, placeholder)
	}

	doc, err := r.mutate(ctx, mutation{
		op:             op,
		id:             id,
		entryOp:        history.OpRestore,
		wo:             wo,
		includeDeleted: true,
		apply: func(current persistence.Document) (persistence.Document, error) {
			if !current.IsDeleted() {
				return nil, standarderrors.New(standarderrors.FailedPrecondition, "document %s is not deleted", id)
			}

			return persistence.Document{persistence.FieldDeletedAt: nil}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	r.committed(ctx, op, id, doc, r.afterUpdate(ctx, doc))

	return doc.Clone(), nil
}

func (r *Repository) requireSoftDelete(op, id string) error {
	if err := r.usable(op); err != nil {
		return err
	}

	if id == "" {
		return standarderrors.New(standarderrors.InvalidArgument, "id is required").WithOp(op, r.cfg.Collection, "")
	}

	if !r.cfg.SoftDelete {
		return standarderrors.New(standarderrors.FailedPrecondition, "soft delete is not enabled").WithOp(op, r.cfg.Collection, id)
	}

	return nil
}

// Touch bumps updatedAt and the version without changing any data.
func (r *Repository) Touch(ctx context.Context, id string, opts ...WriteOption) (persistence.Document, error) {
	start := time.Now()

	doc, err := r.touch(ctx, id, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, "touch", id, start, err, nil)

	return doc, err
}

func (r *Repository) touch(ctx context.Context, id string, wo writeOptions) (persistence.Document, error) {
	const op = "touch"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	if id == "" {
		return nil, standarderrors.New(standarderrors.InvalidArgument, "id is required").WithOp(op, r.cfg.Collection, "")
	}

	r.invalidate()

	if r.offline(wo) {
		placeholder := persistence.Document{persistence.FieldID: id, persistence.FieldUpdatedAt: r.now().UTC()}

		return r.enqueue(ctx, offlinequeue.KindTouch, offlinequeue.Args{ID: id, ActorID: wo.actorID, Reason: wo.reason}, placeholder)
	}

	doc, err := r.mutate(ctx, mutation{
		op:      op,
		id:      id,
		entryOp: history.OpTouch,
		wo:      wo,
		apply: func(persistence.Document) (persistence.Document, error) {
			return persistence.Document{}, nil
		},
	})
	if err != nil {
		return nil, err
	}

	r.committed(ctx, op, id, doc, nil)

	return doc.Clone(), nil
}

// RunAtomic replaces the document stored under id with the result of fn, which
// receives a copy of the current document. fn may run more than once when the
// transaction is retried. The id and createdAt are kept; the version is bumped.
// RunAtomic is not available offline.
func (r *Repository) RunAtomic(ctx context.Context, id string, fn func(current persistence.Document) (persistence.Document, error), opts ...WriteOption) (persistence.Document, error) {
	const op = "runAtomic"

	start := time.Now()

	doc, err := r.runAtomic(ctx, id, fn, collectWrite(opts))
	r.observe(diagnostics.TypeWrite, op, id, start, err, nil)

	return doc, err
}

func (r *Repository) runAtomic(ctx context.Context, id string, fn func(current persistence.Document) (persistence.Document, error), wo writeOptions) (persistence.Document, error) {
	const op = "runAtomic"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	if id == "" || fn == nil {
		return nil, standarderrors.New(standarderrors.InvalidArgument, "id and fn are required").WithOp(op, r.cfg.Collection, id)
	}

	if !r.monitor.Online() {
		return nil, standarderrors.New(standarderrors.Unavailable, "atomic updates cannot be queued while offline").WithOp(op, r.cfg.Collection, id)
	}

	r.invalidate()

	doc, err := r.mutate(ctx, mutation{
		op:      op,
		id:      id,
		entryOp: history.OpRunAtomic,
		wo:      wo,
		replace: true,
		apply: func(current persistence.Document) (persistence.Document, error) {
			next, err := fn(current)
			if err != nil {
				return nil, err
			}

			return stripMetadata(next), nil
		},
		before: r.hooks.BeforeUpdate,
	})
	if err != nil {
		return nil, err
	}

	r.committed(ctx, op, id, doc, r.afterUpdate(ctx, doc))

	return doc.Clone(), nil
}
