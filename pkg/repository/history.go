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

	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
	"github.com/united-manufacturing-hub/docrepo/pkg/history"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// record appends the pre-mutation snapshot. raw is the stored form, nil when
// the document does not exist yet. A failure aborts the mutation.
func (r *Repository) record(ctx context.Context, op history.Operation, id string, raw persistence.Document, wo writeOptions) (history.Entry, error) {
	if r.ledger == nil || wo.skipHistory {
		return history.Entry{}, nil
	}

	// There is no document to embed into yet.
	if raw == nil && r.cfg.History.Storage == config.HistoryEmbedded {
		return history.Entry{}, nil
	}

	start := time.Now()

	entry, err := r.ledger.Record(ctx, history.Entry{
		Snapshot:   raw.Clone(),
		DocumentID: id,
		Operation:  op,
		ActorID:    wo.actorID,
		Reason:     wo.reason,
		Version:    raw.Version(),
	})
	r.observe(diagnostics.TypeHistory, "record", id, start, err, map[string]interface{}{"entryOperation": string(op)})

	if err != nil {
		return history.Entry{}, r.annotate(err, "recordHistory", id)
	}

	return entry, nil
}

// attachRedo stores the committed state on entry. The mutation already
// committed, so a failure only costs the redo.
func (r *Repository) attachRedo(ctx context.Context, entry history.Entry, doc persistence.Document) {
	redo, err := r.encode(doc, nil)
	if err == nil {
		err = r.ledger.AttachRedo(ctx, entry.DocumentID, entry.ID, redo)
	}

	if err != nil {
		r.warn("failed to attach redo snapshot", "attachRedo", entry.DocumentID, err)
	}
}

// discard removes the entry of a mutation that failed after it was recorded,
// so that it does not shadow the real history.
func (r *Repository) discard(ctx context.Context, entry history.Entry) {
	if entry.ID == "" || r.ledger == nil {
		return
	}

	if err := r.ledger.Discard(ctx, entry.DocumentID, entry.ID); err != nil {
		r.warn("failed to discard history entry", "discardHistory", entry.DocumentID, err)
	}
}

func (r *Repository) requireHistory(op, id string) error {
	if err := r.usable(op); err != nil {
		return err
	}

	if id == "" {
		return standarderrors.New(standarderrors.InvalidArgument, "id is required").WithOp(op, r.cfg.Collection, "")
	}

	if r.ledger == nil {
		return standarderrors.New(standarderrors.FailedPrecondition, "history is not enabled").WithOp(op, r.cfg.Collection, id)
	}

	return nil
}

// recent returns the newest n entries. A document whose embedded history went
// away with it has no entries.
func (r *Repository) recent(ctx context.Context, op, id string, n int) ([]history.Entry, error) {
	entries, err := r.ledger.Recent(ctx, id, n)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, r.annotate(err, op, id)
	}

	return entries, nil
}

// Undo restores the document to the snapshot taken before its latest recorded
// mutation. The restore itself is not recorded. A document whose only entry is
// its creation has nothing to undo to and yields FailedPrecondition; an undone
// hard delete re-creates the document.
func (r *Repository) Undo(ctx context.Context, id string) (persistence.Document, error) {
	const op = "undo"

	start := time.Now()

	doc, err := r.undo(ctx, id)
	r.observe(diagnostics.TypeHistory, op, id, start, err, nil)

	return doc, err
}

func (r *Repository) undo(ctx context.Context, id string) (persistence.Document, error) {
	const op = "undo"

	if err := r.requireHistory(op, id); err != nil {
		return nil, err
	}

	entries, err := r.recent(ctx, op, id, 2)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, standarderrors.New(standarderrors.FailedPrecondition, "document %s has no history", id).WithOp(op, r.cfg.Collection, id)
	}

	newest := entries[0]
	if newest.Snapshot == nil {
		return nil, standarderrors.New(standarderrors.FailedPrecondition, "document %s has nothing to undo before its creation", id).WithOp(op, r.cfg.Collection, id)
	}

	return r.restoreSnapshot(ctx, op, id, newest.Snapshot)
}

// Redo re-applies the state captured after the latest recorded mutation. The
// log ledger needs the creation entry plus at least one later entry; the
// embedded ledger, which never records creations, needs one entry.
func (r *Repository) Redo(ctx context.Context, id string) (persistence.Document, error) {
	const op = "redo"

	start := time.Now()

	doc, err := r.redo(ctx, id)
	r.observe(diagnostics.TypeHistory, op, id, start, err, nil)

	return doc, err
}

func (r *Repository) redo(ctx context.Context, id string) (persistence.Document, error) {
	const op = "redo"

	if err := r.requireHistory(op, id); err != nil {
		return nil, err
	}

	need := 2
	if r.cfg.History.Storage == config.HistoryEmbedded {
		need = 1
	}

	entries, err := r.recent(ctx, op, id, 2)
	if err != nil {
		return nil, err
	}

	if len(entries) < need || entries[0].RedoSnapshot == nil {
		return nil, standarderrors.New(standarderrors.FailedPrecondition, "document %s has nothing to redo", id).WithOp(op, r.cfg.Collection, id)
	}

	return r.restoreSnapshot(ctx, op, id, entries[0].RedoSnapshot)
}

// restoreSnapshot writes the stored form snapshot back as the next version of
// id, without recording history or running checks.
func (r *Repository) restoreSnapshot(ctx context.Context, op, id string, snapshot persistence.Document) (persistence.Document, error) {
	if !r.monitor.Online() {
		return nil, standarderrors.New(standarderrors.Unavailable, "%s is not available offline", op).WithOp(op, r.cfg.Collection, id)
	}

	target, _, err := r.decode(snapshot)
	if err != nil {
		return nil, r.annotate(err, op, id)
	}

	r.invalidate()

	doc, err := r.mutate(ctx, mutation{
		op:             op,
		id:             id,
		wo:             writeOptions{skipHistory: true},
		includeDeleted: true,
		replace:        true,
		unchecked:      true,
		apply: func(persistence.Document) (persistence.Document, error) {
			next := target.Clone()
			delete(next, persistence.FieldVersion)
			delete(next, persistence.FieldUpdatedAt)

			return next, nil
		},
	})

	if standarderrors.IsKind(err, standarderrors.NotFound) {
		doc, err = r.recreate(ctx, op, id, target)
	}

	if err != nil {
		return nil, err
	}

	r.committed(ctx, op, id, doc, r.afterUpdate(ctx, doc))

	return doc.Clone(), nil
}

// recreate stores target again after a hard delete. The version continues from
// the snapshot.
func (r *Repository) recreate(ctx context.Context, op, id string, target persistence.Document) (persistence.Document, error) {
	doc := target.Clone()
	doc[persistence.FieldID] = id
	doc[persistence.FieldVersion] = target.Version() + 1
	doc[persistence.FieldUpdatedAt] = r.now().UTC()

	doc, err := r.migrations.OnWrite(doc)
	if err != nil {
		return nil, r.annotate(err, op, id)
	}

	stored, err := r.encode(doc, nil)
	if err != nil {
		return nil, r.annotate(err, op, id)
	}

	err = r.retry(ctx, op, id, func() error {
		return r.driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
			_, err := tx.Get(ctx, r.cfg.Collection, id)

			switch {
			case err == nil:
				return standarderrors.New(standarderrors.Conflict, "document %s was re-created concurrently", id)
			case !errors.Is(err, persistence.ErrNotFound):
				return err
			}

			return tx.Set(r.cfg.Collection, id, stored)
		})
	})
	if err != nil {
		return nil, err
	}

	r.invalidate()

	return doc, nil
}

// GetHistory returns up to limit of the newest entries for id in chronological
// order, with decoded snapshots. A limit of 0 returns every kept entry.
func (r *Repository) GetHistory(ctx context.Context, id string, limit int) ([]history.Entry, error) {
	const op = "getHistory"

	if err := r.requireHistory(op, id); err != nil {
		return nil, err
	}

	entries, err := r.ledger.List(ctx, id, limit)
	if errors.Is(err, persistence.ErrNotFound) {
		return []history.Entry{}, nil
	}

	if err != nil {
		return nil, r.annotate(err, op, id)
	}

	for i := range entries {
		if entries[i].Snapshot, err = r.decodeSnapshot(entries[i].Snapshot); err != nil {
			return nil, r.annotate(err, op, id)
		}

		if entries[i].RedoSnapshot, err = r.decodeSnapshot(entries[i].RedoSnapshot); err != nil {
			return nil, r.annotate(err, op, id)
		}
	}

	return entries, nil
}

func (r *Repository) decodeSnapshot(snapshot persistence.Document) (persistence.Document, error) {
	if snapshot == nil {
		return nil, nil
	}

	doc, _, err := r.decode(snapshot)

	return doc, err
}
