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

package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

// CollectionSuffix names the side collection of a LogLedger.
const CollectionSuffix = "__history"

const fieldDocumentID = "documentId"

// LogLedger stores each entry as its own document in <collection>__history,
// keyed by the entry id.
type LogLedger struct {
	driver     persistence.Driver
	now        func() time.Time
	collection string
	maxEntries int
}

func NewLogLedger(driver persistence.Driver, collection string, maxEntries int) *LogLedger {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	return &LogLedger{
		driver:     driver,
		collection: collection + CollectionSuffix,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Collection returns the name of the side collection.
func (l *LogLedger) Collection() string {
	return l.collection
}

func (l *LogLedger) Record(ctx context.Context, entry Entry) (Entry, error) {
	entry = prepare(entry, l.now())

	doc, err := toDocument(entry)
	if err != nil {
		return Entry{}, err
	}

	if err := l.driver.Set(ctx, l.collection, entry.ID, doc); err != nil {
		return Entry{}, fmt.Errorf("failed to record history for %s: %w", entry.DocumentID, err)
	}

	if err := l.prune(ctx, entry.DocumentID); err != nil {
		return entry, err
	}

	return entry, nil
}

func (l *LogLedger) AttachRedo(ctx context.Context, documentID, entryID string, redo persistence.Document) error {
	entry, err := toDocument(Entry{RedoSnapshot: withoutHistory(redo)})
	if err != nil {
		return err
	}

	err = l.driver.Update(ctx, l.collection, entryID, persistence.Document{"redoSnapshot": entry["redoSnapshot"]})
	if err != nil {
		return fmt.Errorf("failed to attach redo snapshot to %s/%s: %w", documentID, entryID, err)
	}

	return nil
}

func (l *LogLedger) Discard(ctx context.Context, documentID, entryID string) error {
	err := l.driver.Delete(ctx, l.collection, entryID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("failed to discard history entry %s of %s: %w", entryID, documentID, err)
	}

	return nil
}

func (l *LogLedger) Recent(ctx context.Context, documentID string, n int) ([]Entry, error) {
	if n <= 0 {
		n = l.maxEntries
	}

	return l.query(ctx, documentID, persistence.Desc, n)
}

func (l *LogLedger) List(ctx context.Context, documentID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > l.maxEntries {
		limit = l.maxEntries
	}

	entries, err := l.query(ctx, documentID, persistence.Desc, limit)
	if err != nil {
		return nil, err
	}

	reverse(entries)

	return entries, nil
}

func (l *LogLedger) query(ctx context.Context, documentID string, order persistence.SortOrder, limit int) ([]Entry, error) {
	q := persistence.NewQuery().
		Filter(fieldDocumentID, persistence.Eq, documentID).
		Sort(persistence.FieldID, order).
		Limit(limit)

	docs, err := l.driver.Query(ctx, l.collection, *q)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", documentID, err)
	}

	entries := make([]Entry, 0, len(docs))

	for _, doc := range docs {
		entry, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (l *LogLedger) prune(ctx context.Context, documentID string) error {
	entries, err := l.query(ctx, documentID, persistence.Asc, 0)
	if err != nil {
		return err
	}

	excess := len(entries) - l.maxEntries
	if excess <= 0 {
		return nil
	}

	ops := make([]persistence.BatchOp, 0, excess)
	for _, e := range entries[:excess] {
		ops = append(ops, persistence.BatchOp{Kind: persistence.BatchDelete, Collection: l.collection, ID: e.ID})
	}

	batchSize := l.driver.Limits().MaxBatchWrites
	if batchSize <= 0 {
		batchSize = persistence.DefaultMaxBatchWrites
	}

	for start := 0; start < len(ops); start += batchSize {
		end := min(start+batchSize, len(ops))
		if err := l.driver.Batch(ctx, ops[start:end]); err != nil {
			return fmt.Errorf("failed to prune history for %s: %w", documentID, err)
		}
	}

	return nil
}
