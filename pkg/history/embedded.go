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

// EmbeddedLedger keeps the newest entries in the document's own _history field.
//
// Creates are not recorded because there is no document to embed into yet, and
// a hard delete takes the history with it. Callers that write whole documents
// must carry the stored _history field over.
type EmbeddedLedger struct {
	driver     persistence.Driver
	now        func() time.Time
	collection string
	maxEntries int
}

func NewEmbeddedLedger(driver persistence.Driver, collection string, maxEntries int) *EmbeddedLedger {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	return &EmbeddedLedger{driver: driver, collection: collection, maxEntries: maxEntries, now: time.Now}
}

func (l *EmbeddedLedger) Record(ctx context.Context, entry Entry) (Entry, error) {
	if entry.Operation == OpCreate {
		return entry, nil
	}

	entry = prepare(entry, l.now())

	entries, err := l.load(ctx, entry.DocumentID)
	if err != nil {
		return Entry{}, err
	}

	entries = append(entries, entry)
	if len(entries) > l.maxEntries {
		entries = entries[len(entries)-l.maxEntries:]
	}

	if err := l.store(ctx, entry.DocumentID, entries); err != nil {
		return Entry{}, err
	}

	return entry, nil
}

func (l *EmbeddedLedger) AttachRedo(ctx context.Context, documentID, entryID string, redo persistence.Document) error {
	entries, err := l.load(ctx, documentID)
	if err != nil {
		return err
	}

	for i := range entries {
		if entries[i].ID == entryID {
			entries[i].RedoSnapshot = withoutHistory(redo)

			return l.store(ctx, documentID, entries)
		}
	}

	return fmt.Errorf("history entry %s of %s: %w", entryID, documentID, persistence.ErrNotFound)
}

// Discard drops entryID from the embedded array. A document that no longer
// exists has nothing to discard.
func (l *EmbeddedLedger) Discard(ctx context.Context, documentID, entryID string) error {
	entries, err := l.load(ctx, documentID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.ID != entryID {
			kept = append(kept, e)
		}
	}

	if len(kept) == len(entries) {
		return nil
	}

	return l.store(ctx, documentID, kept)
}

func (l *EmbeddedLedger) Recent(ctx context.Context, documentID string, n int) ([]Entry, error) {
	entries, err := l.load(ctx, documentID)
	if err != nil {
		return nil, err
	}

	reverse(entries)

	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}

	return entries, nil
}

func (l *EmbeddedLedger) List(ctx context.Context, documentID string, limit int) ([]Entry, error) {
	entries, err := l.load(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	return entries, nil
}

func (l *EmbeddedLedger) load(ctx context.Context, documentID string) ([]Entry, error) {
	doc, err := l.driver.Get(ctx, l.collection, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded history of %s: %w", documentID, err)
	}

	raw, _ := doc[persistence.FieldHistory].([]interface{})
	entries := make([]Entry, 0, len(raw))

	for _, item := range raw {
		entry, err := fromDocument(item)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (l *EmbeddedLedger) store(ctx context.Context, documentID string, entries []Entry) error {
	raw := make([]interface{}, 0, len(entries))

	for _, e := range entries {
		doc, err := toDocument(e)
		if err != nil {
			return err
		}

		raw = append(raw, map[string]interface{}(doc))
	}

	err := l.driver.Update(ctx, l.collection, documentID, persistence.Document{persistence.FieldHistory: raw})
	if err != nil {
		return fmt.Errorf("failed to store embedded history of %s: %w", documentID, err)
	}

	return nil
}
