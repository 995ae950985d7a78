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

// Package history records document snapshots so that mutations can be undone
// and redone.
//
// An Entry is appended before every mutation and carries the pre-state of the
// document. Once the mutation commits, the post-state is attached to the same
// entry as its redo snapshot. Entries are never modified otherwise; the only
// deletions are pruning of the oldest entries past the configured bound.
//
// Two storages exist:
//   - LogLedger keeps one document per entry in a side collection
//   - EmbeddedLedger keeps a bounded _history array on the document itself and
//     therefore cannot record creates
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
)

// DefaultMaxEntries bounds the entries kept per document.
const DefaultMaxEntries = 50

// Operation tags the mutation an entry precedes.
type Operation string

const (
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpDelete     Operation = "delete"
	OpSoftDelete Operation = "softDelete"
	OpRestore    Operation = "restore"
	OpUpsert     Operation = "upsert"
	OpTouch      Operation = "touch"
	OpRunAtomic  Operation = "runAtomic"
)

// Entry is one history record. Snapshot is nil for creates.
type Entry struct {
	Timestamp    time.Time            `json:"timestamp"`
	Snapshot     persistence.Document `json:"snapshot"`
	RedoSnapshot persistence.Document `json:"redoSnapshot,omitempty"`
	ID           string               `json:"id"`
	DocumentID   string               `json:"documentId"`
	Operation    Operation            `json:"operation"`
	ActorID      string               `json:"actorId,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Version      int64                `json:"version"`
}

// Ledger stores history entries.
type Ledger interface {
	// Record appends entry, assigning its ID and Timestamp when empty, and
	// returns what was stored. A ledger that cannot store the entry returns it
	// with an empty ID.
	Record(ctx context.Context, entry Entry) (Entry, error)
	// AttachRedo stores the post-mutation snapshot on an existing entry.
	AttachRedo(ctx context.Context, documentID, entryID string, redo persistence.Document) error
	// Recent returns up to n entries, newest first.
	Recent(ctx context.Context, documentID string, n int) ([]Entry, error)
	// List returns up to limit of the newest entries in chronological order.
	// A limit of 0 returns everything that is kept.
	List(ctx context.Context, documentID string, limit int) ([]Entry, error)
	// Discard removes an entry whose mutation did not commit. Unknown entries
	// are ignored.
	Discard(ctx context.Context, documentID, entryID string) error
}

func prepare(entry Entry, now time.Time) Entry {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = now.UTC()
	}

	entry.Snapshot = withoutHistory(entry.Snapshot)
	entry.RedoSnapshot = withoutHistory(entry.RedoSnapshot)

	return entry
}

// withoutHistory copies doc minus its embedded ledger, so snapshots never nest.
func withoutHistory(doc persistence.Document) persistence.Document {
	if doc == nil {
		return nil
	}

	out := doc.Clone()
	delete(out, persistence.FieldHistory)

	return out
}

func toDocument(entry Entry) (persistence.Document, error) {
	var doc persistence.Document
	if err := safejson.Convert(entry, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode history entry %s: %w", entry.ID, err)
	}

	return doc, nil
}

func fromDocument(doc interface{}) (Entry, error) {
	var entry Entry
	if err := safejson.Convert(doc, &entry); err != nil {
		return Entry{}, fmt.Errorf("failed to decode history entry: %w", err)
	}

	return entry, nil
}

func reverse(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
