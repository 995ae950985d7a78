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

package persistence

import "context"

const (
	// DefaultMaxGetMany is the common multi-get bound of remote document stores.
	DefaultMaxGetMany = 10
	// DefaultMaxBatchWrites is the common atomic batch write bound.
	DefaultMaxBatchWrites = 500
)

// Limits describes the native bounds of a driver. Callers chunk to these sizes.
type Limits struct {
	MaxGetMany     int
	MaxBatchWrites int
}

// DefaultLimits returns the limits most remote document stores impose.
func DefaultLimits() Limits {
	return Limits{
		MaxGetMany:     DefaultMaxGetMany,
		MaxBatchWrites: DefaultMaxBatchWrites,
	}
}

// BatchOpKind selects the write a BatchOp performs.
type BatchOpKind string

const (
	// BatchSet creates or replaces the document.
	BatchSet BatchOpKind = "set"
	// BatchUpdate merges fields into an existing document and fails with ErrNotFound otherwise.
	BatchUpdate BatchOpKind = "update"
	// BatchDelete removes the document. Deleting a missing document is not an error.
	BatchDelete BatchOpKind = "delete"
)

// BatchOp is one write inside an atomic Batch.
type BatchOp struct {
	Kind       BatchOpKind
	Collection string
	ID         string
	Doc        Document
}

// ChangeType classifies a Change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is delivered to subscribers after a write commits. Doc is nil for removals.
type Change struct {
	Type       ChangeType
	Collection string
	ID         string
	Doc        Document
}

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Transaction is the view a RunTransaction callback operates on. Reads observe the
// transaction's own buffered writes. Writes become visible atomically on commit.
type Transaction interface {
	Get(ctx context.Context, collection string, id string) (Document, error)
	Set(collection string, id string, doc Document) error
	Update(collection string, id string, fields Document) error
	Delete(collection string, id string) error
}

// Driver is the primitive contract a document backend exposes.
//
// Implementations must:
//   - return ErrNotFound from Get/Update when the document is missing
//   - bound GetMany by Limits().MaxGetMany and Batch by Limits().MaxBatchWrites,
//     returning ErrInvalidArgument beyond that
//   - run RunTransaction callbacks so that no other writer interleaves between a
//     read inside the callback and the commit, returning ErrAborted when that
//     cannot be guaranteed
//   - apply Batch atomically
//   - deep-copy documents crossing the API so callers cannot alias stored state
type Driver interface {
	Get(ctx context.Context, collection string, id string) (Document, error)
	// GetMany returns the documents that exist, keyed by id. Missing ids are absent.
	GetMany(ctx context.Context, collection string, ids []string) (map[string]Document, error)
	// Set creates or fully replaces the document stored under id.
	Set(ctx context.Context, collection string, id string, doc Document) error
	// Update merges fields into an existing document. Keys may be dot paths.
	Update(ctx context.Context, collection string, id string, fields Document) error
	Delete(ctx context.Context, collection string, id string) error
	Query(ctx context.Context, collection string, query Query) ([]Document, error)
	Count(ctx context.Context, collection string, query Query) (int64, error)
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
	Batch(ctx context.Context, ops []BatchOp) error
	// Subscribe registers fn for changes to one document, or to the whole
	// collection when id is empty.
	Subscribe(ctx context.Context, collection string, id string, fn func(Change)) (Unsubscribe, error)
	Limits() Limits
	Close() error
}
