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
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docrepo/pkg/codec"
	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
	"github.com/united-manufacturing-hub/docrepo/pkg/migration"
	"github.com/united-manufacturing-hub/docrepo/pkg/offlinequeue"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

// FieldPending marks placeholders returned for mutations queued while offline.
const FieldPending = "_pending"

// FieldPopulateFailed lists the relation fields that could not be resolved by a
// populated read in the silent and warn population modes.
const FieldPopulateFailed = "_populateFailed"

const (
	// DefaultPageSize is the Find limit used when none is given.
	DefaultPageSize = 100
	// MaxPageSize keeps limit+1 within the driver query bound.
	MaxPageSize = persistence.DefaultMaxFindLimit - 1

	repairConcurrency = 2
	migrationPageSize = 100
)

// Hooks run around mutations. Before-hooks abort the operation when they return
// an error; an error that is not already typed is reported as FailedPrecondition.
// After-hooks run once the write committed and their errors are only logged.
//
// BeforeUpdate receives the current document and the requested changes.
// AfterDelete receives the id of the deleted document.
type Hooks struct {
	BeforeCreate func(ctx context.Context, doc persistence.Document) error
	AfterCreate  func(ctx context.Context, doc persistence.Document) error
	BeforeUpdate func(ctx context.Context, current, changes persistence.Document) error
	AfterUpdate  func(ctx context.Context, doc persistence.Document) error
	BeforeDelete func(ctx context.Context, current persistence.Document) error
	AfterDelete  func(ctx context.Context, id string) error
}

// IDGenerator derives the id of a new document from its data.
type IDGenerator func(doc persistence.Document) (string, error)

// Invariant is a caller supplied check run against the merged document before
// every create and update.
type Invariant func(doc persistence.Document) error

// Validator checks a document against a schema. *schema.Validator implements it.
type Validator interface {
	Validate(doc persistence.Document) error
}

// SearchIndexer mirrors committed documents into a search backend. Failures are
// logged and never fail the write.
type SearchIndexer interface {
	Index(ctx context.Context, collection string, doc persistence.Document) error
	Remove(ctx context.Context, collection, id string) error
}

// ExternalCache is a shared cache of decoded documents consulted by plain reads.
// *cacheprovider.ExpireMap implements it.
type ExternalCache interface {
	Get(ctx context.Context, key string) (persistence.Document, bool, error)
	Set(ctx context.Context, key string, doc persistence.Document) error
	Delete(ctx context.Context, key string) error
}

// ErrorReporter receives failures that were swallowed, such as after-hook and
// side channel errors. They arrive wrapped as backoff ignored errors.
type ErrorReporter func(err error, context map[string]interface{})

// Options carry the collaborators of a Repository. Every field is optional.
//
// Encryptor overrides the one derived from the configuration. Journal overrides
// the durable journal selected by OfflineQueue.Durable. Clock defaults to
// time.Now and is used for every stored timestamp.
type Options struct {
	Log           *zap.SugaredLogger
	Migrations    migration.Map
	Hooks         Hooks
	IDGenerator   IDGenerator
	Invariants    []Invariant
	Validator     Validator
	Encryptor     codec.Encryptor
	SearchIndexer SearchIndexer
	ExternalCache ExternalCache
	Monitor       offlinequeue.Monitor
	Journal       offlinequeue.Journal
	Diagnostics   diagnostics.Func
	ErrorReporter ErrorReporter
	Clock         func() time.Time
}

type readOptions struct {
	populate       []string
	selectFields   []string
	includeDeleted bool
	strong         bool
}

// plain reads may be served by the batch loader and the external cache.
func (o readOptions) plain() bool {
	return !o.includeDeleted && !o.strong && len(o.populate) == 0 && len(o.selectFields) == 0
}

// ReadOption adjusts a single read.
type ReadOption func(*readOptions)

// IncludeDeleted returns soft-deleted documents as well.
func IncludeDeleted() ReadOption {
	return func(o *readOptions) { o.includeDeleted = true }
}

// Populate resolves the named relation fields into the referenced documents.
func Populate(fields ...string) ReadOption {
	return func(o *readOptions) { o.populate = append(o.populate, fields...) }
}

// Select projects the result onto the given dot paths. The id is always kept.
func Select(fields ...string) ReadOption {
	return func(o *readOptions) { o.selectFields = append(o.selectFields, fields...) }
}

// Strong reads straight from the driver.
func Strong() ReadOption {
	return func(o *readOptions) { o.strong = true }
}

func collectRead(opts []ReadOption) readOptions {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

type writeOptions struct {
	id          string
	actorID     string
	reason      string
	hardDelete  bool
	skipHistory bool
	replay      bool
}

// WriteOption adjusts a single mutation.
type WriteOption func(*writeOptions)

// WithID sets the id of a created document. It wins over the id strategy.
func WithID(id string) WriteOption {
	return func(o *writeOptions) { o.id = id }
}

// WithActor records who made the change in the history entry.
func WithActor(actorID string) WriteOption {
	return func(o *writeOptions) { o.actorID = actorID }
}

// WithReason records why the change was made in the history entry.
func WithReason(reason string) WriteOption {
	return func(o *writeOptions) { o.reason = reason }
}

// WithHardDelete removes the document even when soft delete is configured.
func WithHardDelete() WriteOption {
	return func(o *writeOptions) { o.hardDelete = true }
}

func collectWrite(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Filter is one query condition.
type Filter struct {
	Value interface{}          `json:"value"`
	Field string               `json:"field"`
	Op    persistence.Operator `json:"op"`
}

// Sort is one ordering term.
type Sort struct {
	Field string                `json:"field"`
	Order persistence.SortOrder `json:"order"`
}

// FindOptions describe a paginated query. Cursor is the NextCursor of the
// previous page. A Limit of zero selects DefaultPageSize.
type FindOptions struct {
	Filters        []Filter `json:"filters,omitempty"`
	Sort           []Sort   `json:"sort,omitempty"`
	Select         []string `json:"select,omitempty"`
	Populate       []string `json:"populate,omitempty"`
	Cursor         string   `json:"cursor,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	IncludeDeleted bool     `json:"includeDeleted,omitempty"`
}

// Where appends a filter.
func (o FindOptions) Where(field string, op persistence.Operator, value interface{}) FindOptions {
	o.Filters = append(append([]Filter(nil), o.Filters...), Filter{Field: field, Op: op, Value: value})

	return o
}

// OrderBy appends a sort term.
func (o FindOptions) OrderBy(field string, order persistence.SortOrder) FindOptions {
	o.Sort = append(append([]Sort(nil), o.Sort...), Sort{Field: field, Order: order})

	return o
}

// PaginatedResult is one page of a Find. NextCursor is empty on the last page.
type PaginatedResult struct {
	Items      []persistence.Document `json:"items"`
	NextCursor string                 `json:"nextCursor,omitempty"`
	HasMore    bool                   `json:"hasMore"`
}

func (p *PaginatedResult) clone() *PaginatedResult {
	out := &PaginatedResult{NextCursor: p.NextCursor, HasMore: p.HasMore, Items: make([]persistence.Document, len(p.Items))}
	for i, doc := range p.Items {
		out.Items[i] = doc.Clone()
	}

	return out
}

// BatchItemResult is the outcome of one item of a batch operation.
type BatchItemResult struct {
	Error   error  `json:"-"`
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// BatchOperationResult reports per item outcomes of CreateMany, UpdateMany and
// DeleteMany in input order.
type BatchOperationResult struct {
	Results      []BatchItemResult `json:"results"`
	SuccessCount int               `json:"successCount"`
	FailureCount int               `json:"failureCount"`
}

func (b *BatchOperationResult) succeed(i int) {
	b.Results[i].Success = true
	b.Results[i].Error = nil
	b.SuccessCount++
}

func (b *BatchOperationResult) fail(i int, err error) {
	b.Results[i].Success = false
	b.Results[i].Error = err
	b.FailureCount++
}

// BatchUpdate is one item of UpdateMany.
type BatchUpdate struct {
	Changes persistence.Document
	ID      string
}
