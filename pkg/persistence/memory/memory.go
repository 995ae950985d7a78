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

// Package memory provides an in-memory implementation of persistence.Driver.
//
// It is the reference driver for tests and for hosts that do not need data to
// survive a restart. All data lives in Go maps and is deep-copied on the way in and
// on the way out, so callers can never alias stored state.
//
// # Thread Safety
//
// InMemoryDriver uses a sync.RWMutex. Reads (Get, GetMany, Query, Count) take the
// read lock; writes and transaction commits take the write lock. Query and Count
// evaluate under a single read lock, so a count is consistent with concurrent writes.
//
// # Transaction Isolation
//
// RunTransaction buffers writes until the callback returns. Every document read
// inside the transaction records the revision it observed. Commit re-checks those
// revisions under the write lock and returns persistence.ErrAborted if any of them
// moved, which is the optimistic behavior of remote document stores.
//
// # Fault Injection
//
// FailNext queues errors for a given operation and Calls counts invocations, so
// tests can simulate outages and assert that a cache served a result without a
// driver read.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

// Op names a driver operation for fault injection and call counting.
type Op string

const (
	OpGet         Op = "get"
	OpGetMany     Op = "getMany"
	OpSet         Op = "set"
	OpUpdate      Op = "update"
	OpDelete      Op = "delete"
	OpQuery       Op = "query"
	OpCount       Op = "count"
	OpTransaction Op = "transaction"
	OpBatch       Op = "batch"
	OpSubscribe   Op = "subscribe"
)

// validateContext checks if the provided context is nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}

	return ctx.Err()
}

type record struct {
	doc persistence.Document
	rev uint64
}

type subscriber struct {
	collection string
	id         string
	fn         func(persistence.Change)
}

// InMemoryDriver is a thread-safe in-memory document store implementing persistence.Driver.
//
// Documents are stored as collections → ids → records. Each record carries a
// revision counter that increases on every committed write; transactions use it
// for commit-time conflict detection.
type InMemoryDriver struct {
	mu          sync.RWMutex
	collections map[string]map[string]*record
	limits      persistence.Limits
	closed      bool

	faultMu  sync.Mutex
	failures map[Op][]error
	calls    map[Op]int

	subMu       sync.RWMutex
	subscribers map[int]subscriber
	nextSubID   int
}

// NewInMemoryDriver creates an empty driver using persistence.DefaultLimits.
//
// Example:
//
//	driver := memory.NewInMemoryDriver()
//	err := driver.Set(ctx, "users", "user-1", persistence.Document{"id": "user-1", "name": "Alice"})
func NewInMemoryDriver() *InMemoryDriver {
	return &InMemoryDriver{
		collections: make(map[string]map[string]*record),
		limits:      persistence.DefaultLimits(),
		failures:    make(map[Op][]error),
		calls:       make(map[Op]int),
		subscribers: make(map[int]subscriber),
	}
}

// SetLimits overrides the native bounds reported by Limits and enforced by GetMany and Batch.
func (d *InMemoryDriver) SetLimits(limits persistence.Limits) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.limits = limits
}

// FailNext makes the next call of op return err. Multiple calls queue up in order;
// a nil err lets that call through, so later calls can be targeted.
func (d *InMemoryDriver) FailNext(op Op, err error) {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()

	d.failures[op] = append(d.failures[op], err)
}

// Calls returns how many times op has been invoked, including failed calls.
func (d *InMemoryDriver) Calls(op Op) int {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()

	return d.calls[op]
}

// ResetCalls zeroes all call counters.
func (d *InMemoryDriver) ResetCalls() {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()

	d.calls = make(map[Op]int)
}

func (d *InMemoryDriver) enter(ctx context.Context, op Op) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	d.faultMu.Lock()
	d.calls[op]++

	var injected error
	if queue := d.failures[op]; len(queue) > 0 {
		injected = queue[0]
		d.failures[op] = queue[1:]
	}
	d.faultMu.Unlock()

	if injected != nil {
		return injected
	}

	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return persistence.ErrClosed
	}

	return nil
}

// Get returns a copy of the document or persistence.ErrNotFound.
func (d *InMemoryDriver) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	if err := d.enter(ctx, OpGet); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.collections[collection][id]
	if !ok {
		return nil, persistence.ErrNotFound
	}

	return rec.doc.Clone(), nil
}

// GetMany returns the subset of ids that exist. More than Limits().MaxGetMany ids
// is rejected with persistence.ErrInvalidArgument.
func (d *InMemoryDriver) GetMany(ctx context.Context, collection string, ids []string) (map[string]persistence.Document, error) {
	if err := d.enter(ctx, OpGetMany); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(ids) > d.limits.MaxGetMany {
		return nil, fmt.Errorf("%w: %d ids exceeds multi-get limit %d", persistence.ErrInvalidArgument, len(ids), d.limits.MaxGetMany)
	}

	out := make(map[string]persistence.Document, len(ids))

	for _, id := range ids {
		if rec, ok := d.collections[collection][id]; ok {
			out[id] = rec.doc.Clone()
		}
	}

	return out, nil
}

// Set creates or replaces a document.
func (d *InMemoryDriver) Set(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := d.enter(ctx, OpSet); err != nil {
		return err
	}

	return d.commit([]write{{collection: collection, id: id, doc: doc.Clone()}}, nil)
}

// Update merges fields into an existing document or returns persistence.ErrNotFound.
func (d *InMemoryDriver) Update(ctx context.Context, collection string, id string, fields persistence.Document) error {
	if err := d.enter(ctx, OpUpdate); err != nil {
		return err
	}

	return d.commit([]write{{collection: collection, id: id, fields: fields.Clone(), merge: true}}, nil)
}

// Delete removes a document. Deleting a missing document returns persistence.ErrNotFound.
func (d *InMemoryDriver) Delete(ctx context.Context, collection string, id string) error {
	if err := d.enter(ctx, OpDelete); err != nil {
		return err
	}

	d.mu.RLock()
	_, exists := d.collections[collection][id]
	d.mu.RUnlock()

	if !exists {
		return persistence.ErrNotFound
	}

	return d.commit([]write{{collection: collection, id: id, delete: true}}, nil)
}

// Query evaluates q against a snapshot of the collection taken under the read lock.
func (d *InMemoryDriver) Query(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	if err := d.enter(ctx, OpQuery); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	matched := persistence.Apply(d.snapshot(collection), query)

	out := make([]persistence.Document, len(matched))
	for i, doc := range matched {
		out[i] = doc.Clone()
	}

	return out, nil
}

// Count counts matching documents under a single read lock.
func (d *InMemoryDriver) Count(ctx context.Context, collection string, query persistence.Query) (int64, error) {
	if err := d.enter(ctx, OpCount); err != nil {
		return 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	return persistence.CountMatching(d.snapshot(collection), query), nil
}

// snapshot must be called with d.mu held.
func (d *InMemoryDriver) snapshot(collection string) []persistence.Document {
	coll := d.collections[collection]

	docs := make([]persistence.Document, 0, len(coll))
	for _, rec := range coll {
		docs = append(docs, rec.doc)
	}

	return docs
}

// RunTransaction runs fn against a buffered transaction and commits it atomically.
// If a document read inside fn was modified by someone else before commit, the
// buffered writes are discarded and persistence.ErrAborted is returned.
func (d *InMemoryDriver) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx persistence.Transaction) error) error {
	if err := d.enter(ctx, OpTransaction); err != nil {
		return err
	}

	tx := &inMemoryTx{
		driver:  d,
		reads:   make(map[docKey]uint64),
		pending: make(map[docKey]*write),
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.done = true

	writes := make([]write, 0, len(tx.order))
	for _, key := range tx.order {
		writes = append(writes, *tx.pending[key])
	}

	return d.commit(writes, tx.reads)
}

// Batch applies ops atomically. More than Limits().MaxBatchWrites ops is rejected.
func (d *InMemoryDriver) Batch(ctx context.Context, ops []persistence.BatchOp) error {
	if err := d.enter(ctx, OpBatch); err != nil {
		return err
	}

	d.mu.RLock()
	limit := d.limits.MaxBatchWrites
	d.mu.RUnlock()

	if len(ops) > limit {
		return fmt.Errorf("%w: %d writes exceeds batch limit %d", persistence.ErrInvalidArgument, len(ops), limit)
	}

	writes := make([]write, 0, len(ops))

	for _, op := range ops {
		w := write{collection: op.Collection, id: op.ID}

		switch op.Kind {
		case persistence.BatchSet:
			w.doc = op.Doc.Clone()
		case persistence.BatchUpdate:
			w.fields = op.Doc.Clone()
			w.merge = true
		case persistence.BatchDelete:
			w.delete = true
		default:
			return fmt.Errorf("%w: unknown batch op %q", persistence.ErrInvalidArgument, op.Kind)
		}

		writes = append(writes, w)
	}

	return d.commit(writes, nil)
}

// Subscribe registers fn for committed changes. Delivery is synchronous and happens
// after the write lock is released, in commit order.
func (d *InMemoryDriver) Subscribe(ctx context.Context, collection string, id string, fn func(persistence.Change)) (persistence.Unsubscribe, error) {
	if err := d.enter(ctx, OpSubscribe); err != nil {
		return nil, err
	}

	d.subMu.Lock()
	subID := d.nextSubID
	d.nextSubID++
	d.subscribers[subID] = subscriber{collection: collection, id: id, fn: fn}
	d.subMu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subscribers, subID)
			d.subMu.Unlock()
		})
	}, nil
}

// Limits returns the configured native bounds.
func (d *InMemoryDriver) Limits() persistence.Limits {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.limits
}

// Close drops all data and rejects further calls with persistence.ErrClosed.
func (d *InMemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.collections = make(map[string]map[string]*record)

	return nil
}

type docKey struct {
	collection string
	id         string
}

type write struct {
	collection string
	id         string
	doc        persistence.Document
	fields     persistence.Document
	merge      bool
	delete     bool
}

// commit validates observed revisions and applies writes under one write lock.
func (d *InMemoryDriver) commit(writes []write, reads map[docKey]uint64) error {
	d.mu.Lock()

	for key, rev := range reads {
		var current uint64
		if rec, ok := d.collections[key.collection][key.id]; ok {
			current = rec.rev
		}

		if current != rev {
			d.mu.Unlock()

			return persistence.ErrAborted
		}
	}

	// Validate merges before touching anything so the batch stays atomic.
	for _, w := range writes {
		if w.merge {
			if _, ok := d.collections[w.collection][w.id]; !ok && !pendingCreates(writes, w) {
				d.mu.Unlock()

				return fmt.Errorf("%w: %s/%s", persistence.ErrNotFound, w.collection, w.id)
			}
		}
	}

	changes := make([]persistence.Change, 0, len(writes))

	for _, w := range writes {
		coll, ok := d.collections[w.collection]
		if !ok {
			coll = make(map[string]*record)
			d.collections[w.collection] = coll
		}

		rec, exists := coll[w.id]

		switch {
		case w.delete:
			if !exists {
				continue
			}

			delete(coll, w.id)
			changes = append(changes, persistence.Change{Type: persistence.ChangeRemoved, Collection: w.collection, ID: w.id})
		case w.merge:
			if !exists {
				rec = &record{doc: persistence.Document{}}
				coll[w.id] = rec
			}

			persistence.ApplyUpdate(rec.doc, w.fields)
			rec.rev++
			changes = append(changes, persistence.Change{Type: persistence.ChangeModified, Collection: w.collection, ID: w.id, Doc: rec.doc.Clone()})
		default:
			changeType := persistence.ChangeModified

			if !exists {
				rec = &record{}
				coll[w.id] = rec
				changeType = persistence.ChangeAdded
			}

			rec.doc = w.doc
			rec.rev++
			changes = append(changes, persistence.Change{Type: changeType, Collection: w.collection, ID: w.id, Doc: rec.doc.Clone()})
		}
	}

	d.mu.Unlock()

	d.notify(changes)

	return nil
}

// pendingCreates reports whether an earlier write in the same commit creates the
// document that w merges into.
func pendingCreates(writes []write, w write) bool {
	for _, other := range writes {
		if other.collection == w.collection && other.id == w.id && !other.merge && !other.delete {
			return true
		}
	}

	return false
}

func (d *InMemoryDriver) notify(changes []persistence.Change) {
	if len(changes) == 0 {
		return
	}

	d.subMu.RLock()
	subs := make([]subscriber, 0, len(d.subscribers))
	for _, s := range d.subscribers {
		subs = append(subs, s)
	}
	d.subMu.RUnlock()

	for _, change := range changes {
		for _, s := range subs {
			if s.collection != change.Collection {
				continue
			}

			if s.id != "" && s.id != change.ID {
				continue
			}

			s.fn(persistence.Change{Type: change.Type, Collection: change.Collection, ID: change.ID, Doc: change.Doc.Clone()})
		}
	}
}

// inMemoryTx implements persistence.Transaction.
//
// Reads go through the pending buffer first, then to the driver, recording the
// revision observed. Writes only touch the buffer. After commit the transaction
// rejects further use.
type inMemoryTx struct {
	driver  *InMemoryDriver
	mu      sync.Mutex
	reads   map[docKey]uint64
	pending map[docKey]*write
	order   []docKey
	done    bool
}

func (tx *inMemoryTx) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return nil, errors.New("transaction already completed")
	}

	doc, ok := tx.view(collection, id)
	if !ok {
		return nil, persistence.ErrNotFound
	}

	return doc.Clone(), nil
}

// view must be called with tx.mu held.
func (tx *inMemoryTx) view(collection, id string) (persistence.Document, bool) {
	key := docKey{collection: collection, id: id}

	if w, ok := tx.pending[key]; ok {
		if w.delete {
			return nil, false
		}

		return w.doc, true
	}

	tx.driver.mu.RLock()
	defer tx.driver.mu.RUnlock()

	rec, ok := tx.driver.collections[collection][id]

	if _, seen := tx.reads[key]; !seen {
		if ok {
			tx.reads[key] = rec.rev
		} else {
			tx.reads[key] = 0
		}
	}

	if !ok {
		return nil, false
	}

	return rec.doc, true
}

func (tx *inMemoryTx) Set(collection string, id string, doc persistence.Document) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return errors.New("transaction already completed")
	}

	tx.put(write{collection: collection, id: id, doc: doc.Clone()})

	return nil
}

func (tx *inMemoryTx) Update(collection string, id string, fields persistence.Document) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return errors.New("transaction already completed")
	}

	current, ok := tx.view(collection, id)
	if !ok {
		return persistence.ErrNotFound
	}

	merged := persistence.ApplyUpdate(current.Clone(), fields)
	tx.put(write{collection: collection, id: id, doc: merged})

	return nil
}

func (tx *inMemoryTx) Delete(collection string, id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return errors.New("transaction already completed")
	}

	tx.put(write{collection: collection, id: id, delete: true})

	return nil
}

// put must be called with tx.mu held.
func (tx *inMemoryTx) put(w write) {
	key := docKey{collection: w.collection, id: w.id}
	if _, ok := tx.pending[key]; !ok {
		tx.order = append(tx.order, key)
	}

	tx.pending[key] = &w
}
