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

// Package sqlite implements persistence.Driver on top of a local SQLite file.
//
// Every collection is a table of (id TEXT PRIMARY KEY, data BLOB) rows where data is
// the JSON encoded document. Tables are created on first use. Queries load the
// collection and evaluate filters in process with persistence.Apply, which keeps the
// exact same semantics as the memory driver.
//
// The connection pool is pinned to a single connection. SQLite serialises writers
// anyway, and a single connection makes transactions strictly serial, so
// RunTransaction never observes a concurrent writer between read and commit. Busy
// and locked errors from other processes sharing the file surface as
// persistence.ErrAborted and are retried by the repository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
)

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", persistence.ErrInvalidArgument)
	}

	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name %q must contain only alphanumeric characters and underscores, and must start with a letter or underscore", persistence.ErrInvalidArgument, name)
	}

	return nil
}

// Driver is a persistence.Driver backed by SQLite.
type Driver struct {
	db     *sql.DB
	log    *zap.SugaredLogger
	limits persistence.Limits

	tablesMu sync.Mutex
	tables   map[string]bool

	subMu       sync.RWMutex
	subscribers map[int]subscriber
	nextSubID   int

	closedMu sync.RWMutex
	closed   bool
}

type subscriber struct {
	collection string
	id         string
	fn         func(persistence.Change)
}

// Open opens (or creates) the database at dbPath. Use ":memory:" only for tests
// that do not share the database across connections.
func Open(dbPath string, log *zap.SugaredLogger) (*Driver, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	db, err := sql.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", mapError(err))
	}

	return &Driver{
		db:          db,
		log:         log,
		limits:      persistence.DefaultLimits(),
		tables:      make(map[string]bool),
		subscribers: make(map[int]subscriber),
	}, nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return dbPath + baseParams
}

// queryer is the subset shared by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (d *Driver) checkOpen(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}

	d.closedMu.RLock()
	defer d.closedMu.RUnlock()

	if d.closed {
		return persistence.ErrClosed
	}

	return nil
}

// ensureTable creates the collection table outside any transaction and
// remembers it.
func (d *Driver) ensureTable(ctx context.Context, collection string) error {
	if d.knownTable(collection) {
		return nil
	}

	if err := createTable(ctx, d.db, collection); err != nil {
		return err
	}

	d.markTables(collection)

	return nil
}

func (d *Driver) knownTable(collection string) bool {
	d.tablesMu.Lock()
	defer d.tablesMu.Unlock()

	return d.tables[collection]
}

func (d *Driver) markTables(collections ...string) {
	d.tablesMu.Lock()
	defer d.tablesMu.Unlock()

	for _, c := range collections {
		d.tables[c] = true
	}
}

func createTable(ctx context.Context, q queryer, collection string) error {
	if err := validateCollectionName(collection); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`, collection)

	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, mapError(err))
	}

	return nil
}

func getRow(ctx context.Context, q queryer, collection, id string) (persistence.Document, error) {
	var data []byte

	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %q WHERE id = ?`, collection), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", mapError(err))
	}

	return decode(data)
}

func putRow(ctx context.Context, q queryer, collection, id string, doc persistence.Document) error {
	data, err := safejson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal document: %v", persistence.ErrInvalidArgument, err)
	}

	_, err = q.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %q (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, collection), id, data)
	if err != nil {
		return fmt.Errorf("failed to write document: %w", mapError(err))
	}

	return nil
}

func deleteRow(ctx context.Context, q queryer, collection, id string) (bool, error) {
	result, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, collection), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", mapError(err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", mapError(err))
	}

	return n > 0, nil
}

func scanAll(ctx context.Context, q queryer, collection string) ([]persistence.Document, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT data FROM %q`, collection))
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", mapError(err))
	}

	defer func() { _ = rows.Close() }()

	var docs []persistence.Document

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", mapError(err))
		}

		doc, err := decode(data)
		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", mapError(err))
	}

	return docs, nil
}

func decode(data []byte) (persistence.Document, error) {
	var doc persistence.Document
	if err := safejson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}

	return doc, nil
}

// Get reads one document.
func (d *Driver) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	if err := d.checkOpen(ctx); err != nil {
		return nil, err
	}

	if err := d.ensureTable(ctx, collection); err != nil {
		return nil, err
	}

	return getRow(ctx, d.db, collection, id)
}

// GetMany reads up to Limits().MaxGetMany documents with one IN query.
func (d *Driver) GetMany(ctx context.Context, collection string, ids []string) (map[string]persistence.Document, error) {
	if err := d.checkOpen(ctx); err != nil {
		return nil, err
	}

	if len(ids) > d.limits.MaxGetMany {
		return nil, fmt.Errorf("%w: %d ids exceeds multi-get limit %d", persistence.ErrInvalidArgument, len(ids), d.limits.MaxGetMany)
	}

	out := make(map[string]persistence.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	if err := d.ensureTable(ctx, collection); err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))

	for i, id := range ids {
		args[i] = id
	}

	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, data FROM %q WHERE id IN (%s)`, collection, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", mapError(err))
	}

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id   string
			data []byte
		)

		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", mapError(err))
		}

		doc, err := decode(data)
		if err != nil {
			return nil, err
		}

		out[id] = doc
	}

	return out, rows.Err()
}

// Set creates or replaces a document.
func (d *Driver) Set(ctx context.Context, collection string, id string, doc persistence.Document) error {
	if err := d.checkOpen(ctx); err != nil {
		return err
	}

	if err := d.ensureTable(ctx, collection); err != nil {
		return err
	}

	_, existed := getRow(ctx, d.db, collection, id)

	if err := putRow(ctx, d.db, collection, id, doc); err != nil {
		return err
	}

	changeType := persistence.ChangeModified
	if errors.Is(existed, persistence.ErrNotFound) {
		changeType = persistence.ChangeAdded
	}

	d.notify([]persistence.Change{{Type: changeType, Collection: collection, ID: id, Doc: doc.Clone()}})

	return nil
}

// Update merges fields into an existing document inside a transaction.
func (d *Driver) Update(ctx context.Context, collection string, id string, fields persistence.Document) error {
	return d.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
		return tx.Update(collection, id, fields)
	})
}

// Delete removes a document or returns persistence.ErrNotFound.
func (d *Driver) Delete(ctx context.Context, collection string, id string) error {
	if err := d.checkOpen(ctx); err != nil {
		return err
	}

	if err := d.ensureTable(ctx, collection); err != nil {
		return err
	}

	deleted, err := deleteRow(ctx, d.db, collection, id)
	if err != nil {
		return err
	}

	if !deleted {
		return persistence.ErrNotFound
	}

	d.notify([]persistence.Change{{Type: persistence.ChangeRemoved, Collection: collection, ID: id}})

	return nil
}

// Query loads the collection and evaluates q in process.
func (d *Driver) Query(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	if err := d.checkOpen(ctx); err != nil {
		return nil, err
	}

	if err := d.ensureTable(ctx, collection); err != nil {
		return nil, err
	}

	docs, err := scanAll(ctx, d.db, collection)
	if err != nil {
		return nil, err
	}

	return persistence.Apply(docs, query), nil
}

// Count evaluates the filters of q against one consistent scan.
func (d *Driver) Count(ctx context.Context, collection string, query persistence.Query) (int64, error) {
	if err := d.checkOpen(ctx); err != nil {
		return 0, err
	}

	if err := d.ensureTable(ctx, collection); err != nil {
		return 0, err
	}

	if len(query.Filters) == 0 {
		var n int64

		if err := d.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, collection)).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count documents: %w", mapError(err))
		}

		return n, nil
	}

	docs, err := scanAll(ctx, d.db, collection)
	if err != nil {
		return 0, err
	}

	return persistence.CountMatching(docs, query), nil
}

// RunTransaction runs fn inside a SQL transaction and commits if fn succeeds.
func (d *Driver) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx persistence.Transaction) error) error {
	if err := d.checkOpen(ctx); err != nil {
		return err
	}

	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}

	tx := &sqliteTx{driver: d, tx: sqlTx, ctx: ctx}

	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()

		return err
	}

	if tx.err != nil {
		_ = sqlTx.Rollback()

		return tx.err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}

	d.markTables(tx.created...)
	d.notify(tx.changes)

	return nil
}

// Batch applies ops in one SQL transaction.
func (d *Driver) Batch(ctx context.Context, ops []persistence.BatchOp) error {
	if len(ops) > d.limits.MaxBatchWrites {
		return fmt.Errorf("%w: %d writes exceeds batch limit %d", persistence.ErrInvalidArgument, len(ops), d.limits.MaxBatchWrites)
	}

	return d.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
		for _, op := range ops {
			var err error

			switch op.Kind {
			case persistence.BatchSet:
				err = tx.Set(op.Collection, op.ID, op.Doc)
			case persistence.BatchUpdate:
				err = tx.Update(op.Collection, op.ID, op.Doc)
			case persistence.BatchDelete:
				err = tx.Delete(op.Collection, op.ID)
			default:
				err = fmt.Errorf("%w: unknown batch op %q", persistence.ErrInvalidArgument, op.Kind)
			}

			if err != nil {
				return err
			}
		}

		return nil
	})
}

// Subscribe registers fn for changes committed through this Driver instance.
// Writes made by other processes on the same file are not observed.
func (d *Driver) Subscribe(ctx context.Context, collection string, id string, fn func(persistence.Change)) (persistence.Unsubscribe, error) {
	if err := d.checkOpen(ctx); err != nil {
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

func (d *Driver) notify(changes []persistence.Change) {
	d.subMu.RLock()
	subs := make([]subscriber, 0, len(d.subscribers))
	for _, s := range d.subscribers {
		subs = append(subs, s)
	}
	d.subMu.RUnlock()

	for _, change := range changes {
		for _, s := range subs {
			if s.collection == change.Collection && (s.id == "" || s.id == change.ID) {
				s.fn(change)
			}
		}
	}
}

// Limits returns the bounds this driver enforces.
func (d *Driver) Limits() persistence.Limits {
	return d.limits
}

// Close closes the database. Further calls return persistence.ErrClosed.
func (d *Driver) Close() error {
	d.closedMu.Lock()
	defer d.closedMu.Unlock()

	if d.closed {
		return nil
	}

	d.closed = true

	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type sqliteTx struct {
	driver  *Driver
	tx      *sql.Tx
	ctx     context.Context
	changes []persistence.Change
	created []string
	err     error
}

// ensureTable creates the collection table inside the transaction. It is marked
// known on commit only; a rollback drops it again.
func (t *sqliteTx) ensureTable(ctx context.Context, collection string) error {
	if t.driver.knownTable(collection) || slices.Contains(t.created, collection) {
		return nil
	}

	if err := createTable(ctx, t.tx, collection); err != nil {
		return err
	}

	t.created = append(t.created, collection)

	return nil
}

func (t *sqliteTx) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	if err := t.ensureTable(ctx, collection); err != nil {
		return nil, err
	}

	return getRow(ctx, t.tx, collection, id)
}

func (t *sqliteTx) Set(collection string, id string, doc persistence.Document) error {
	if err := t.ensureTable(t.ctx, collection); err != nil {
		return t.fail(err)
	}

	_, existed := getRow(t.ctx, t.tx, collection, id)

	if err := putRow(t.ctx, t.tx, collection, id, doc); err != nil {
		return t.fail(err)
	}

	changeType := persistence.ChangeModified
	if errors.Is(existed, persistence.ErrNotFound) {
		changeType = persistence.ChangeAdded
	}

	t.changes = append(t.changes, persistence.Change{Type: changeType, Collection: collection, ID: id, Doc: doc.Clone()})

	return nil
}

func (t *sqliteTx) Update(collection string, id string, fields persistence.Document) error {
	current, err := t.Get(t.ctx, collection, id)
	if err != nil {
		return err
	}

	merged := persistence.ApplyUpdate(current, fields)

	if err := putRow(t.ctx, t.tx, collection, id, merged); err != nil {
		return t.fail(err)
	}

	t.changes = append(t.changes, persistence.Change{Type: persistence.ChangeModified, Collection: collection, ID: id, Doc: merged.Clone()})

	return nil
}

func (t *sqliteTx) Delete(collection string, id string) error {
	if err := t.ensureTable(t.ctx, collection); err != nil {
		return t.fail(err)
	}

	deleted, err := deleteRow(t.ctx, t.tx, collection, id)
	if err != nil {
		return t.fail(err)
	}

	if deleted {
		t.changes = append(t.changes, persistence.Change{Type: persistence.ChangeRemoved, Collection: collection, ID: id})
	}

	return nil
}

// fail remembers a write error so the commit is refused even if the callback
// ignores the returned error.
func (t *sqliteTx) fail(err error) error {
	if t.err == nil {
		t.err = err
	}

	return err
}

// mapError translates sqlite3 result codes into persistence sentinels.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	var sentinel error

	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		sentinel = persistence.ErrAborted
	case sqlite3.ErrConstraint:
		sentinel = persistence.ErrConflict
	case sqlite3.ErrFull, sqlite3.ErrTooBig:
		sentinel = persistence.ErrResourceExhausted
	case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
		sentinel = persistence.ErrPermissionDenied
	case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
		sentinel = persistence.ErrUnavailable
	default:
		return err
	}

	return fmt.Errorf("%w: %v", sentinel, err)
}
