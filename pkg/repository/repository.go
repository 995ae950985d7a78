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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docrepo/pkg/backoff"
	"github.com/united-manufacturing-hub/docrepo/pkg/batchloader"
	"github.com/united-manufacturing-hub/docrepo/pkg/codec"
	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
	"github.com/united-manufacturing-hub/docrepo/pkg/history"
	"github.com/united-manufacturing-hub/docrepo/pkg/logger"
	"github.com/united-manufacturing-hub/docrepo/pkg/metrics"
	"github.com/united-manufacturing-hub/docrepo/pkg/migration"
	"github.com/united-manufacturing-hub/docrepo/pkg/offlinequeue"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/querycache"
	"github.com/united-manufacturing-hub/docrepo/pkg/schema"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// Repository is safe for concurrent use. Close it to stop background replays and
// read repairs; the driver is owned by the caller and stays open.
type Repository struct {
	driver      persistence.Driver
	monitor     offlinequeue.Monitor
	validator   Validator
	ledger      history.Ledger
	extCache    ExternalCache
	indexer     SearchIndexer
	reporter    ErrorReporter
	codec       *codec.Pipeline
	migrations  *migration.Engine
	repairer    *migration.Repairer
	loader      *batchloader.Loader
	queue       *offlinequeue.Queue
	cache       *querycache.Cache[*PaginatedResult]
	log         *zap.SugaredLogger
	emit        diagnostics.Func
	now         func() time.Time
	stopMonitor func()
	idGenerator IDGenerator
	relations   map[string]config.RelationConfig
	hooks       Hooks
	invariants  []Invariant
	cfg         config.RepositoryConfig
	policy      backoff.Policy
	replays     sync.WaitGroup
	cacheGen    atomic.Uint64
	closed      atomic.Bool
}

// New builds a repository for cfg.Collection on top of driver. cfg is validated
// and defaulted; the repository keeps its own copy.
func New(driver persistence.Driver, cfg config.RepositoryConfig, opts Options) (*Repository, error) {
	if driver == nil {
		return nil, standarderrors.New(standarderrors.InvalidArgument, "driver is required")
	}

	cfg = cfg.WithDefaults().Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := checkIDStrategy(cfg.IDStrategy, opts.IDGenerator); err != nil {
		return nil, err
	}

	log := logger.OrNop(opts.Log).With("collection", cfg.Collection)

	r := &Repository{
		driver:      driver,
		cfg:         cfg,
		log:         log,
		hooks:       opts.Hooks,
		invariants:  append([]Invariant(nil), opts.Invariants...),
		idGenerator: opts.IDGenerator,
		validator:   opts.Validator,
		extCache:    opts.ExternalCache,
		indexer:     opts.SearchIndexer,
		reporter:    opts.ErrorReporter,
		monitor:     opts.Monitor,
		now:         opts.Clock,
		relations:   make(map[string]config.RelationConfig, len(cfg.Relations)),
		emit:        diagnostics.Fanout(metrics.DiagnosticsSink(cfg.Collection), opts.Diagnostics),
	}

	if r.now == nil {
		r.now = time.Now
	}

	if r.monitor == nil {
		r.monitor = offlinequeue.AlwaysOnline{}
	}

	for _, rel := range cfg.Relations {
		r.relations[rel.Field] = rel
	}

	retries := cfg.Retry.Retries
	if cfg.Retry.Disabled {
		retries = 0
	}

	r.policy = backoff.NewPolicy(retries, cfg.Retry.Backoff(), nil)

	if err := r.buildCodec(opts.Encryptor); err != nil {
		return nil, err
	}

	if err := r.buildMigrations(opts.Migrations); err != nil {
		return nil, err
	}

	if err := r.buildValidator(); err != nil {
		return nil, err
	}

	cacheSize := cfg.Cache.Size
	if cfg.Cache.Disabled {
		cacheSize = 0
	}

	cache, err := querycache.New[*PaginatedResult](cacheSize)
	if err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to create query cache")
	}

	r.cache = cache

	if !cfg.BatchLoader.Disabled {
		r.loader = batchloader.New(r.fetchMany, batchloader.Options{
			Log:        logger.For(logger.ComponentBatchLoader).With("collection", cfg.Collection),
			Window:     cfg.BatchLoader.Window(),
			MaxBatch:   min(cfg.BatchLoader.MaxBatch, r.maxGetMany()),
			OnDispatch: r.onDispatch,
		})
	}

	if cfg.History.Enabled {
		switch cfg.History.Storage {
		case config.HistoryEmbedded:
			r.ledger = history.NewEmbeddedLedger(driver, cfg.Collection, cfg.History.MaxEntries)
		default:
			r.ledger = history.NewLogLedger(driver, cfg.Collection, cfg.History.MaxEntries)
		}
	}

	journal := opts.Journal
	if journal == nil && cfg.OfflineQueue.Durable {
		journal = offlinequeue.NewDriverJournal(driver, cfg.Collection)
	}

	r.queue = offlinequeue.New(cfg.OfflineQueue.Size, journal)

	if journal != nil {
		restored, err := r.queue.Restore(context.Background())
		if err != nil {
			return nil, standarderrors.Annotate(err, "restoreOfflineQueue", cfg.Collection, "")
		}

		if restored > 0 {
			log.Infow("restored offline queue", "depth", restored)
		}
	}

	r.stopMonitor = r.monitor.Subscribe(r.onConnectivity)

	return r, nil
}

func checkIDStrategy(strategy config.IDStrategy, gen IDGenerator) error {
	switch {
	case strategy == config.IDDeterministic && gen == nil:
		return standarderrors.New(standarderrors.InvalidArgument, "id strategy %s requires an IDGenerator", strategy)
	case strategy == config.IDClientSupplied && gen != nil:
		return standarderrors.New(standarderrors.InvalidArgument, "id strategy %s cannot be combined with an IDGenerator", strategy)
	}

	return nil
}

func (r *Repository) buildCodec(override codec.Encryptor) error {
	encryptor := override
	if encryptor == nil && len(r.cfg.Encryption.Fields) > 0 {
		enc, err := r.cfg.Encryptor()
		if err != nil {
			return err
		}

		encryptor = enc
	}

	compressor, err := r.cfg.Compressor()
	if err != nil {
		return standarderrors.Wrap(standarderrors.InvalidArgument, err, "invalid compression configuration")
	}

	pipeline, err := codec.New(codec.Options{
		Encryptor:     encryptor,
		Compressor:    compressor,
		Log:           logger.For(logger.ComponentCodec).With("collection", r.cfg.Collection),
		Collection:    r.cfg.Collection,
		EncryptFields: r.cfg.Encryption.Fields,
		Threshold:     r.cfg.Compression.ThresholdBytes,
	})
	if err != nil {
		return standarderrors.Wrap(standarderrors.InvalidArgument, err, "invalid codec configuration")
	}

	r.codec = pipeline

	return nil
}

func (r *Repository) buildMigrations(m migration.Map) error {
	strategy, err := migration.ParseStrategy(r.cfg.Migration.Strategy)
	if err != nil {
		return err
	}

	engine, err := migration.NewEngine(strategy, m)
	if err != nil {
		return err
	}

	r.migrations = engine

	if engine.Current() > 0 && strategy != migration.StrategyWriteOnly {
		r.repairer = migration.NewRepairer(r.repair, repairConcurrency,
			logger.For(logger.ComponentMigration).With("collection", r.cfg.Collection))
	}

	return nil
}

func (r *Repository) buildValidator() error {
	if r.validator != nil {
		return nil
	}

	switch {
	case r.cfg.Schema.File != "":
		v, err := schema.CompileFile(r.cfg.Schema.File)
		if err != nil {
			return err
		}

		r.validator = v
	case r.cfg.Schema.Inline != "":
		v, err := schema.Compile(r.cfg.Collection, []byte(r.cfg.Schema.Inline))
		if err != nil {
			return err
		}

		r.validator = v
	}

	return nil
}

// Collection returns the name of the backing collection.
func (r *Repository) Collection() string {
	return r.cfg.Collection
}

// Config returns a copy of the effective configuration.
func (r *Repository) Config() config.RepositoryConfig {
	return r.cfg.Clone()
}

// Close stops the connectivity subscription and waits for running replays and
// read repairs. It is idempotent.
func (r *Repository) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	r.stopMonitor()
	r.replays.Wait()

	if r.loader != nil {
		r.loader.Close()
	}

	if r.repairer != nil {
		r.repairer.Close()
	}

	return nil
}

func (r *Repository) usable(op string) error {
	if r.closed.Load() {
		return standarderrors.New(standarderrors.Unavailable, "repository is closed").WithOp(op, r.cfg.Collection, "")
	}

	return nil
}

func (r *Repository) maxGetMany() int {
	if n := r.driver.Limits().MaxGetMany; n > 0 {
		return n
	}

	return persistence.DefaultMaxGetMany
}

func (r *Repository) maxBatchWrites() int {
	if n := r.driver.Limits().MaxBatchWrites; n > 0 {
		return n
	}

	return persistence.DefaultMaxBatchWrites
}

// retry runs fn under the retry policy. Driver errors are mapped into the
// taxonomy before classification and the final error carries op and id.
func (r *Repository) retry(ctx context.Context, op, id string, fn func() error) error {
	err := r.policy.Do(ctx, func() error {
		return categorize(standarderrors.FromDriver(fn()))
	}, func(attempt int, err error, wait time.Duration) {
		r.log.Warnw("retrying driver call", "operation", op, "id", id, "attempt", attempt, "wait", wait, "error", err)
		r.observe(diagnostics.TypeRetry, op, id, time.Now(), err, map[string]interface{}{diagnostics.KeyAttempt: attempt})
	})

	return r.annotate(err, op, id)
}

// categorize marks err transient or permanent for the retry policy.
func categorize(err error) error {
	switch {
	case err == nil:
		return nil
	case standarderrors.IsRetryable(err):
		return backoff.NewTransientError(err)
	default:
		return backoff.NewPermanentError(err)
	}
}

func (r *Repository) annotate(err error, op, id string) error {
	return standarderrors.Annotate(err, op, r.cfg.Collection, id)
}

func (r *Repository) notFound(op, id string) error {
	return standarderrors.New(standarderrors.NotFound, "document %s not found", id).WithOp(op, r.cfg.Collection, id)
}

func (r *Repository) observe(t diagnostics.Type, op, id string, start time.Time, err error, extra map[string]interface{}) {
	r.emit(diagnostics.Event{
		Time:       r.now(),
		Context:    extra,
		Err:        err,
		Type:       t,
		Collection: r.cfg.Collection,
		Operation:  op,
		ID:         id,
		Duration:   time.Since(start),
	})
}

func (r *Repository) onDispatch(keys int, err error, d time.Duration) {
	r.emit(diagnostics.Event{
		Time:       r.now(),
		Context:    map[string]interface{}{diagnostics.KeyKeys: keys},
		Err:        err,
		Type:       diagnostics.TypeBatch,
		Collection: r.cfg.Collection,
		Operation:  "batchLoad",
		Duration:   d,
	})
}

// warn logs a swallowed failure and forwards it to the error reporter.
func (r *Repository) warn(msg, op, id string, err error) {
	r.log.Warnw(msg, "operation", op, "id", id, "error", err)

	if r.reporter != nil {
		r.reporter(backoff.NewIgnoredError(err), map[string]interface{}{"collection": r.cfg.Collection, "operation": op, "id": id})
	}
}

// invalidate drops every cached query page. Pages computed before the bump are
// not stored afterwards.
func (r *Repository) invalidate() {
	r.cacheGen.Add(1)
	r.cache.Clear()
}

func (r *Repository) cacheKey(id string) string {
	return r.cfg.Collection + ":" + id
}

// decode turns a stored document into its caller form: decoded, migrated and
// with the embedded history stripped. migrated reports whether the stored form
// is outdated.
func (r *Repository) decode(raw persistence.Document) (persistence.Document, bool, error) {
	doc, err := r.codec.Decode(raw)
	if err != nil {
		return nil, false, standarderrors.Wrap(standarderrors.Unknown, err, "failed to decode document %s", raw.ID())
	}

	doc, migrated, err := r.migrations.OnRead(doc)
	if err != nil {
		return nil, false, err
	}

	delete(doc, persistence.FieldHistory)

	if v, ok := persistence.AsInt64(doc[persistence.FieldVersion]); ok {
		doc[persistence.FieldVersion] = v
	}

	return doc, migrated, nil
}

// encode produces the stored form of doc. The embedded history of raw, when
// any, is carried over unchanged.
func (r *Repository) encode(doc, raw persistence.Document) (persistence.Document, error) {
	plain := doc.Clone()
	delete(plain, persistence.FieldHistory)
	delete(plain, FieldPending)
	delete(plain, FieldPopulateFailed)

	out, err := r.codec.Encode(plain, codec.ModeFull)
	if err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to encode document %s", doc.ID())
	}

	if h, ok := raw[persistence.FieldHistory]; ok {
		out[persistence.FieldHistory] = h
	}

	return out, nil
}

// scheduleRepair writes the migrated form back in the background.
func (r *Repository) scheduleRepair(doc persistence.Document) {
	if r.repairer == nil || r.closed.Load() {
		return
	}

	if r.repairer.Schedule(doc) {
		r.observe(diagnostics.TypeMigration, "readRepair", doc.ID(), time.Now(), nil, nil)
	}
}

// repair persists doc if the stored version did not move since it was read. The
// document version is left alone; repairs are not mutations.
func (r *Repository) repair(ctx context.Context, doc persistence.Document) error {
	id := doc.ID()

	return r.retry(ctx, "readRepair", id, func() error {
		return r.driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
			raw, err := tx.Get(ctx, r.cfg.Collection, id)
			if errors.Is(err, persistence.ErrNotFound) {
				return nil
			}

			if err != nil {
				return err
			}

			if raw.Version() != doc.Version() || migration.VersionOf(raw) >= r.migrations.Current() {
				return nil
			}

			stored, err := r.encode(doc, raw)
			if err != nil {
				return err
			}

			return tx.Set(r.cfg.Collection, id, stored)
		})
	})
}

// MigrateAll sweeps the collection and rewrites every outdated document. It
// requires the eager migration strategy and returns the number of documents
// written.
func (r *Repository) MigrateAll(ctx context.Context) (int, error) {
	if err := r.usable("migrateAll"); err != nil {
		return 0, err
	}

	start := time.Now()

	n, err := r.migrations.MigrateAll(ctx, r.migrationPage, r.repair, migrationPageSize)
	if n > 0 {
		r.invalidate()
	}

	r.observe(diagnostics.TypeMigration, "migrateAll", "", start, err, map[string]interface{}{diagnostics.KeyCount: n})

	return n, r.annotate(err, "migrateAll", "")
}

// migrationPage returns decoded documents that have not been migrated yet.
func (r *Repository) migrationPage(ctx context.Context, afterID string, limit int) ([]persistence.Document, error) {
	q := persistence.NewQuery().Sort(persistence.FieldID, persistence.Asc).Limit(limit)
	if afterID != "" {
		q.Filter(persistence.FieldID, persistence.Gt, afterID)
	}

	var raws []persistence.Document

	err := r.retry(ctx, "migrateAll", "", func() error {
		var err error
		raws, err = r.driver.Query(ctx, r.cfg.Collection, *q)

		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]persistence.Document, 0, len(raws))

	for _, raw := range raws {
		doc, err := r.codec.Decode(raw)
		if err != nil {
			return nil, standarderrors.Wrap(standarderrors.Unknown, err, "failed to decode document %s", raw.ID())
		}

		delete(doc, persistence.FieldHistory)

		out = append(out, doc)
	}

	return out, nil
}
