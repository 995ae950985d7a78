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
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/querycache"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// GetByID returns the document stored under id. Missing documents, and
// soft-deleted ones unless IncludeDeleted is given, return a NotFound error.
//
// Plain reads are served from the external cache when one is configured and are
// otherwise coalesced by the batch loader. Any ReadOption forces a direct read.
func (r *Repository) GetByID(ctx context.Context, id string, opts ...ReadOption) (persistence.Document, error) {
	start := time.Now()

	doc, err := r.getByID(ctx, id, collectRead(opts))
	r.observe(diagnostics.TypeRead, "getById", id, start, err, nil)

	return doc, err
}

// GetByIDIncludingDeleted is GetByID with IncludeDeleted.
func (r *Repository) GetByIDIncludingDeleted(ctx context.Context, id string, opts ...ReadOption) (persistence.Document, error) {
	return r.GetByID(ctx, id, append(opts, IncludeDeleted())...)
}

func (r *Repository) getByID(ctx context.Context, id string, ro readOptions) (persistence.Document, error) {
	const op = "getById"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	if id == "" {
		return nil, standarderrors.New(standarderrors.InvalidArgument, "id is required").WithOp(op, r.cfg.Collection, "")
	}

	doc, err := r.load(ctx, op, id, ro)
	if err != nil {
		return nil, err
	}

	if r.hidden(doc, ro.includeDeleted) {
		return nil, r.notFound(op, id)
	}

	return r.shape(ctx, doc, ro)
}

// load returns the decoded document, consulting the external cache and the
// batch loader for plain reads.
func (r *Repository) load(ctx context.Context, op, id string, ro readOptions) (persistence.Document, error) {
	plain := ro.plain()

	if plain && r.extCache != nil {
		cached, ok, err := r.extCache.Get(ctx, r.cacheKey(id))

		switch {
		case err != nil:
			r.warn("external cache read failed", op, id, err)
		case ok && cached != nil:
			r.observe(diagnostics.TypeCache, op, id, time.Now(), nil, map[string]interface{}{diagnostics.KeyHit: true})

			return cached, nil
		}
	}

	var raw persistence.Document

	if plain && r.loader != nil {
		var err error

		raw, err = r.loader.Load(ctx, id)
		if err != nil {
			return nil, r.annotate(err, op, id)
		}

		if raw == nil {
			return nil, r.notFound(op, id)
		}
	} else {
		err := r.retry(ctx, op, id, func() error {
			var err error
			raw, err = r.driver.Get(ctx, r.cfg.Collection, id)

			return err
		})
		if err != nil {
			return nil, err
		}
	}

	doc, migrated, err := r.decode(raw)
	if err != nil {
		return nil, r.annotate(err, op, id)
	}

	if migrated {
		r.scheduleRepair(doc)
	}

	if plain && r.extCache != nil {
		if err := r.extCache.Set(ctx, r.cacheKey(id), doc.Clone()); err != nil {
			r.warn("external cache write failed", op, id, err)
		}
	}

	return doc, nil
}

// fetchMany is the batch loader fetch. ids never exceed MaxGetMany.
func (r *Repository) fetchMany(ctx context.Context, ids []string) (map[string]persistence.Document, error) {
	var out map[string]persistence.Document

	err := r.retry(ctx, "getMany", "", func() error {
		var err error
		out, err = r.driver.GetMany(ctx, r.cfg.Collection, ids)

		return err
	})

	return out, err
}

// getRaw reads the stored form of id directly from the driver.
func (r *Repository) getRaw(ctx context.Context, op, id string) (persistence.Document, error) {
	var raw persistence.Document

	err := r.retry(ctx, op, id, func() error {
		var err error
		raw, err = r.driver.Get(ctx, r.cfg.Collection, id)

		return err
	})

	return raw, err
}

func (r *Repository) hidden(doc persistence.Document, includeDeleted bool) bool {
	return r.cfg.SoftDelete && !includeDeleted && doc.IsDeleted()
}

// shape applies projection and population.
func (r *Repository) shape(ctx context.Context, doc persistence.Document, ro readOptions) (persistence.Document, error) {
	if len(ro.populate) > 0 {
		if err := r.populate(ctx, doc, ro.populate); err != nil {
			return nil, err
		}
	}

	if len(ro.selectFields) > 0 {
		doc = project(doc, ro.selectFields)
	}

	return doc, nil
}

func project(doc persistence.Document, fields []string) persistence.Document {
	out := persistence.Document{persistence.FieldID: doc.ID()}

	for _, f := range fields {
		if v, ok := persistence.Lookup(doc, f); ok {
			persistence.SetPath(out, f, v)
		}
	}

	if failed, ok := doc[FieldPopulateFailed]; ok {
		out[FieldPopulateFailed] = failed
	}

	return out
}

// GetMany returns the documents for ids in input order, with nil where a
// document is missing or hidden. Reads are chunked by the driver multi-get bound.
func (r *Repository) GetMany(ctx context.Context, ids []string, opts ...ReadOption) ([]persistence.Document, error) {
	const op = "getMany"

	start := time.Now()
	ro := collectRead(opts)

	docs, err := r.getMany(ctx, ids, ro)
	r.observe(diagnostics.TypeRead, op, "", start, err, map[string]interface{}{diagnostics.KeyCount: len(ids)})

	return docs, err
}

func (r *Repository) getMany(ctx context.Context, ids []string, ro readOptions) ([]persistence.Document, error) {
	const op = "getMany"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	raws, err := r.rawMany(ctx, op, ids)
	if err != nil {
		return nil, err
	}

	decoded := make(map[string]persistence.Document, len(raws))
	out := make([]persistence.Document, len(ids))

	for i, id := range ids {
		doc, seen := decoded[id]
		if !seen {
			raw, ok := raws[id]
			if !ok {
				continue
			}

			var migrated bool

			doc, migrated, err = r.decode(raw)
			if err != nil {
				return nil, r.annotate(err, op, id)
			}

			if migrated {
				r.scheduleRepair(doc)
			}

			if r.hidden(doc, ro.includeDeleted) {
				doc = nil
			}

			decoded[id] = doc
		}

		if doc == nil {
			continue
		}

		shaped, err := r.shape(ctx, doc.Clone(), ro)
		if err != nil {
			return nil, err
		}

		out[i] = shaped
	}

	return out, nil
}

// rawMany fetches the stored forms of ids in chunks of MaxGetMany.
func (r *Repository) rawMany(ctx context.Context, op string, ids []string) (map[string]persistence.Document, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		if id == "" {
			continue
		}

		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	out := make(map[string]persistence.Document, len(unique))
	chunk := r.maxGetMany()

	for lo := 0; lo < len(unique); lo += chunk {
		part := unique[lo:min(lo+chunk, len(unique))]

		var got map[string]persistence.Document

		err := r.retry(ctx, op, "", func() error {
			var err error
			got, err = r.driver.GetMany(ctx, r.cfg.Collection, part)

			return err
		})
		if err != nil {
			return nil, err
		}

		for id, doc := range got {
			out[id] = doc
		}
	}

	return out, nil
}

// Find returns one page of documents matching opts. Pages are cached until the
// next mutation of the collection; cached pages are returned as copies.
func (r *Repository) Find(ctx context.Context, opts FindOptions) (*PaginatedResult, error) {
	start := time.Now()

	res, err := r.find(ctx, opts)

	count := 0
	if res != nil {
		count = len(res.Items)
	}

	r.observe(diagnostics.TypeQuery, "find", "", start, err, map[string]interface{}{diagnostics.KeyCount: count})

	return res, err
}

func (r *Repository) find(ctx context.Context, opts FindOptions) (*PaginatedResult, error) {
	const op = "find"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	key, err := querycache.Key(opts)
	if err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "query options are not serialisable").WithOp(op, r.cfg.Collection, "")
	}

	if cached, ok := r.cache.Get(key); ok {
		r.observe(diagnostics.TypeCache, op, "", time.Now(), nil, map[string]interface{}{diagnostics.KeyHit: true})

		return cached.clone(), nil
	}

	r.observe(diagnostics.TypeCache, op, "", time.Now(), nil, map[string]interface{}{diagnostics.KeyHit: false})

	gen := r.cacheGen.Load()

	res, err := r.query(ctx, opts)
	if err != nil {
		return nil, err
	}

	if r.cacheGen.Load() == gen {
		r.cache.Set(key, res.clone())
	}

	return res, nil
}

// query runs opts against the driver without the cache.
func (r *Repository) query(ctx context.Context, opts FindOptions) (*PaginatedResult, error) {
	const op = "find"

	q, limit, err := r.buildQuery(opts)
	if err != nil {
		return nil, err
	}

	q.Limit(limit + 1)

	var raws []persistence.Document

	err = r.retry(ctx, op, "", func() error {
		var err error
		raws, err = r.driver.Query(ctx, r.cfg.Collection, *q)

		return err
	})
	if err != nil {
		return nil, err
	}

	res := &PaginatedResult{Items: make([]persistence.Document, 0, min(len(raws), limit))}

	if len(raws) > limit {
		res.HasMore = true
		raws = raws[:limit]
	}

	ro := readOptions{populate: opts.Populate, selectFields: opts.Select, includeDeleted: opts.IncludeDeleted}

	for _, raw := range raws {
		doc, migrated, err := r.decode(raw)
		if err != nil {
			return nil, r.annotate(err, op, raw.ID())
		}

		if migrated {
			r.scheduleRepair(doc)
		}

		doc, err = r.shape(ctx, doc, ro)
		if err != nil {
			return nil, err
		}

		res.Items = append(res.Items, doc)
	}

	if res.HasMore && len(raws) > 0 {
		cursor, err := encodeCursor(persistence.CursorValues(raws[len(raws)-1], q.SortBy))
		if err != nil {
			return nil, standarderrors.Wrap(standarderrors.Unknown, err, "failed to encode cursor").WithOp(op, r.cfg.Collection, "")
		}

		res.NextCursor = cursor
	}

	return res, nil
}

// buildQuery translates opts into a driver query and returns the page size.
func (r *Repository) buildQuery(opts FindOptions) (*persistence.Query, int, error) {
	q := persistence.NewQuery()

	for _, f := range opts.Filters {
		q.Filter(f.Field, f.Op, f.Value)
	}

	if r.cfg.SoftDelete && !opts.IncludeDeleted {
		q.Filter(persistence.FieldDeletedAt, persistence.Exists, false)
	}

	for _, s := range opts.Sort {
		q.Sort(s.Field, s.Order)
	}

	if opts.Cursor != "" {
		values, err := decodeCursor(opts.Cursor, len(opts.Sort)+1)
		if err != nil {
			return nil, 0, standarderrors.Wrap(standarderrors.InvalidArgument, err, "invalid cursor").WithOp("find", r.cfg.Collection, "")
		}

		q.After(values...)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	return q, limit, nil
}

// FindOne returns the first document matching opts, or a NotFound error.
func (r *Repository) FindOne(ctx context.Context, opts FindOptions) (persistence.Document, error) {
	opts.Limit = 1
	opts.Cursor = ""

	res, err := r.Find(ctx, opts)
	if err != nil {
		return nil, err
	}

	if len(res.Items) == 0 {
		return nil, standarderrors.New(standarderrors.NotFound, "no document matches the query").WithOp("findOne", r.cfg.Collection, "")
	}

	return res.Items[0], nil
}

// Count returns the number of documents matching the filters of opts. Sort,
// cursor and limit are ignored. Consistency with concurrent writes is that of
// the driver's count primitive.
func (r *Repository) Count(ctx context.Context, opts FindOptions) (int64, error) {
	const op = "count"

	start := time.Now()

	n, err := r.count(ctx, opts)
	r.observe(diagnostics.TypeQuery, op, "", start, err, map[string]interface{}{diagnostics.KeyCount: int(n)})

	return n, err
}

func (r *Repository) count(ctx context.Context, opts FindOptions) (int64, error) {
	const op = "count"

	if err := r.usable(op); err != nil {
		return 0, err
	}

	opts.Sort = nil
	opts.Cursor = ""

	q, _, err := r.buildQuery(opts)
	if err != nil {
		return 0, err
	}

	var n int64

	err = r.retry(ctx, op, "", func() error {
		var err error
		n, err = r.driver.Count(ctx, r.cfg.Collection, *q)

		return err
	})

	return n, err
}

// ExistsWhere reports whether any document matches the filters of opts.
func (r *Repository) ExistsWhere(ctx context.Context, opts FindOptions) (bool, error) {
	const op = "existsWhere"

	if err := r.usable(op); err != nil {
		return false, err
	}

	opts.Cursor = ""

	q, _, err := r.buildQuery(opts)
	if err != nil {
		return false, err
	}

	q.Limit(1)

	var raws []persistence.Document

	err = r.retry(ctx, op, "", func() error {
		var err error
		raws, err = r.driver.Query(ctx, r.cfg.Collection, *q)

		return err
	})

	return len(raws) > 0, err
}

// populate resolves the relation fields of doc concurrently. How a failed
// relation is handled follows the configured population mode.
func (r *Repository) populate(ctx context.Context, doc persistence.Document, fields []string) error {
	var (
		mu       sync.Mutex
		resolved = make(map[string]interface{}, len(fields))
		failed   []string
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, field := range fields {
		rel, declared := r.relations[field]
		value, present := doc[field]

		g.Go(func() error {
			var (
				out interface{}
				err error
			)

			switch {
			case !declared:
				err = standarderrors.New(standarderrors.InvalidArgument, "field %s is not a declared relation", field)
			case !present || value == nil:
				return nil
			default:
				out, err = r.resolve(gctx, rel, value)
			}

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				resolved[field] = out

				return nil
			}

			switch r.cfg.Population {
			case config.PopulateThrow:
				return r.annotate(err, "populate", doc.ID())
			case config.PopulateWarn:
				r.log.Warnw("failed to populate relation", "operation", "populate", "id", doc.ID(), "field", field, "error", err)
			}

			failed = append(failed, field)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for field, v := range resolved {
		doc[field] = v
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		doc[FieldPopulateFailed] = failed
	}

	return nil
}

// resolve loads the raw documents referenced by value. Related collections are
// read as stored, without another repository's codec.
func (r *Repository) resolve(ctx context.Context, rel config.RelationConfig, value interface{}) (interface{}, error) {
	if !rel.Many {
		id, ok := value.(string)
		if !ok {
			return nil, standarderrors.New(standarderrors.InvalidArgument, "relation %s must hold a string id", rel.Field)
		}

		var doc persistence.Document

		err := r.retry(ctx, "populate", id, func() error {
			var err error
			doc, err = r.driver.Get(ctx, rel.Collection, id)

			return err
		})
		if err != nil {
			return nil, err
		}

		return map[string]interface{}(doc), nil
	}

	ids, err := stringSlice(value)
	if err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "relation %s must hold a list of ids", rel.Field)
	}

	found := make(map[string]persistence.Document, len(ids))
	chunk := r.maxGetMany()

	for lo := 0; lo < len(ids); lo += chunk {
		part := ids[lo:min(lo+chunk, len(ids))]

		var got map[string]persistence.Document

		err := r.retry(ctx, "populate", "", func() error {
			var err error
			got, err = r.driver.GetMany(ctx, rel.Collection, part)

			return err
		})
		if err != nil {
			return nil, err
		}

		for id, doc := range got {
			found[id] = doc
		}
	}

	out := make([]interface{}, 0, len(ids))

	for _, id := range ids {
		if doc, ok := found[id]; ok {
			out = append(out, map[string]interface{}(doc))
		}
	}

	return out, nil
}

var errNotStringList = errors.New("value is not a list of strings")

func stringSlice(v interface{}) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))

		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, errNotStringList
			}

			out = append(out, s)
		}

		return out, nil
	default:
		return nil, errNotStringList
	}
}
