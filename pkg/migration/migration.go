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

// Package migration upgrades stored documents through an ordered chain of
// version transforms.
//
// The stored version lives in the _schemaVersion field. A document without it
// is at version 0. Upgrade applies every transform whose key is greater than the
// stored version, lowest key first, and stamps the highest key afterwards.
//
// Strategies decide when Upgrade runs:
//   - eager and lazy upgrade on every read and hand the result to a Repairer,
//     which writes the migrated form back in the background
//   - write-only leaves reads untouched and upgrades just before a write
//
// Eager additionally allows MigrateAll, a sweep over the whole collection.
package migration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// Transform upgrades a document by one version. It receives a private copy and
// may modify it in place.
type Transform func(doc persistence.Document) (persistence.Document, error)

// Map holds the transform that produces each version.
type Map map[int]Transform

type Strategy string

const (
	StrategyEager     Strategy = "eager"
	StrategyLazy      Strategy = "lazy"
	StrategyWriteOnly Strategy = "write-only"
)

// ParseStrategy accepts the config spelling of a strategy. "" means lazy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case "", StrategyLazy:
		return StrategyLazy, nil
	case StrategyEager:
		return StrategyEager, nil
	case StrategyWriteOnly, "writeonly", "write_only":
		return StrategyWriteOnly, nil
	default:
		return "", standarderrors.New(standarderrors.InvalidArgument, "unknown migration strategy %q", s)
	}
}

// Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	transforms Map
	strategy   Strategy
	versions   []int
}

// NewEngine validates m and fixes the transform order.
func NewEngine(strategy Strategy, m Map) (*Engine, error) {
	versions := make([]int, 0, len(m))
	transforms := make(Map, len(m))

	for v, fn := range m {
		if v < 1 {
			return nil, standarderrors.New(standarderrors.InvalidArgument, "migration version %d must be at least 1", v)
		}

		if fn == nil {
			return nil, standarderrors.New(standarderrors.InvalidArgument, "migration version %d has no transform", v)
		}

		versions = append(versions, v)
		transforms[v] = fn
	}

	sort.Ints(versions)

	if strategy == "" {
		strategy = StrategyLazy
	}

	return &Engine{strategy: strategy, transforms: transforms, versions: versions}, nil
}

func (e *Engine) Strategy() Strategy {
	return e.strategy
}

// Current is the highest known version, 0 without transforms.
func (e *Engine) Current() int {
	if len(e.versions) == 0 {
		return 0
	}

	return e.versions[len(e.versions)-1]
}

// VersionOf reads the stored schema version of doc.
func VersionOf(doc persistence.Document) int {
	v, _ := persistence.AsInt64(doc[persistence.FieldSchemaVersion])

	return int(v)
}

// Upgrade returns doc migrated to Current. changed is false when doc was already
// current, in which case doc itself is returned. Documents written by a newer
// schema are left alone.
func (e *Engine) Upgrade(doc persistence.Document) (persistence.Document, bool, error) {
	stored := VersionOf(doc)
	if doc == nil || stored >= e.Current() {
		return doc, false, nil
	}

	out := doc.Clone()

	for _, v := range e.versions {
		if v <= stored {
			continue
		}

		next, err := e.transforms[v](out)
		if err != nil {
			return nil, false, standarderrors.Wrap(standarderrors.Unknown, err,
				"migration to version %d failed for %s", v, doc.ID())
		}

		if next != nil {
			out = next
		}
	}

	out[persistence.FieldSchemaVersion] = e.Current()

	return out, true, nil
}

// OnRead upgrades doc when the strategy migrates on read.
func (e *Engine) OnRead(doc persistence.Document) (persistence.Document, bool, error) {
	if e.strategy == StrategyWriteOnly {
		return doc, false, nil
	}

	return e.Upgrade(doc)
}

// OnWrite prepares doc for a write: write-only upgrades it, and every strategy
// stamps the current version so freshly written documents never need migrating.
func (e *Engine) OnWrite(doc persistence.Document) (persistence.Document, error) {
	out := doc

	if e.strategy == StrategyWriteOnly {
		upgraded, _, err := e.Upgrade(doc)
		if err != nil {
			return nil, err
		}

		out = upgraded
	}

	if e.Current() > 0 && VersionOf(out) < e.Current() {
		out = out.Clone()
		out[persistence.FieldSchemaVersion] = e.Current()
	}

	return out, nil
}

// Pager returns up to limit decoded documents with an id greater than afterID,
// ordered by id.
type Pager func(ctx context.Context, afterID string, limit int) ([]persistence.Document, error)

// MigrateAll sweeps every document through Upgrade and writes back the ones that
// changed. It is only available to the eager strategy.
func (e *Engine) MigrateAll(ctx context.Context, page Pager, write RepairFunc, pageSize int) (int, error) {
	if e.strategy != StrategyEager {
		return 0, standarderrors.New(standarderrors.FailedPrecondition,
			"collection sweep requires the eager strategy, have %s", e.strategy)
	}

	if pageSize <= 0 {
		pageSize = 100
	}

	migrated := 0
	after := ""

	for {
		docs, err := page(ctx, after, pageSize)
		if err != nil {
			return migrated, fmt.Errorf("failed to load page after %q: %w", after, err)
		}

		for _, doc := range docs {
			upgraded, changed, err := e.Upgrade(doc)
			if err != nil {
				return migrated, err
			}

			if changed {
				if err := write(ctx, upgraded); err != nil {
					return migrated, fmt.Errorf("failed to write migrated %s: %w", doc.ID(), err)
				}

				migrated++
			}

			after = doc.ID()
		}

		if len(docs) < pageSize {
			return migrated, nil
		}
	}
}
