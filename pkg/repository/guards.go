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
	"reflect"
	"sort"

	"github.com/united-manufacturing-hub/docrepo/pkg/codec"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// EnsureExists returns a NotFound error unless a live document is stored under id.
func (r *Repository) EnsureExists(ctx context.Context, id string) error {
	_, err := r.getByID(ctx, id, readOptions{strong: true})

	return err
}

// EnsureNotExists returns Conflict if any document, soft-deleted ones included,
// is stored under id.
func (r *Repository) EnsureNotExists(ctx context.Context, id string) error {
	const op = "ensureNotExists"

	_, err := r.getByID(ctx, id, readOptions{strong: true, includeDeleted: true})

	switch {
	case err == nil:
		return standarderrors.New(standarderrors.Conflict, "document %s already exists", id).WithOp(op, r.cfg.Collection, id)
	case standarderrors.IsKind(err, standarderrors.NotFound):
		return nil
	default:
		return err
	}
}

// EnsureUnique returns Conflict if a live document other than excludeID has
// field equal to value. Encrypted and compressed fields cannot be checked, as
// the comparison runs against the stored form.
func (r *Repository) EnsureUnique(ctx context.Context, field string, value interface{}, excludeID string) error {
	const op = "ensureUnique"

	if err := r.usable(op); err != nil {
		return err
	}

	q := persistence.NewQuery().Filter(field, persistence.Eq, value).Limit(2)
	if r.cfg.SoftDelete {
		q.Filter(persistence.FieldDeletedAt, persistence.Exists, false)
	}

	var raws []persistence.Document

	err := r.retry(ctx, op, excludeID, func() error {
		var err error
		raws, err = r.driver.Query(ctx, r.cfg.Collection, *q)

		return err
	})
	if err != nil {
		return err
	}

	for _, raw := range raws {
		if raw.ID() != excludeID {
			return standarderrors.New(standarderrors.Conflict, "%s must be unique, %v is taken by %s", field, value, raw.ID()).
				WithOp(op, r.cfg.Collection, excludeID)
		}
	}

	return nil
}

// ModifiedField holds the old and new value of a changed field.
type ModifiedField struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Diff lists the fields an update would change, keyed by dot path. Base fields
// are not compared.
type Diff struct {
	Added    map[string]interface{}   `json:"added,omitempty"`
	Modified map[string]ModifiedField `json:"modified,omitempty"`
	Removed  []string                 `json:"removed,omitempty"`
}

// IsEmpty reports whether the update would change nothing.
func (d *Diff) IsEmpty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0)
}

// Diff compares the stored document with the result of merging changes into
// it, without writing anything.
func (r *Repository) Diff(ctx context.Context, id string, changes persistence.Document) (*Diff, error) {
	current, err := r.getByID(ctx, id, readOptions{strong: true})
	if err != nil {
		return nil, err
	}

	next := persistence.ApplyUpdate(current.Clone(), codec.Flatten(stripMetadata(changes)))

	return computeDiff(current, next), nil
}

func computeDiff(oldDoc, newDoc persistence.Document) *Diff {
	before := codec.Flatten(stripMetadata(oldDoc))
	after := codec.Flatten(stripMetadata(newDoc))

	diff := &Diff{
		Added:    make(map[string]interface{}),
		Modified: make(map[string]ModifiedField),
	}

	for k, v := range after {
		old, ok := before[k]

		switch {
		case !ok:
			diff.Added[k] = v
		case !reflect.DeepEqual(old, v):
			diff.Modified[k] = ModifiedField{Old: old, New: v}
		}
	}

	for k := range before {
		if _, ok := after[k]; !ok {
			diff.Removed = append(diff.Removed, k)
		}
	}

	sort.Strings(diff.Removed)

	return diff
}
