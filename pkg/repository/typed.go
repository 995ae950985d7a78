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

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// Meta holds the base fields of a stored entity.
type Meta struct {
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt"`
	ID        string     `json:"id"`
	Version   int64      `json:"version"`
	Pending   bool       `json:"_pending,omitempty"`
}

// Entity is a typed document: the caller's data next to the base fields.
type Entity[T any] struct {
	Data T
	Meta
}

// Page is a typed PaginatedResult.
type Page[T any] struct {
	Items      []*Entity[T]
	NextCursor string
	HasMore    bool
}

// Typed converts between T and Document through JSON, so T's json tags name
// the stored fields. Of the base fields only id is visible to T.
type Typed[T any] struct {
	repo *Repository
}

func NewTyped[T any](repo *Repository) *Typed[T] {
	return &Typed[T]{repo: repo}
}

// Repository returns the underlying document repository.
func (t *Typed[T]) Repository() *Repository {
	return t.repo
}

func (t *Typed[T]) toDocument(data T) (persistence.Document, error) {
	var doc persistence.Document
	if err := safejson.Convert(data, &doc); err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to convert %T to a document", data)
	}

	return doc, nil
}

func (t *Typed[T]) fromDocument(doc persistence.Document) (*Entity[T], error) {
	if doc == nil {
		return nil, nil
	}

	out := &Entity[T]{}

	if err := safejson.Convert(doc, &out.Meta); err != nil {
		return nil, standarderrors.Wrap(standarderrors.Unknown, err, "failed to read base fields of %s", doc.ID())
	}

	data := stripMetadata(doc)
	data[persistence.FieldID] = doc.ID()

	if err := safejson.Convert(data, &out.Data); err != nil {
		return nil, standarderrors.Wrap(standarderrors.Unknown, err, "failed to convert %s to %T", doc.ID(), out.Data)
	}

	return out, nil
}

func (t *Typed[T]) one(doc persistence.Document, err error) (*Entity[T], error) {
	if err != nil {
		return nil, err
	}

	return t.fromDocument(doc)
}

func (t *Typed[T]) GetByID(ctx context.Context, id string, opts ...ReadOption) (*Entity[T], error) {
	return t.one(t.repo.GetByID(ctx, id, opts...))
}

// GetMany keeps the input order; missing documents are nil.
func (t *Typed[T]) GetMany(ctx context.Context, ids []string, opts ...ReadOption) ([]*Entity[T], error) {
	docs, err := t.repo.GetMany(ctx, ids, opts...)
	if err != nil {
		return nil, err
	}

	out := make([]*Entity[T], len(docs))

	for i, doc := range docs {
		if out[i], err = t.fromDocument(doc); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (t *Typed[T]) Find(ctx context.Context, opts FindOptions) (*Page[T], error) {
	res, err := t.repo.Find(ctx, opts)
	if err != nil {
		return nil, err
	}

	page := &Page[T]{NextCursor: res.NextCursor, HasMore: res.HasMore, Items: make([]*Entity[T], 0, len(res.Items))}

	for _, doc := range res.Items {
		e, err := t.fromDocument(doc)
		if err != nil {
			return nil, err
		}

		page.Items = append(page.Items, e)
	}

	return page, nil
}

func (t *Typed[T]) FindOne(ctx context.Context, opts FindOptions) (*Entity[T], error) {
	return t.one(t.repo.FindOne(ctx, opts))
}

func (t *Typed[T]) Create(ctx context.Context, data T, opts ...WriteOption) (*Entity[T], error) {
	doc, err := t.toDocument(data)
	if err != nil {
		return nil, err
	}

	return t.one(t.repo.Create(ctx, doc, opts...))
}

// Update merges changes, which use the stored field names.
func (t *Typed[T]) Update(ctx context.Context, id string, changes persistence.Document, opts ...WriteOption) (*Entity[T], error) {
	return t.one(t.repo.Update(ctx, id, changes, opts...))
}

// Save writes every field of data onto the document. A non-zero version is
// used for optimistic locking.
func (t *Typed[T]) Save(ctx context.Context, id string, data T, version int64, opts ...WriteOption) (*Entity[T], error) {
	doc, err := t.toDocument(data)
	if err != nil {
		return nil, err
	}

	if version > 0 {
		doc[persistence.FieldVersion] = version
	}

	return t.one(t.repo.Update(ctx, id, doc, opts...))
}

func (t *Typed[T]) Upsert(ctx context.Context, id string, data T, opts ...WriteOption) (*Entity[T], error) {
	doc, err := t.toDocument(data)
	if err != nil {
		return nil, err
	}

	return t.one(t.repo.Upsert(ctx, id, doc, opts...))
}

func (t *Typed[T]) Delete(ctx context.Context, id string, opts ...WriteOption) error {
	return t.repo.Delete(ctx, id, opts...)
}

func (t *Typed[T]) Restore(ctx context.Context, id string, opts ...WriteOption) (*Entity[T], error) {
	return t.one(t.repo.Restore(ctx, id, opts...))
}

func (t *Typed[T]) Undo(ctx context.Context, id string) (*Entity[T], error) {
	return t.one(t.repo.Undo(ctx, id))
}

func (t *Typed[T]) Redo(ctx context.Context, id string) (*Entity[T], error) {
	return t.one(t.repo.Redo(ctx, id))
}
