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

package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

// BuildFilter translates the filters and keyset cursor of q into a bson filter.
func BuildFilter(q persistence.Query) bson.D {
	clauses := bson.A{}

	for _, f := range q.Filters {
		clauses = append(clauses, conditionToBSON(f))
	}

	if len(q.StartAfter) > 0 {
		clauses = append(clauses, keysetToBSON(q.SortBy, q.StartAfter))
	}

	switch len(clauses) {
	case 0:
		return bson.D{}
	case 1:
		return clauses[0].(bson.D)
	default:
		return bson.D{{Key: "$and", Value: clauses}}
	}
}

func fieldName(field string) string {
	if field == persistence.FieldID {
		return "_id"
	}

	return field
}

func conditionToBSON(f persistence.FilterCondition) bson.D {
	field := fieldName(f.Field)

	switch f.Op {
	case persistence.Exists:
		if want, _ := f.Value.(bool); want {
			return bson.D{{Key: field, Value: bson.D{{Key: "$ne", Value: nil}}}}
		}

		return bson.D{{Key: field, Value: bson.D{{Key: "$eq", Value: nil}}}}
	case persistence.ArrayContains:
		// Equality against an array field matches any element.
		return bson.D{{Key: field, Value: bson.D{{Key: "$eq", Value: f.Value}}}}
	default:
		return bson.D{{Key: field, Value: bson.D{{Key: string(f.Op), Value: f.Value}}}}
	}
}

// keysetToBSON builds (t1 > v1) OR (t1 = v1 AND t2 > v2) ... OR (all equal AND _id > id).
func keysetToBSON(terms []persistence.SortField, cursor []interface{}) bson.D {
	type term struct {
		field string
		order persistence.SortOrder
	}

	keys := make([]term, 0, len(terms)+1)
	for _, t := range terms {
		keys = append(keys, term{field: fieldName(t.Field), order: t.Order})
	}

	keys = append(keys, term{field: "_id", order: persistence.Asc})

	if len(cursor) < len(keys) {
		keys = keys[:len(cursor)]
	}

	branches := bson.A{}

	for i, key := range keys {
		branch := bson.D{}

		for j := 0; j < i; j++ {
			branch = append(branch, bson.E{Key: keys[j].field, Value: cursor[j]})
		}

		op := "$gt"
		if key.order == persistence.Desc {
			op = "$lt"
		}

		branch = append(branch, bson.E{Key: key.field, Value: bson.D{{Key: op, Value: cursor[i]}}})
		branches = append(branches, branch)
	}

	return bson.D{{Key: "$or", Value: branches}}
}

// BuildSort translates sort terms, always appending _id for a stable order.
func BuildSort(terms []persistence.SortField) bson.D {
	sort := bson.D{}

	for _, t := range terms {
		sort = append(sort, bson.E{Key: fieldName(t.Field), Value: int(t.Order)})
	}

	return append(sort, bson.E{Key: "_id", Value: 1})
}

// ToBSON prepares a document for storage under _id.
func ToBSON(id string, doc persistence.Document) bson.M {
	out := bson.M{}

	for k, v := range doc {
		if k == persistence.FieldID {
			continue
		}

		out[k] = v
	}

	out["_id"] = id

	return out
}

// FromBSON converts a decoded bson document back into a persistence.Document,
// normalising nested documents, arrays and dates.
func FromBSON(raw bson.M) persistence.Document {
	doc := persistence.Document{}

	for k, v := range raw {
		if k == "_id" {
			doc[persistence.FieldID] = fmt.Sprint(v)

			continue
		}

		doc[k] = fromBSONValue(v)
	}

	return doc
}

func fromBSONValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = fromBSONValue(item)
		}

		return out
	case bson.D:
		out := make(map[string]interface{}, len(val))
		for _, e := range val {
			out[e.Key] = fromBSONValue(e.Value)
		}

		return out
	case bson.A:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = fromBSONValue(item)
		}

		return out
	case bson.DateTime:
		return val.Time().UTC()
	default:
		return v
	}
}

// MapError translates mongo driver errors into persistence sentinels.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error

	var serverErr mongo.ServerError

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return persistence.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err):
		sentinel = persistence.ErrDeadlineExceeded
	case mongo.IsDuplicateKeyError(err):
		sentinel = persistence.ErrConflict
	case mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		sentinel = persistence.ErrUnavailable
	case errors.As(err, &serverErr):
		switch {
		case serverErr.HasErrorLabel("TransientTransactionError"), serverErr.HasErrorLabel("UnknownTransactionCommitResult"):
			sentinel = persistence.ErrAborted
		case serverErr.HasErrorCode(codeUnauthorized):
			sentinel = persistence.ErrPermissionDenied
		case serverErr.HasErrorCode(codeAuthenticationFailed):
			sentinel = persistence.ErrUnauthenticated
		case serverErr.HasErrorCode(codeExceededTimeLimit):
			sentinel = persistence.ErrDeadlineExceeded
		default:
			return err
		}
	default:
		return err
	}

	return fmt.Errorf("%w: %v", sentinel, err)
}
