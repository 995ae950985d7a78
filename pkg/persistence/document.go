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

// Package persistence defines the document model and the primitive driver contract
// that every storage backend implements.
//
// A Driver is deliberately thin: single-document get/set/update/delete, a bounded
// multi-get, a filtered and sorted query, count aggregation, a read-modify-write
// transaction, a bounded atomic batch write and a change subscription. Everything
// that makes a repository dependable (retries, codecs, caching, history, offline
// tolerance) is layered on top in pkg/repository and never pushed into drivers.
//
// Drivers translate their native failures into the sentinel errors declared in
// errors.go so that callers never branch on backend specific codes.
package persistence

import (
	"reflect"
	"strings"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// Metadata fields every stored entity carries.
const (
	FieldID            = "id"
	FieldCreatedAt     = "createdAt"
	FieldUpdatedAt     = "updatedAt"
	FieldDeletedAt     = "deletedAt"
	FieldVersion       = "version"
	FieldSchemaVersion = "_schemaVersion"
	FieldHistory       = "_history"
)

// MetadataFields lists the fields maintained by the repository rather than the caller.
var MetadataFields = []string{
	FieldID, FieldCreatedAt, FieldUpdatedAt, FieldDeletedAt, FieldVersion, FieldSchemaVersion, FieldHistory,
}

// IsMetadataField reports whether field is one of MetadataFields.
func IsMetadataField(field string) bool {
	for _, f := range MetadataFields {
		if f == field {
			return true
		}
	}

	return false
}

// Document is a schemaless record. Nested objects are map[string]interface{} and
// arrays are []interface{}, which is what every driver decodes into.
type Document map[string]interface{}

// ID returns the "id" field or "" when it is missing or not a string.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)

	return id
}

// Version returns the optimistic-lock version, 0 when missing.
func (d Document) Version() int64 {
	v, _ := AsInt64(d[FieldVersion])

	return v
}

// DeletedAt returns the soft-delete timestamp if the document carries one.
func (d Document) DeletedAt() (time.Time, bool) {
	switch v := d[FieldDeletedAt].(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}

		return *v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, v != ""
		}

		return t, true
	case nil:
		return time.Time{}, false
	default:
		return time.Time{}, true
	}
}

// IsDeleted reports whether deletedAt is set to anything other than null.
func (d Document) IsDeleted() bool {
	_, deleted := d.DeletedAt()

	return deleted
}

// Clone returns a deep copy of the document. Nested maps and slices are copied
// recursively; other composite leaf values are copied with go-deepcopy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}

	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time:
		return val
	case Document:
		return val.Clone()
	case map[string]interface{}:
		return map[string]interface{}(Document(val).Clone())
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}

		return out
	default:
		ptr := reflect.New(reflect.TypeOf(v))
		if err := deepcopy.Copy(ptr.Interface(), v); err != nil {
			return v
		}

		return ptr.Elem().Interface()
	}
}

// AsInt64 converts the numeric representations drivers hand back into int64.
func AsInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Lookup resolves a dot path ("address.city") inside doc.
func Lookup(doc Document, path string) (interface{}, bool) {
	if v, ok := doc[path]; ok {
		return v, true
	}

	parts := strings.Split(path, ".")

	var current interface{} = map[string]interface{}(doc)

	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// SetPath assigns value at a dot path, creating intermediate objects as needed.
// Intermediate non-object values are overwritten.
func SetPath(doc Document, path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := map[string]interface{}(doc)

	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(current[part])
		if !ok {
			next = make(map[string]interface{})
		}

		current[part] = next
		current = next
	}

	current[parts[len(parts)-1]] = value
}

// ApplyUpdate merges partial update fields into doc. Keys may be dot paths. The
// input document is modified in place and returned for convenience.
func ApplyUpdate(doc Document, fields Document) Document {
	for k, v := range fields {
		if strings.Contains(k, ".") {
			SetPath(doc, k, cloneValue(v))

			continue
		}

		doc[k] = cloneValue(v)
	}

	return doc
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return m, true
	default:
		return nil, false
	}
}
