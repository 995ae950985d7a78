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

package codec

import (
	"reflect"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

// Sanitize returns a copy of doc without values no driver can store. Functions,
// channels, complex numbers and unsafe pointers are dropped at any depth, and
// time values are normalised to UTC.
func Sanitize(doc persistence.Document) persistence.Document {
	out := make(persistence.Document, len(doc))

	for k, v := range doc {
		if clean, ok := sanitizeValue(v); ok {
			out[k] = clean
		}
	}

	return out
}

func sanitizeValue(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true
	case time.Time:
		return val.UTC(), true
	case *time.Time:
		if val == nil {
			return nil, true
		}

		return val.UTC(), true
	case persistence.Document:
		return map[string]interface{}(Sanitize(val)), true
	case map[string]interface{}:
		return map[string]interface{}(Sanitize(val)), true
	case []interface{}:
		out := make([]interface{}, 0, len(val))

		for _, item := range val {
			if clean, ok := sanitizeValue(item); ok {
				out = append(out, clean)
			}
		}

		return out, true
	}

	switch reflect.TypeOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, false
	default:
		return v, true
	}
}

// Flatten turns nested objects into dot-path keys so that a driver update only
// touches the leaves that were supplied. Empty objects and metadata fields are
// kept as they are.
func Flatten(doc persistence.Document) persistence.Document {
	out := make(persistence.Document, len(doc))
	flattenInto(out, "", doc)

	return out
}

func flattenInto(out persistence.Document, prefix string, m map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		nested, ok := asObject(v)
		if ok && len(nested) > 0 && !(prefix == "" && persistence.IsMetadataField(k)) {
			flattenInto(out, key, nested)

			continue
		}

		out[key] = v
	}
}

// Unflatten is the inverse of Flatten.
func Unflatten(doc persistence.Document) persistence.Document {
	out := make(persistence.Document, len(doc))

	for k, v := range doc {
		if !strings.Contains(k, ".") {
			out[k] = v
		}
	}

	for k, v := range doc {
		if strings.Contains(k, ".") {
			persistence.SetPath(out, k, v)
		}
	}

	return out
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case persistence.Document:
		return m, true
	default:
		return nil, false
	}
}

// ParseTimestamp reads the timestamp representations that come back from
// drivers and from JSON round trips: time values, RFC3339 strings, unix
// milliseconds and driver date types exposing Time().
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), true
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}

		return val.UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, false
		}

		return t.UTC(), true
	case int64:
		return time.UnixMilli(val).UTC(), true
	case float64:
		return time.UnixMilli(int64(val)).UTC(), true
	case int:
		return time.UnixMilli(int64(val)).UTC(), true
	case interface{ Time() time.Time }:
		return val.Time().UTC(), true
	default:
		return time.Time{}, false
	}
}

// normalizeTimestamps rewrites every listed field it can parse as a UTC time.
func normalizeTimestamps(doc persistence.Document, fields []string) {
	for _, f := range fields {
		v, ok := doc[f]
		if !ok || v == nil {
			continue
		}

		if t, ok := ParseTimestamp(v); ok {
			doc[f] = t
		}
	}
}
