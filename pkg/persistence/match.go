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

package persistence

import (
	"reflect"
	"sort"
	"strings"
	"time"
)

// Match reports whether doc satisfies every filter (implicit AND).
func Match(doc Document, filters []FilterCondition) bool {
	for _, f := range filters {
		if !matchCondition(doc, f) {
			return false
		}
	}

	return true
}

func matchCondition(doc Document, f FilterCondition) bool {
	value, present := Lookup(doc, f.Field)

	switch f.Op {
	case Exists:
		want, _ := f.Value.(bool)

		return (present && value != nil) == want
	case Eq:
		return equalValues(value, f.Value)
	case Ne:
		return !equalValues(value, f.Value)
	case Gt:
		return present && orderable(value, f.Value) && Compare(value, f.Value) > 0
	case Gte:
		return present && orderable(value, f.Value) && Compare(value, f.Value) >= 0
	case Lt:
		return present && orderable(value, f.Value) && Compare(value, f.Value) < 0
	case Lte:
		return present && orderable(value, f.Value) && Compare(value, f.Value) <= 0
	case In:
		for _, candidate := range toSlice(f.Value) {
			if equalValues(value, candidate) {
				return true
			}
		}

		return false
	case Nin:
		for _, candidate := range toSlice(f.Value) {
			if equalValues(value, candidate) {
				return false
			}
		}

		return true
	case ArrayContains:
		for _, item := range toSlice(value) {
			if equalValues(item, f.Value) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// Apply evaluates q against docs in process: filter, sort (with id as the final
// tiebreaker), keyset cursor, skip and limit. The input slice is not modified.
func Apply(docs []Document, q Query) []Document {
	matched := make([]Document, 0, len(docs))

	for _, doc := range docs {
		if Match(doc, q.Filters) {
			matched = append(matched, doc)
		}
	}

	SortDocuments(matched, q.SortBy)

	if len(q.StartAfter) > 0 {
		start := len(matched)

		for i, doc := range matched {
			if compareToCursor(doc, q.SortBy, q.StartAfter) > 0 {
				start = i

				break
			}
		}

		matched = matched[start:]
	}

	if q.SkipCount > 0 {
		if q.SkipCount >= len(matched) {
			return []Document{}
		}

		matched = matched[q.SkipCount:]
	}

	if limit := q.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}

	return matched
}

// CountMatching counts docs matching the query filters. Sort, cursor and limits are ignored.
func CountMatching(docs []Document, q Query) int64 {
	var n int64

	for _, doc := range docs {
		if Match(doc, q.Filters) {
			n++
		}
	}

	return n
}

// SortDocuments sorts docs in place by the given terms followed by id ascending.
func SortDocuments(docs []Document, terms []SortField) {
	sort.SliceStable(docs, func(i, j int) bool {
		return compareDocuments(docs[i], docs[j], terms) < 0
	})
}

func compareDocuments(a, b Document, terms []SortField) int {
	for _, term := range terms {
		av, _ := Lookup(a, term.Field)
		bv, _ := Lookup(b, term.Field)

		if c := Compare(av, bv); c != 0 {
			if term.Order == Desc {
				return -c
			}

			return c
		}
	}

	return strings.Compare(a.ID(), b.ID())
}

// CursorValues extracts the keyset cursor for doc: one value per sort term plus the id.
func CursorValues(doc Document, terms []SortField) []interface{} {
	values := make([]interface{}, 0, len(terms)+1)

	for _, term := range terms {
		v, _ := Lookup(doc, term.Field)
		values = append(values, v)
	}

	return append(values, doc.ID())
}

func compareToCursor(doc Document, terms []SortField, cursor []interface{}) int {
	for i, term := range terms {
		if i >= len(cursor) {
			return 1
		}

		v, _ := Lookup(doc, term.Field)

		if c := Compare(v, cursor[i]); c != 0 {
			if term.Order == Desc {
				return -c
			}

			return c
		}
	}

	if len(cursor) <= len(terms) {
		return 1
	}

	id, _ := cursor[len(terms)].(string)

	return strings.Compare(doc.ID(), id)
}

// Compare orders two document values. Values of different kinds are ordered by
// kind: nil < number < string < bool < time < anything else. Timestamps stored as
// RFC3339 strings compare as timestamps against time.Time values.
func Compare(a, b interface{}) int {
	a, b = coerceTimes(a, b)

	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}

		return 1
	}

	switch ra {
	case rankNil:
		return 0
	case rankNumber:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)

		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankBool:
		ba, bb := a.(bool), b.(bool)

		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case rankTime:
		ta, tb := a.(time.Time), b.(time.Time)

		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	default:
		if reflect.DeepEqual(a, b) {
			return 0
		}

		return strings.Compare(reflect.TypeOf(a).String(), reflect.TypeOf(b).String())
	}
}

const (
	rankNil = iota
	rankNumber
	rankString
	rankBool
	rankTime
	rankOther
)

func rank(v interface{}) int {
	switch v.(type) {
	case nil:
		return rankNil
	case string:
		return rankString
	case bool:
		return rankBool
	case time.Time:
		return rankTime
	default:
		if _, ok := toFloat(v); ok {
			return rankNumber
		}

		return rankOther
	}
}

func orderable(a, b interface{}) bool {
	a, b = coerceTimes(a, b)

	return rank(a) == rank(b) && rank(a) != rankOther
}

func equalValues(a, b interface{}) bool {
	a, b = coerceTimes(a, b)

	if rank(a) != rankOther && rank(a) == rank(b) {
		return Compare(a, b) == 0
	}

	return reflect.DeepEqual(a, b)
}

func coerceTimes(a, b interface{}) (interface{}, interface{}) {
	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)

	if aTime && !bTime {
		if s, ok := b.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return a, t
			}
		}
	}

	if bTime && !aTime {
		if s, ok := a.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t, b
			}
		}
	}

	return a, b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		i, ok := AsInt64(v)

		return float64(i), ok
	}
}

func toSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return s
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}

	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}

	return out
}
