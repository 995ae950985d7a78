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

const (
	// DefaultMaxFindLimit caps Query results when the caller sets no explicit limit.
	DefaultMaxFindLimit = 1000
)

// Operator is a Mongo-style comparison operator used in FilterCondition.
//
// DESIGN DECISION: Keep the "$op" spelling of the document databases we talk to
// WHY: The mongo driver can pass operators through untouched, and the in-process
// evaluator used by the memory and sqlite drivers switches on the same strings.
//
// Example:
//
//	q := persistence.NewQuery().
//	    Filter("status", persistence.Eq, "active").
//	    Filter("tags", persistence.ArrayContains, "urgent").
//	    Filter("deletedAt", persistence.Exists, false)
type Operator string

const (
	Eq            Operator = "$eq"       // field == value
	Ne            Operator = "$ne"       // field != value
	Gt            Operator = "$gt"       // field > value
	Gte           Operator = "$gte"      // field >= value
	Lt            Operator = "$lt"       // field < value
	Lte           Operator = "$lte"      // field <= value
	In            Operator = "$in"       // field IN (values...)
	Nin           Operator = "$nin"      // field NOT IN (values...)
	ArrayContains Operator = "$contains" // array field contains value
	// Exists matches presence of a non-nil value when Value is true and absence
	// (or nil) when Value is false.
	Exists Operator = "$exists"
)

// FilterCondition is one AND-ed predicate of a Query. Field may be a dot path
// ("address.city") into nested documents.
type FilterCondition struct {
	Field string      `json:"field"`
	Op    Operator    `json:"op"`
	Value interface{} `json:"value"`
}

// SortOrder is 1 for ascending and -1 for descending, matching Mongo.
type SortOrder int

const (
	Asc  SortOrder = 1
	Desc SortOrder = -1
)

// SortField is a single ORDER BY term. Earlier terms take precedence.
type SortField struct {
	Field string    `json:"field"`
	Order SortOrder `json:"order"`
}

// Query represents filtering, sorting and pagination criteria.
//
// DESIGN DECISION: Keyset pagination through StartAfter next to Limit/Skip
// WHY: Repository cursors are derived from the last item of a page. Skip is kept
// for callers that page by offset, but StartAfter is what Find uses because it does
// not drift when documents are inserted in front of the page.
//
// StartAfter holds one value per SortBy term followed by the document id, which is
// always the final implicit tiebreaker.
type Query struct {
	Filters      []FilterCondition `json:"filters,omitempty"`
	SortBy       []SortField       `json:"sortBy,omitempty"`
	StartAfter   []interface{}     `json:"startAfter,omitempty"`
	LimitCount   int               `json:"limit,omitempty"`
	SkipCount    int               `json:"skip,omitempty"`
	MaxFindLimit int               `json:"-"`
}

// NewQuery creates an empty query builder.
func NewQuery() *Query {
	return &Query{}
}

// Filter adds an AND condition.
func (q *Query) Filter(field string, op Operator, value interface{}) *Query {
	q.Filters = append(q.Filters, FilterCondition{
		Field: field,
		Op:    op,
		Value: value,
	})

	return q
}

// Sort appends a sort term. The first call is the primary order.
func (q *Query) Sort(field string, order SortOrder) *Query {
	q.SortBy = append(q.SortBy, SortField{
		Field: field,
		Order: order,
	})

	return q
}

// Limit sets the maximum number of documents to return. Negative values mean no limit.
func (q *Query) Limit(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.LimitCount = count

	return q
}

// Skip sets an offset. Negative values are treated as 0.
func (q *Query) Skip(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.SkipCount = count

	return q
}

// After sets the keyset cursor. values must line up with SortBy followed by the id.
func (q *Query) After(values ...interface{}) *Query {
	q.StartAfter = values

	return q
}

func (q *Query) WithMaxFindLimit(limit int) *Query {
	if limit < 0 {
		limit = 0
	}

	q.MaxFindLimit = limit

	return q
}

// EffectiveLimit returns the limit a driver should apply, honouring MaxFindLimit.
func (q Query) EffectiveLimit() int {
	maxLimit := q.MaxFindLimit
	if maxLimit == 0 {
		maxLimit = DefaultMaxFindLimit
	}

	if q.LimitCount == 0 || q.LimitCount > maxLimit {
		return maxLimit
	}

	return q.LimitCount
}

// Clone returns a copy whose slices can be appended to without aliasing q.
func (q Query) Clone() Query {
	out := q
	out.Filters = append([]FilterCondition(nil), q.Filters...)
	out.SortBy = append([]SortField(nil), q.SortBy...)
	out.StartAfter = append([]interface{}(nil), q.StartAfter...)

	return out
}
