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

// Package diagnostics defines the observability events the repository emits.
package diagnostics

import "time"

// Type classifies an Event.
type Type string

const (
	TypeRead         Type = "read"
	TypeWrite        Type = "write"
	TypeQuery        Type = "query"
	TypeBatch        Type = "batch"
	TypeRetry        Type = "retry"
	TypeOfflineQueue Type = "offline-queue"
	TypeCache        Type = "cache"
	TypeMigration    Type = "migration"
	TypeHistory      Type = "history"
)

// Well-known Context keys.
const (
	KeyHit     = "hit"     // bool, cache events
	KeyAction  = "action"  // string, offline-queue events
	KeyDepth   = "depth"   // int, offline-queue events
	KeyKeys    = "keys"    // int, batch events
	KeyCount   = "count"   // int, batch and query events
	KeyAttempt = "attempt" // int, retry events
)

// Offline queue actions.
const (
	ActionEnqueued = "enqueued"
	ActionDropped  = "dropped"
	ActionReplayed = "replayed"
	ActionHalted   = "halted"
)

// Event is a single diagnostic emitted by a repository.
type Event struct {
	Time       time.Time
	Context    map[string]interface{}
	Err        error
	Type       Type
	Collection string
	Operation  string
	ID         string
	Duration   time.Duration
}

// Func receives diagnostic events. It is called synchronously and must not block.
type Func func(Event)

// Fanout returns a Func that forwards every event to each non-nil sink in order.
func Fanout(sinks ...Func) Func {
	active := make([]Func, 0, len(sinks))

	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}

	return func(e Event) {
		for _, s := range active {
			s(e)
		}
	}
}

// Int reads an integer context value, returning 0 if absent.
func (e Event) Int(key string) int {
	switch v := e.Context[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Bool reads a boolean context value.
func (e Event) Bool(key string) bool {
	v, _ := e.Context[key].(bool)

	return v
}

// String reads a string context value.
func (e Event) String(key string) string {
	v, _ := e.Context[key].(string)

	return v
}
