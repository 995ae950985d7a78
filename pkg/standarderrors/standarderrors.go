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

// Package standarderrors is the error taxonomy every public repository operation
// reports in. Driver failures are mapped into a Kind exactly once, at the driver
// boundary, so nothing above it ever branches on driver specific codes.
package standarderrors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

// Kind classifies an error independent of its origin.
type Kind string

const (
	NotFound               Kind = "not-found"
	ValidationFailed       Kind = "validation-failed"
	PermissionDenied       Kind = "permission-denied"
	ConcurrentModification Kind = "concurrent-modification"
	Conflict               Kind = "conflict"
	FailedPrecondition     Kind = "failed-precondition"
	Unavailable            Kind = "unavailable"
	Timeout                Kind = "timeout"
	QuotaExceeded          Kind = "quota-exceeded"
	Unauthenticated        Kind = "unauthenticated"
	InvalidArgument        Kind = "invalid-argument"
	Unknown                Kind = "unknown"
)

// Sentinels usable with errors.Is. Matching is by Kind.
var (
	ErrNotFound               = &Error{Kind: NotFound}
	ErrValidationFailed       = &Error{Kind: ValidationFailed}
	ErrPermissionDenied       = &Error{Kind: PermissionDenied}
	ErrConcurrentModification = &Error{Kind: ConcurrentModification}
	ErrConflict               = &Error{Kind: Conflict}
	ErrFailedPrecondition     = &Error{Kind: FailedPrecondition}
	ErrUnavailable            = &Error{Kind: Unavailable}
	ErrTimeout                = &Error{Kind: Timeout}
	ErrQuotaExceeded          = &Error{Kind: QuotaExceeded}
	ErrUnauthenticated        = &Error{Kind: Unauthenticated}
	ErrInvalidArgument        = &Error{Kind: InvalidArgument}
	ErrUnknown                = &Error{Kind: Unknown}
)

// Error is the only error type the repository returns.
type Error struct {
	Err        error
	Kind       Kind
	Op         string
	Collection string
	ID         string
	Message    string
	// Retryable marks a concurrent modification caused by a transaction abort,
	// which is safe to retry, as opposed to an optimistic lock mismatch, which is not.
	Retryable bool
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)

		if e.Collection != "" {
			b.WriteString(" ")
			b.WriteString(e.Collection)
		}

		if e.ID != "" {
			b.WriteString("/")
			b.WriteString(e.ID)
		}

		b.WriteString(": ")
	}

	b.WriteString(string(e.Kind))

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind, which makes the package sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: err, Message: fmt.Sprintf(format, args...)}
}

// WithOp returns a copy annotated with operation context. Existing values win so
// the innermost annotation is preserved.
func (e *Error) WithOp(op, collection, id string) *Error {
	out := *e
	if out.Op == "" {
		out.Op = op
	}

	if out.Collection == "" {
		out.Collection = collection
	}

	if out.ID == "" {
		out.ID = id
	}

	return &out
}

// KindOf returns the Kind of err, Unknown for untyped errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Unknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err belongs to a transient class: unavailable,
// timeout, or a concurrent modification caused by a transaction abort.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Kind {
	case Unavailable, Timeout:
		return true
	case ConcurrentModification:
		return e.Retryable
	default:
		return false
	}
}

// FromDriver maps a driver error into the taxonomy. Errors that are already typed
// pass through unchanged.
func FromDriver(err error) error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	kind := Unknown
	retryable := false

	switch {
	case errors.Is(err, persistence.ErrNotFound):
		kind = NotFound
	case errors.Is(err, persistence.ErrConflict):
		kind = Conflict
	case errors.Is(err, persistence.ErrAborted):
		kind = ConcurrentModification
		retryable = true
	case errors.Is(err, persistence.ErrUnavailable), errors.Is(err, persistence.ErrClosed), errors.Is(err, context.Canceled):
		kind = Unavailable
	case errors.Is(err, persistence.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case errors.Is(err, persistence.ErrPermissionDenied):
		kind = PermissionDenied
	case errors.Is(err, persistence.ErrResourceExhausted):
		kind = QuotaExceeded
	case errors.Is(err, persistence.ErrUnauthenticated):
		kind = Unauthenticated
	case errors.Is(err, persistence.ErrInvalidArgument):
		kind = InvalidArgument
	case errors.Is(err, persistence.ErrFailedPrecondition):
		kind = FailedPrecondition
	}

	return &Error{Kind: kind, Err: err, Retryable: retryable}
}

// Annotate maps err with FromDriver and attaches operation context.
func Annotate(err error, op, collection, id string) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(FromDriver(err), &e) {
		return err
	}

	return e.WithOp(op, collection, id)
}
