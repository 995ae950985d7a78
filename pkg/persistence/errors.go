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

import "errors"

// Sentinel errors drivers translate their native failure codes into. The
// repository maps these into its error taxonomy at the boundary.
var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned when a document with the same id already exists or a
	// unique constraint is violated.
	ErrConflict = errors.New("document already exists")

	// ErrAborted is returned when a transaction lost a race against a concurrent
	// writer and was rolled back. Retrying the whole transaction is safe.
	ErrAborted = errors.New("transaction aborted by concurrent modification")

	// ErrUnavailable signals that the backend cannot be reached right now.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrDeadlineExceeded signals a backend side timeout.
	ErrDeadlineExceeded = errors.New("backend deadline exceeded")

	ErrPermissionDenied   = errors.New("permission denied")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("driver is closed")
)
