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

// Package repository is the resilient document repository layered over a
// persistence.Driver.
//
// A Repository owns one collection. Every read and write passes through the same
// stages: a connectivity check, retries of transient driver failures, the codec
// pipeline (sanitise, encrypt, compress), schema migration, history capture and
// the process local caches. Drivers only provide primitives; the guarantees
// documented on each operation come from this package.
//
// Stored documents carry the base fields maintained here: id, createdAt,
// updatedAt, deletedAt and a version that starts at 1 and grows by exactly one
// with every committed mutation. Callers never write those fields directly; the
// only exception is the version key of an Update payload, which is read as the
// expected current version for optimistic locking and is not merged.
//
// While the connectivity monitor reports offline, mutations are queued and a
// placeholder carrying "_pending": true is returned. The queue is replayed in
// FIFO order on the next transition to online, or on FlushOfflineQueue. Online
// writes issued while items are still queued go straight to the driver and are
// not ordered behind the queue.
package repository
