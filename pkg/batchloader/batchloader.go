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

// Package batchloader coalesces concurrent single-document reads into bounded
// multi-document fetches.
//
// The first Load after an idle period arms a timer. Every Load that arrives
// before it fires joins the same batch; duplicate ids share one slot. When the
// timer fires the batch is split into chunks of at most MaxBatch ids, the chunks
// are fetched concurrently and each caller receives the document for its id, or
// nil when the fetch did not return one. A failing chunk fails only the callers
// whose ids were in it.
package batchloader

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

const (
	DefaultWindow       = 10 * time.Millisecond
	DefaultMaxBatch     = persistence.DefaultMaxGetMany
	DefaultConcurrency  = 4
	DefaultFetchTimeout = 30 * time.Second
)

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("batch loader is closed")

// FetchFunc loads up to MaxBatch documents by id. Missing ids are simply absent
// from the result.
type FetchFunc func(ctx context.Context, ids []string) (map[string]persistence.Document, error)

// Options configure a Loader. Zero values select the defaults.
type Options struct {
	Log *zap.SugaredLogger
	// OnDispatch is called after every chunk fetch.
	OnDispatch   func(keys int, err error, duration time.Duration)
	Window       time.Duration
	FetchTimeout time.Duration
	MaxBatch     int
	Concurrency  int
}

type result struct {
	doc persistence.Document
	err error
}

// Loader is safe for concurrent use.
type Loader struct {
	fetch   FetchFunc
	log     *zap.SugaredLogger
	timer   *time.Timer
	pending map[string][]chan result
	opts    Options
	order   []string
	mu      sync.Mutex
	closed  bool
}

func New(fetch FetchFunc, opts Options) *Loader {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}

	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Loader{
		fetch:   fetch,
		opts:    opts,
		log:     log,
		pending: make(map[string][]chan result),
	}
}

// Load returns the document for id once its batch has been fetched. An empty id
// resolves to (nil, nil) without a fetch. If ctx ends first, Load returns the
// context error; the batch is still fetched for the other callers.
func (l *Loader) Load(ctx context.Context, id string) (persistence.Document, error) {
	if id == "" {
		return nil, nil
	}

	ch := make(chan result, 1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()

		return nil, ErrClosed
	}

	if _, ok := l.pending[id]; !ok {
		l.order = append(l.order, id)
	}

	l.pending[id] = append(l.pending[id], ch)

	if l.timer == nil {
		l.timer = time.AfterFunc(l.opts.Window, l.dispatch)
	}
	l.mu.Unlock()

	select {
	case r := <-ch:
		return r.doc, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of distinct ids waiting for the next dispatch.
func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.order)
}

// Close dispatches the pending batch immediately, waits for it and rejects
// further loads.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()

		return
	}

	l.closed = true

	if l.timer != nil {
		l.timer.Stop()
	}
	l.mu.Unlock()

	l.dispatch()
}

func (l *Loader) dispatch() {
	l.mu.Lock()
	order := l.order
	waiters := l.pending
	l.order = nil
	l.pending = make(map[string][]chan result)
	l.timer = nil
	l.mu.Unlock()

	if len(order) == 0 {
		return
	}

	var g errgroup.Group

	g.SetLimit(l.opts.Concurrency)

	for start := 0; start < len(order); start += l.opts.MaxBatch {
		end := min(start+l.opts.MaxBatch, len(order))
		chunk := order[start:end]

		g.Go(func() error {
			l.fetchChunk(chunk, waiters)

			return nil
		})
	}

	_ = g.Wait()
}

func (l *Loader) fetchChunk(ids []string, waiters map[string][]chan result) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.FetchTimeout)
	defer cancel()

	started := time.Now()
	docs, err := l.fetch(ctx, ids)

	if l.opts.OnDispatch != nil {
		l.opts.OnDispatch(len(ids), err, time.Since(started))
	}

	if err != nil {
		l.log.Debugw("batch fetch failed", "keys", len(ids), "error", err)
	}

	for _, id := range ids {
		for i, ch := range waiters[id] {
			if err != nil {
				ch <- result{err: err}

				continue
			}

			doc := docs[id]
			if i > 0 {
				doc = doc.Clone()
			}

			ch <- result{doc: doc}
		}
	}
}
