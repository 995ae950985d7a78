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

package repository

import (
	"context"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// Subscribe calls fn with the decoded document every time the document stored
// under id changes. Removals, and soft deletes, are delivered as a NotFound
// error. fn runs on the driver's notification goroutine.
func (r *Repository) Subscribe(ctx context.Context, id string, fn func(persistence.Document, error)) (persistence.Unsubscribe, error) {
	const op = "subscribe"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	if id == "" || fn == nil {
		return nil, standarderrors.New(standarderrors.InvalidArgument, "id and fn are required").WithOp(op, r.cfg.Collection, id)
	}

	unsubscribe, err := r.driver.Subscribe(ctx, r.cfg.Collection, id, func(change persistence.Change) {
		if change.Type == persistence.ChangeRemoved || change.Doc == nil {
			fn(nil, r.notFound(op, id))

			return
		}

		doc, _, err := r.decode(change.Doc)
		if err != nil {
			fn(nil, r.annotate(err, op, id))

			return
		}

		if r.hidden(doc, false) {
			fn(nil, r.notFound(op, id))

			return
		}

		fn(doc, nil)
	})
	if err != nil {
		return nil, r.annotate(err, op, id)
	}

	return unsubscribe, nil
}

// SubscribeQuery calls fn with the first page of opts once on subscription and
// again after every change to the collection. The query is always run against
// the driver, never the query cache.
func (r *Repository) SubscribeQuery(ctx context.Context, opts FindOptions, fn func([]persistence.Document, error)) (persistence.Unsubscribe, error) {
	const op = "subscribeQuery"

	if err := r.usable(op); err != nil {
		return nil, err
	}

	if fn == nil {
		return nil, standarderrors.New(standarderrors.InvalidArgument, "fn is required").WithOp(op, r.cfg.Collection, "")
	}

	deliver := func() {
		res, err := r.query(ctx, opts)
		if err != nil {
			fn(nil, err)

			return
		}

		fn(res.Items, nil)
	}

	unsubscribe, err := r.driver.Subscribe(ctx, r.cfg.Collection, "", func(persistence.Change) {
		deliver()
	})
	if err != nil {
		return nil, r.annotate(err, op, "")
	}

	deliver()

	return unsubscribe, nil
}
