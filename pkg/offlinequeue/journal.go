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

package offlinequeue

import (
	"context"
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
)

// CollectionSuffix is appended to a repository's collection to name the
// collection holding its journal.
const CollectionSuffix = "__offline_queue"

const journalDocID = "queue"

// Journal persists the queue so pending mutations survive a restart.
type Journal interface {
	Save(ctx context.Context, items []Item) error
	Load(ctx context.Context) ([]Item, error)
}

// DriverJournal keeps the whole queue in a single document on a driver. Pair
// it with a local durable driver (sqlite), not the remote one the queue is
// waiting for.
type DriverJournal struct {
	driver     persistence.Driver
	collection string
}

func NewDriverJournal(driver persistence.Driver, collection string) *DriverJournal {
	return &DriverJournal{driver: driver, collection: collection + CollectionSuffix}
}

func (j *DriverJournal) Save(ctx context.Context, items []Item) error {
	var generic []interface{}
	if err := safejson.Convert(items, &generic); err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}

	if generic == nil {
		generic = []interface{}{}
	}

	doc := persistence.Document{
		persistence.FieldID: journalDocID,
		"items":             generic,
	}

	return j.driver.Set(ctx, j.collection, journalDocID, doc)
}

func (j *DriverJournal) Load(ctx context.Context) ([]Item, error) {
	doc, err := j.driver.Get(ctx, j.collection, journalDocID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	var items []Item
	if err := safejson.Convert(doc["items"], &items); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}

	return items, nil
}
