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

package config

import (
	"regexp"

	"github.com/united-manufacturing-hub/docrepo/pkg/codec"
	"github.com/united-manufacturing-hub/docrepo/pkg/migration"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// collectionNamePattern matches what every driver accepts as a table or
// collection name.
var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate reports the first problem as an InvalidArgument error. Unset values
// are fine; call it on the result of WithDefaults to check the effective config.
func (c RepositoryConfig) Validate() error {
	if c.Collection == "" {
		return invalid("collection name cannot be empty")
	}

	if !collectionNamePattern.MatchString(c.Collection) {
		return invalid("collection name %q must contain only alphanumeric characters and underscores, and must start with a letter or underscore", c.Collection)
	}

	switch c.IDStrategy {
	case "", IDAuto, IDClientSupplied, IDDeterministic:
	default:
		return invalid("unknown id strategy %q", c.IDStrategy)
	}

	bounds := []struct {
		name  string
		value int
	}{
		{"retry.retries", c.Retry.Retries},
		{"retry.backoffMs", c.Retry.BackoffMs},
		{"cache.size", c.Cache.Size},
		{"offlineQueue.size", c.OfflineQueue.Size},
		{"history.maxEntries", c.History.MaxEntries},
		{"batchLoader.windowMs", c.BatchLoader.WindowMs},
		{"batchLoader.maxBatch", c.BatchLoader.MaxBatch},
		{"compression.thresholdBytes", c.Compression.ThresholdBytes},
	}
	for _, b := range bounds {
		if b.value < 0 {
			return invalid("%s must not be negative, got %d", b.name, b.value)
		}
	}

	switch c.History.Storage {
	case "", HistoryLog, HistoryEmbedded:
	default:
		return invalid("unknown history storage %q", c.History.Storage)
	}

	switch c.Population {
	case "", PopulateSilent, PopulateWarn, PopulateThrow:
	default:
		return invalid("unknown population mode %q", c.Population)
	}

	if _, err := migration.ParseStrategy(c.Migration.Strategy); err != nil {
		return err
	}

	if _, err := codec.CompressorFor(c.Compression.Strategy); err != nil {
		return standarderrors.Wrap(standarderrors.InvalidArgument, err, "invalid compression")
	}

	switch c.Encryption.Strategy {
	case "", codec.EncryptionAESGCM:
	default:
		return invalid("unknown encryption strategy %q", c.Encryption.Strategy)
	}

	if c.Schema.File != "" && c.Schema.Inline != "" {
		return invalid("schema.file and schema.inline are mutually exclusive")
	}

	for i, r := range c.Relations {
		if r.Field == "" || r.Collection == "" {
			return invalid("relations[%d] needs both field and collection", i)
		}
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return standarderrors.New(standarderrors.InvalidArgument, format, args...)
}
