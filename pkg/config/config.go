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

// Package config describes repositories declaratively.
//
// A RepositoryConfig holds everything about a repository that can be written
// down in a file. Parts that are code, such as migration transforms, hooks and
// id generators, are passed to repository.New through its Options instead.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/docrepo/pkg/codec"
)

// IDStrategy selects how Create assigns ids.
type IDStrategy string

const (
	IDAuto           IDStrategy = "auto"
	IDClientSupplied IDStrategy = "client-supplied"
	IDDeterministic  IDStrategy = "deterministic"
)

// HistoryStorage selects where history entries live.
type HistoryStorage string

const (
	HistoryLog      HistoryStorage = "log"
	HistoryEmbedded HistoryStorage = "embedded"
)

// PopulationMode decides what happens when a relation lookup fails.
type PopulationMode string

const (
	PopulateSilent PopulationMode = "silent"
	PopulateWarn   PopulationMode = "warn"
	PopulateThrow  PopulationMode = "throw"
)

const (
	DefaultRetries         = 3
	DefaultBackoffMs       = 100
	DefaultCacheSize       = 100
	DefaultQueueSize       = 1000
	DefaultHistoryEntries  = 50
	DefaultBatchWindowMs   = 10
	DefaultBatchMaxKeys    = 10
	DefaultMigrationPolicy = "lazy"
)

// RepositoryConfig configures one repository. It is immutable once handed to a
// repository, which keeps its own clone.
//
// UniqueFields are checked with EnsureUnique before every create and update.
type RepositoryConfig struct {
	Collection   string             `yaml:"collection"             toml:"collection"`
	IDStrategy   IDStrategy         `yaml:"idStrategy,omitempty"   toml:"idStrategy"`
	Compression  CompressionConfig  `yaml:"compression,omitempty"  toml:"compression"`
	Migration    MigrationConfig    `yaml:"migration,omitempty"    toml:"migration"`
	Population   PopulationMode     `yaml:"population,omitempty"   toml:"population"`
	Schema       SchemaConfig       `yaml:"schema,omitempty"       toml:"schema"`
	Relations    []RelationConfig   `yaml:"relations,omitempty"    toml:"relations"`
	UniqueFields []string           `yaml:"uniqueFields,omitempty" toml:"uniqueFields"`
	Encryption   EncryptionConfig   `yaml:"encryption,omitempty"   toml:"encryption"`
	History      HistoryConfig      `yaml:"history,omitempty"      toml:"history"`
	Retry        RetryConfig        `yaml:"retry,omitempty"        toml:"retry"`
	BatchLoader  BatchLoaderConfig  `yaml:"batchLoader,omitempty"  toml:"batchLoader"`
	Cache        CacheConfig        `yaml:"cache,omitempty"        toml:"cache"`
	OfflineQueue OfflineQueueConfig `yaml:"offlineQueue,omitempty" toml:"offlineQueue"`
	SoftDelete   bool               `yaml:"softDelete,omitempty"   toml:"softDelete"`
}

type RetryConfig struct {
	Retries   int  `yaml:"retries,omitempty"   toml:"retries"`
	BackoffMs int  `yaml:"backoffMs,omitempty" toml:"backoffMs"`
	Disabled  bool `yaml:"disabled,omitempty"  toml:"disabled"`
}

// Backoff returns the initial retry delay.
func (r RetryConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

type CacheConfig struct {
	Size     int  `yaml:"size,omitempty"     toml:"size"`
	Disabled bool `yaml:"disabled,omitempty" toml:"disabled"`
}

// OfflineQueueConfig bounds the queue of mutations made while offline. Durable
// journals the queue into <collection>__offline_queue.
type OfflineQueueConfig struct {
	Size    int  `yaml:"size,omitempty"    toml:"size"`
	Durable bool `yaml:"durable,omitempty" toml:"durable"`
}

type HistoryConfig struct {
	Storage    HistoryStorage `yaml:"storage,omitempty"    toml:"storage"`
	MaxEntries int            `yaml:"maxEntries,omitempty" toml:"maxEntries"`
	Enabled    bool           `yaml:"enabled,omitempty"    toml:"enabled"`
}

type MigrationConfig struct {
	Strategy string `yaml:"strategy,omitempty" toml:"strategy"`
}

// EncryptionConfig names the fields to encrypt and where the key comes from.
// MasterKeyEnv holds a base64 encoded master key, PassphraseEnv a passphrase.
// When both are set the master key wins.
type EncryptionConfig struct {
	Strategy      string   `yaml:"strategy,omitempty"      toml:"strategy"`
	MasterKeyEnv  string   `yaml:"masterKeyEnv,omitempty"  toml:"masterKeyEnv"`
	PassphraseEnv string   `yaml:"passphraseEnv,omitempty" toml:"passphraseEnv"`
	Fields        []string `yaml:"fields,omitempty"        toml:"fields"`
}

type CompressionConfig struct {
	Strategy       string `yaml:"strategy,omitempty"       toml:"strategy"`
	ThresholdBytes int    `yaml:"thresholdBytes,omitempty" toml:"thresholdBytes"`
}

// RelationConfig declares that Field holds the id (or ids, when Many) of
// documents in Collection.
type RelationConfig struct {
	Field      string `yaml:"field"          toml:"field"`
	Collection string `yaml:"collection"     toml:"collection"`
	Many       bool   `yaml:"many,omitempty" toml:"many"`
}

// SchemaConfig binds a JSON-Schema to the repository, either from a file or inline.
type SchemaConfig struct {
	File   string `yaml:"file,omitempty"   toml:"file"`
	Inline string `yaml:"inline,omitempty" toml:"inline"`
}

type BatchLoaderConfig struct {
	WindowMs int  `yaml:"windowMs,omitempty" toml:"windowMs"`
	MaxBatch int  `yaml:"maxBatch,omitempty" toml:"maxBatch"`
	Disabled bool `yaml:"disabled,omitempty" toml:"disabled"`
}

// Window returns the coalescing window.
func (b BatchLoaderConfig) Window() time.Duration {
	return time.Duration(b.WindowMs) * time.Millisecond
}

// WithDefaults returns a copy with every unset bound and strategy filled in.
func (c RepositoryConfig) WithDefaults() RepositoryConfig {
	out := c.Clone()

	if out.IDStrategy == "" {
		out.IDStrategy = IDAuto
	}

	if out.Retry.Retries == 0 {
		out.Retry.Retries = DefaultRetries
	}

	if out.Retry.BackoffMs == 0 {
		out.Retry.BackoffMs = DefaultBackoffMs
	}

	if out.Cache.Size == 0 {
		out.Cache.Size = DefaultCacheSize
	}

	if out.OfflineQueue.Size == 0 {
		out.OfflineQueue.Size = DefaultQueueSize
	}

	if out.History.MaxEntries == 0 {
		out.History.MaxEntries = DefaultHistoryEntries
	}

	if out.History.Storage == "" {
		out.History.Storage = HistoryLog
	}

	if out.Migration.Strategy == "" {
		out.Migration.Strategy = DefaultMigrationPolicy
	}

	if out.Population == "" {
		out.Population = PopulateWarn
	}

	if out.BatchLoader.WindowMs == 0 {
		out.BatchLoader.WindowMs = DefaultBatchWindowMs
	}

	if out.BatchLoader.MaxBatch == 0 {
		out.BatchLoader.MaxBatch = DefaultBatchMaxKeys
	}

	if out.Compression.Strategy == "" {
		out.Compression.Strategy = codec.CompressionNone
	}

	if out.Compression.ThresholdBytes == 0 {
		out.Compression.ThresholdBytes = codec.DefaultCompressionThreshold
	}

	if len(out.Encryption.Fields) > 0 && out.Encryption.Strategy == "" {
		out.Encryption.Strategy = codec.EncryptionAESGCM
	}

	return out
}

// Clone returns a deep copy.
func (c RepositoryConfig) Clone() RepositoryConfig {
	var clone RepositoryConfig
	if err := deepcopy.Copy(&clone, &c); err != nil {
		// deepcopy only fails on unsupported kinds, which this struct does not hold
		panic(fmt.Sprintf("failed to clone repository config: %v", err))
	}

	return clone
}

// Encryptor builds the field encryptor from the configured key source. It
// returns nil when no fields are encrypted or no key source is configured.
func (c RepositoryConfig) Encryptor() (codec.Encryptor, error) {
	if len(c.Encryption.Fields) == 0 {
		return nil, nil
	}

	if c.Encryption.MasterKeyEnv != "" {
		encoded := os.Getenv(c.Encryption.MasterKeyEnv)
		if encoded == "" {
			return nil, fmt.Errorf("master key variable %s is empty", c.Encryption.MasterKeyEnv)
		}

		master, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode master key from %s: %w", c.Encryption.MasterKeyEnv, err)
		}

		enc, err := codec.NewAESGCMFromMasterKey(master, c.Collection)
		if err != nil {
			return nil, err
		}

		return enc, nil
	}

	if c.Encryption.PassphraseEnv != "" {
		passphrase := os.Getenv(c.Encryption.PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("passphrase variable %s is empty", c.Encryption.PassphraseEnv)
		}

		enc, err := codec.NewAESGCMFromPassphrase(passphrase, c.Collection)
		if err != nil {
			return nil, err
		}

		return enc, nil
	}

	return nil, nil
}

// Compressor resolves the configured compression strategy.
func (c RepositoryConfig) Compressor() (codec.Compressor, error) {
	return codec.CompressorFor(c.Compression.Strategy)
}
