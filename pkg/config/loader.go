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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// SupportedFormatVersions is the constraint a file's formatVersion must satisfy.
const SupportedFormatVersions = ">= 1.0.0, < 2.0.0"

// CurrentFormatVersion is written by tools that create new files.
const CurrentFormatVersion = "1.0.0"

// Document is the on-disk form: a format version and any number of repositories.
type Document struct {
	FormatVersion string             `yaml:"formatVersion" toml:"formatVersion"`
	Repositories  []RepositoryConfig `yaml:"repositories"  toml:"repositories"`
}

// Repository returns the config of the named collection.
func (d *Document) Repository(collection string) (RepositoryConfig, bool) {
	for _, r := range d.Repositories {
		if r.Collection == collection {
			return r.Clone(), true
		}
	}

	return RepositoryConfig{}, false
}

// LoadFile reads path, picking the decoder by extension (.yaml, .yml or .toml),
// checks the format version and validates every repository.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to read config %s", path)
	}

	var format string

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		format = "toml"
	case ".yaml", ".yml":
		format = "yaml"
	default:
		return nil, standarderrors.New(standarderrors.InvalidArgument, "unsupported config extension %q", filepath.Ext(path))
	}

	return Parse(data, format)
}

// Parse decodes data in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Document, error) {
	doc := &Document{}

	switch format {
	case "toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(doc); err != nil {
			return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to decode TOML config")
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)

		if err := dec.Decode(doc); err != nil {
			return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to decode YAML config")
		}
	default:
		return nil, standarderrors.New(standarderrors.InvalidArgument, "unsupported config format %q", format)
	}

	if err := CheckFormatVersion(doc.FormatVersion); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(doc.Repositories))

	for i, r := range doc.Repositories {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("repositories[%d]: %w", i, err)
		}

		if _, dup := seen[r.Collection]; dup {
			return nil, standarderrors.New(standarderrors.InvalidArgument, "collection %q is configured twice", r.Collection)
		}

		seen[r.Collection] = struct{}{}
	}

	return doc, nil
}

// CheckFormatVersion accepts an empty version as the current one.
func CheckFormatVersion(version string) error {
	if version == "" {
		version = CurrentFormatVersion
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return standarderrors.Wrap(standarderrors.InvalidArgument, err, "invalid formatVersion %q", version)
	}

	constraint, err := semver.NewConstraint(SupportedFormatVersions)
	if err != nil {
		return standarderrors.Wrap(standarderrors.Unknown, err, "invalid format constraint")
	}

	if !constraint.Check(v) {
		return standarderrors.New(standarderrors.InvalidArgument, "formatVersion %s is not supported (want %s)", version, SupportedFormatVersions)
	}

	return nil
}
