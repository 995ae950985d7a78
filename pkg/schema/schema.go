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

// Package schema compiles JSON-Schema documents into predicates that the
// repository runs on create and update payloads.
package schema

import (
	"bytes"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// Validator checks documents against one compiled schema.
type Validator struct {
	schema *jsonschema.Schema
	name   string
}

// Compile parses schemaJSON and registers it under name. name only needs to be
// unique within the process and shows up in validation errors.
func Compile(name string, schemaJSON []byte) (*Validator, error) {
	url := resourceURL(name)

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to add schema %s", name)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to compile schema %s", name)
	}

	return &Validator{schema: compiled, name: name}, nil
}

// CompileFile reads a schema from disk and compiles it under its path.
func CompileFile(path string) (*Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "failed to read schema %s", path)
	}

	return Compile(path, data)
}

// Name returns the name the schema was compiled under.
func (v *Validator) Name() string {
	return v.name
}

// Validate returns a ValidationFailed error carrying the schema's message when
// doc does not conform.
//
// The document is round-tripped through JSON first, so time.Time values are
// checked as strings and integers as numbers, which is what the schema sees.
func (v *Validator) Validate(doc persistence.Document) error {
	var instance interface{}
	if err := safejson.Convert(doc, &instance); err != nil {
		return standarderrors.Wrap(standarderrors.ValidationFailed, err, "failed to prepare document for schema %s", v.name)
	}

	if err := v.schema.Validate(instance); err != nil {
		return standarderrors.Wrap(standarderrors.ValidationFailed, err, "document does not match schema %s", v.name)
	}

	return nil
}

func resourceURL(name string) string {
	if strings.Contains(name, "://") {
		return name
	}

	return "mem://docrepo/" + strings.TrimPrefix(name, "/")
}
