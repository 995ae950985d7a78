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
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// assignID picks the id of a new document. WithID always wins; otherwise the
// configured id strategy decides.
func (r *Repository) assignID(data persistence.Document, wo writeOptions) (string, error) {
	if wo.id != "" {
		return wo.id, nil
	}

	switch r.cfg.IDStrategy {
	case config.IDClientSupplied:
		if id, ok := data[persistence.FieldID].(string); ok && id != "" {
			return id, nil
		}

		return "", standarderrors.New(standarderrors.InvalidArgument, "id strategy %s requires an id", r.cfg.IDStrategy)
	case config.IDDeterministic:
		return r.generate(data)
	default:
		if r.idGenerator != nil {
			return r.generate(data)
		}

		return uuid.NewString(), nil
	}
}

func (r *Repository) generate(data persistence.Document) (string, error) {
	id, err := r.idGenerator(data)
	if err != nil {
		if standarderrors.KindOf(err) != standarderrors.Unknown {
			return "", err
		}

		return "", standarderrors.Wrap(standarderrors.InvalidArgument, err, "id generator failed")
	}

	if id == "" {
		return "", standarderrors.New(standarderrors.InvalidArgument, "id generator returned an empty id")
	}

	return id, nil
}

// HashID returns a deterministic IDGenerator: the hex encoded SHA3-256 of the
// JSON encoding of the named field values. Every field must be present.
func HashID(fields ...string) IDGenerator {
	names := append([]string(nil), fields...)

	return func(doc persistence.Document) (string, error) {
		values := make([]interface{}, 0, len(names))

		for _, f := range names {
			v, ok := persistence.Lookup(doc, f)
			if !ok || v == nil {
				return "", standarderrors.New(standarderrors.InvalidArgument, "field %s is required to derive the id", f)
			}

			values = append(values, v)
		}

		raw, err := safejson.Marshal(values)
		if err != nil {
			return "", err
		}

		sum := sha3.Sum256(raw)

		return hex.EncodeToString(sum[:]), nil
	}
}
