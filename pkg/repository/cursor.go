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
	"encoding/base64"
	"fmt"

	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
)

// Cursors are the keyset values of the last item of a page, one per sort term
// followed by the id, as base64url encoded JSON. They are opaque to callers.

func encodeCursor(values []interface{}) (string, error) {
	raw, err := safejson.Marshal(values)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string, want int) ([]interface{}, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("cursor is not base64url: %w", err)
	}

	var values []interface{}
	if err := safejson.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("cursor is not a value list: %w", err)
	}

	if len(values) != want {
		return nil, fmt.Errorf("cursor has %d values, the sort needs %d", len(values), want)
	}

	return values, nil
}
