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

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/repository"
	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
)

var operators = map[persistence.Operator]struct{}{
	persistence.Eq:            {},
	persistence.Ne:            {},
	persistence.Gt:            {},
	persistence.Gte:           {},
	persistence.Lt:            {},
	persistence.Lte:           {},
	persistence.In:            {},
	persistence.Nin:           {},
	persistence.ArrayContains: {},
	persistence.Exists:        {},
}

func findOptions(opts docopt.Opts) (repository.FindOptions, error) {
	var out repository.FindOptions

	limit, err := intOption(opts, "--limit")
	if err != nil {
		return out, err
	}

	out.Limit = limit
	out.Cursor, _ = opts.String("--cursor")
	out.IncludeDeleted = flag(opts, "--deleted")

	if conds, ok := opts["--where"].([]string); ok {
		for _, cond := range conds {
			filter, err := parseCondition(cond)
			if err != nil {
				return out, err
			}

			out.Filters = append(out.Filters, filter)
		}
	}

	if field, _ := opts.String("--sort"); field != "" {
		order := persistence.Asc
		if flag(opts, "--desc") {
			order = persistence.Desc
		}

		out = out.OrderBy(field, order)
	}

	return out, nil
}

// parseCondition reads field:op:value. The value may itself contain colons.
func parseCondition(cond string) (repository.Filter, error) {
	parts := strings.SplitN(cond, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return repository.Filter{}, fmt.Errorf("condition %q is not of the form field:op:value", cond)
	}

	op := persistence.Operator(parts[1])
	if _, ok := operators[op]; !ok {
		return repository.Filter{}, fmt.Errorf("unknown operator %q in condition %q", parts[1], cond)
	}

	return repository.Filter{Field: parts[0], Op: op, Value: parseValue(parts[2])}, nil
}

func parseValue(raw string) interface{} {
	var v interface{}
	if err := safejson.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}

	// Whole numbers compare against stored integers.
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}

	return v
}

func intOption(opts docopt.Opts, key string) (int, error) {
	raw, _ := opts.String(key)
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, raw)
	}

	return n, nil
}
