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

// Package safejson wraps goccy/go-json and falls back to encoding/json if goccy
// panics on an unusual value. Every JSON boundary in docrepo goes through it:
// sqlite rows, compression envelopes, cursors, cache keys and CLI output.
package safejson

import (
	jsonstd "encoding/json"
	"errors"
	"reflect"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Marshal encodes val with goccy, retrying with the standard library on panic.
func Marshal(val any) (encoded []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to encode, falling back to stdlib: %v", r)

			encoded, err = jsonstd.Marshal(val)
		}
	}()

	return json.Marshal(val)
}

// MarshalIndent is Marshal with indentation, used for human facing output.
func MarshalIndent(val any, prefix, indent string) (encoded []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to encode, falling back to stdlib: %v", r)

			encoded, err = jsonstd.MarshalIndent(val, prefix, indent)
		}
	}()

	return json.MarshalIndent(val, prefix, indent)
}

// Unmarshal decodes data into the non-nil pointer decoded.
func Unmarshal(data []byte, decoded any) (err error) {
	ptr := reflect.ValueOf(decoded)
	if !ptr.IsValid() || ptr.Kind() != reflect.Ptr || ptr.IsNil() {
		return errors.New("decoded must be a non-nil pointer")
	}

	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to decode, falling back to stdlib: %v", r)

			fresh := reflect.New(ptr.Elem().Type())

			err = jsonstd.Unmarshal(data, fresh.Interface())
			if err == nil {
				ptr.Elem().Set(fresh.Elem())
			}
		}
	}()

	return json.Unmarshal(data, decoded)
}

// Convert round-trips src through JSON into dst. It is how typed values become
// documents and back.
func Convert(src any, dst any) error {
	data, err := Marshal(src)
	if err != nil {
		return err
	}

	return Unmarshal(data, dst)
}

// MustMarshal panics if val cannot be encoded.
func MustMarshal(val any) []byte {
	encoded, err := Marshal(val)
	if err != nil {
		panic(err)
	}

	return encoded
}
