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

// Package codec transforms documents between their in-memory form and the form
// that is written to a driver.
//
// Writes pass through three stages in a fixed order:
//
//  1. encryption of configured fields, each value becoming an "enc:v1:" string
//  2. compression of the non-metadata payload into a {_codec, _payload} envelope
//     once its JSON encoding reaches the threshold
//  3. sanitisation, which drops unstorable values, normalises timestamps and,
//     for partial updates, flattens nested objects into dot paths
//
// Decode runs the inverse stages in the reverse order. Metadata fields (id,
// version, timestamps) are never encrypted or compressed, so drivers can still
// filter and sort on them.
//
// DESIGN DECISION: a field that fails to decrypt is logged and passed through
// as ciphertext.
// WHY: a rotated or missing key must not make records unreadable; callers still
// see the rest of the document.
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/safejson"
)

// Envelope fields of a compressed document.
const (
	FieldCodec   = "_codec"
	FieldPayload = "_payload"
)

// Mode selects how Encode prepares a document.
type Mode int

const (
	// ModeFull prepares a complete document for Set.
	ModeFull Mode = iota
	// ModePartial prepares update fields for Update. Nested objects are flattened
	// and compression is skipped.
	ModePartial
)

// Options configure a Pipeline.
type Options struct {
	Encryptor Encryptor
	// Compressor is nil when compression is off.
	Compressor Compressor
	Log        *zap.SugaredLogger
	Collection string
	// EncryptFields are dot paths of the fields to encrypt.
	EncryptFields []string
	// TimestampFields are parsed back into time values on read, in addition to
	// createdAt, updatedAt and deletedAt.
	TimestampFields []string
	// Threshold is the minimum payload size for compression. Zero means
	// DefaultCompressionThreshold; use a negative value to always compress.
	Threshold int
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	encryptor       Encryptor
	compressor      Compressor
	log             *zap.SugaredLogger
	collection      string
	encryptFields   []string
	timestampFields []string
	threshold       int
}

// New builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if len(opts.EncryptFields) > 0 && opts.Encryptor == nil {
		return nil, fmt.Errorf("encrypted fields %v configured without an encryptor", opts.EncryptFields)
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultCompressionThreshold
	}

	timestamps := []string{persistence.FieldCreatedAt, persistence.FieldUpdatedAt, persistence.FieldDeletedAt}
	timestamps = append(timestamps, opts.TimestampFields...)

	return &Pipeline{
		encryptor:       opts.Encryptor,
		compressor:      opts.Compressor,
		log:             log,
		collection:      opts.Collection,
		encryptFields:   append([]string(nil), opts.EncryptFields...),
		timestampFields: timestamps,
		threshold:       threshold,
	}, nil
}

// SupportsPartial reports whether Update-shaped writes are possible. A
// compressed payload can only be replaced as a whole.
func (p *Pipeline) SupportsPartial() bool {
	return p.compressor == nil
}

// Encode prepares doc for a driver write. doc is not modified.
func (p *Pipeline) Encode(doc persistence.Document, mode Mode) (persistence.Document, error) {
	out := doc.Clone()

	for _, field := range p.encryptFields {
		if err := p.encryptField(out, field); err != nil {
			return nil, fmt.Errorf("failed to encrypt field %s: %w", field, err)
		}
	}

	if mode == ModeFull && p.compressor != nil {
		compressed, err := p.compress(out)
		if err != nil {
			return nil, err
		}

		out = compressed
	}

	out = Sanitize(out)
	normalizeTimestamps(out, p.timestampFields)

	if mode == ModePartial {
		out = Flatten(out)
	}

	return out, nil
}

// Decode turns a stored document back into its application form.
func (p *Pipeline) Decode(doc persistence.Document) (persistence.Document, error) {
	if doc == nil {
		return nil, nil
	}

	out := Unflatten(doc)

	if _, ok := out[FieldCodec]; ok {
		decompressed, err := p.decompress(out)
		if err != nil {
			return nil, err
		}

		out = decompressed
	}

	for _, field := range p.encryptFields {
		p.decryptField(out, field)
	}

	normalizeTimestamps(out, p.timestampFields)

	return out, nil
}

func (p *Pipeline) encryptField(doc persistence.Document, field string) error {
	value, literal := doc[field]
	if !literal {
		var ok bool

		value, ok = persistence.Lookup(doc, field)
		if !ok {
			return nil
		}
	}

	if value == nil {
		return nil
	}

	if s, ok := value.(string); ok && strings.HasPrefix(s, EncryptedPrefix) {
		return nil
	}

	plaintext, err := safejson.Marshal(value)
	if err != nil {
		return err
	}

	ciphertext, err := p.encryptor.Encrypt(plaintext)
	if err != nil {
		return err
	}

	encoded := EncryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext)

	if literal {
		doc[field] = encoded
	} else {
		persistence.SetPath(doc, field, encoded)
	}

	return nil
}

func (p *Pipeline) decryptField(doc persistence.Document, field string) {
	value, ok := persistence.Lookup(doc, field)
	if !ok {
		return
	}

	s, ok := value.(string)
	if !ok || !strings.HasPrefix(s, EncryptedPrefix) {
		return
	}

	plain, err := p.decrypt(s)
	if err != nil {
		p.log.Warnw("failed to decrypt field, passing ciphertext through",
			"collection", p.collection, "operation", "decode", "id", doc.ID(), "field", field, "error", err)

		return
	}

	persistence.SetPath(doc, field, plain)
}

func (p *Pipeline) decrypt(s string) (interface{}, error) {
	if p.encryptor == nil {
		return nil, fmt.Errorf("no encryptor configured")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, EncryptedPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	plaintext, err := p.encryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}

	var value interface{}
	if err := safejson.Unmarshal(plaintext, &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decrypted value: %w", err)
	}

	return value, nil
}

func (p *Pipeline) compress(doc persistence.Document) (persistence.Document, error) {
	payload := make(map[string]interface{}, len(doc))
	envelope := persistence.Document{}

	for k, v := range doc {
		if persistence.IsMetadataField(k) {
			envelope[k] = v
		} else {
			payload[k] = v
		}
	}

	raw, err := safejson.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if len(raw) < p.threshold {
		return doc, nil
	}

	compressed, err := p.compressor.Compress(raw)
	if err != nil {
		return nil, err
	}

	envelope[FieldCodec] = p.compressor.Name()
	envelope[FieldPayload] = base64.StdEncoding.EncodeToString(compressed)

	return envelope, nil
}

func (p *Pipeline) decompress(doc persistence.Document) (persistence.Document, error) {
	name, _ := doc[FieldCodec].(string)
	encoded, _ := doc[FieldPayload].(string)

	compressor := p.compressor
	if compressor == nil || compressor.Name() != name {
		var err error

		compressor, err = CompressorFor(name)
		if err != nil {
			return nil, err
		}

		if compressor == nil {
			return nil, fmt.Errorf("document %s has codec %q without a compressor", doc.ID(), name)
		}
	}

	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload of %s: %w", doc.ID(), err)
	}

	raw, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", doc.ID(), err)
	}

	var payload map[string]interface{}
	if err := safejson.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload of %s: %w", doc.ID(), err)
	}

	out := make(persistence.Document, len(doc)+len(payload))

	for k, v := range doc {
		if k != FieldCodec && k != FieldPayload {
			out[k] = v
		}
	}

	for k, v := range payload {
		out[k] = v
	}

	return out, nil
}
