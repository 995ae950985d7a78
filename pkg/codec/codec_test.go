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

package codec_test

import (
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docrepo/pkg/codec"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

func mustPipeline(opts codec.Options) *codec.Pipeline {
	p, err := codec.New(opts)
	Expect(err).NotTo(HaveOccurred())

	return p
}

var _ = Describe("Pipeline", func() {
	var key *codec.AESGCM

	BeforeEach(func() {
		var err error
		key, err = codec.NewAESGCMFromMasterKey([]byte("0123456789abcdef0123456789abcdef"), "users")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("encryption", func() {
		It("encrypts configured fields and restores them on decode", func() {
			p := mustPipeline(codec.Options{Encryptor: key, EncryptFields: []string{"ssn", "profile.card"}})
			doc := persistence.Document{
				"id":      "u1",
				"name":    "Alice",
				"ssn":     "123-45-6789",
				"profile": map[string]interface{}{"card": "4111", "city": "Berlin"},
			}

			encoded, err := p.Encode(doc, codec.ModeFull)
			Expect(err).NotTo(HaveOccurred())
			Expect(encoded["ssn"]).To(HavePrefix(codec.EncryptedPrefix))
			card, _ := persistence.Lookup(encoded, "profile.card")
			Expect(card).To(HavePrefix(codec.EncryptedPrefix))
			Expect(encoded["name"]).To(Equal("Alice"))
			Expect(doc["ssn"]).To(Equal("123-45-6789"))

			decoded, err := p.Decode(encoded)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded["ssn"]).To(Equal("123-45-6789"))
			Expect(decoded["profile"]).To(HaveKeyWithValue("card", "4111"))
		})

		It("passes ciphertext through when decryption fails", func() {
			writer := mustPipeline(codec.Options{Encryptor: key, EncryptFields: []string{"ssn"}})
			other, err := codec.NewAESGCMFromPassphrase("different", "users")
			Expect(err).NotTo(HaveOccurred())
			reader := mustPipeline(codec.Options{Encryptor: other, EncryptFields: []string{"ssn"}})

			encoded, err := writer.Encode(persistence.Document{"id": "u1", "ssn": "secret"}, codec.ModeFull)
			Expect(err).NotTo(HaveOccurred())

			decoded, err := reader.Decode(encoded)
			Expect(err).NotTo(HaveOccurred())
			Expect(decoded["ssn"]).To(Equal(encoded["ssn"]))
		})

		It("rejects encrypted fields without an encryptor", func() {
			_, err := codec.New(codec.Options{EncryptFields: []string{"ssn"}})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("compression", func() {
		large := strings.Repeat("lorem ipsum ", 200)

		for _, name := range []string{codec.CompressionZstd, codec.CompressionGzip, codec.CompressionS2} {
			It("round trips a large payload with "+name, func() {
				c, err := codec.CompressorFor(name)
				Expect(err).NotTo(HaveOccurred())
				p := mustPipeline(codec.Options{Compressor: c})

				doc := persistence.Document{"id": "d1", "version": int64(3), "body": large}
				encoded, err := p.Encode(doc, codec.ModeFull)
				Expect(err).NotTo(HaveOccurred())
				Expect(encoded).To(HaveKeyWithValue(codec.FieldCodec, name))
				Expect(encoded).NotTo(HaveKey("body"))
				Expect(encoded["version"]).To(Equal(int64(3)))

				decoded, err := p.Decode(encoded)
				Expect(err).NotTo(HaveOccurred())
				Expect(decoded["body"]).To(Equal(large))
				Expect(decoded).NotTo(HaveKey(codec.FieldPayload))
			})
		}

		It("leaves payloads below the threshold alone", func() {
			p := mustPipeline(codec.Options{Compressor: codec.Zstd{}})
			encoded, err := p.Encode(persistence.Document{"id": "d1", "body": "short"}, codec.ModeFull)
			Expect(err).NotTo(HaveOccurred())
			Expect(encoded).NotTo(HaveKey(codec.FieldCodec))
			Expect(p.SupportsPartial()).To(BeFalse())
		})

		It("rejects unknown strategies", func() {
			_, err := codec.CompressorFor("lz4")
			Expect(err).To(HaveOccurred())
		})

		It("refuses to decompress foreign framing", func() {
			_, err := codec.Zstd{}.Decompress([]byte("plain text"))
			Expect(err).To(MatchError(codec.ErrNotCompressed))
		})
	})

	Describe("sanitisation", func() {
		It("flattens nested objects in partial mode", func() {
			p := mustPipeline(codec.Options{})
			encoded, err := p.Encode(persistence.Document{
				"address": map[string]interface{}{"city": "Berlin", "geo": map[string]interface{}{"lat": 1.5}},
				"tags":    map[string]interface{}{},
			}, codec.ModePartial)
			Expect(err).NotTo(HaveOccurred())
			Expect(encoded).To(HaveKeyWithValue("address.city", "Berlin"))
			Expect(encoded).To(HaveKeyWithValue("address.geo.lat", 1.5))
			Expect(encoded).To(HaveKey("tags"))
			Expect(encoded).NotTo(HaveKey("address"))
		})

		It("drops functions and channels", func() {
			clean := codec.Sanitize(persistence.Document{
				"fn":   func() {},
				"ch":   make(chan int),
				"keep": 1,
				"list": []interface{}{1, func() {}},
			})
			Expect(clean).To(HaveLen(2))
			Expect(clean["list"]).To(Equal([]interface{}{1}))
		})

		It("normalises timestamps to UTC time values", func() {
			p := mustPipeline(codec.Options{TimestampFields: []string{"dueAt"}})
			local := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))

			decoded, err := p.Decode(persistence.Document{
				"createdAt": local.Format(time.RFC3339Nano),
				"updatedAt": local.UnixMilli(),
				"dueAt":     float64(local.UnixMilli()),
			})
			Expect(err).NotTo(HaveOccurred())

			for _, f := range []string{"createdAt", "updatedAt", "dueAt"} {
				Expect(decoded[f]).To(BeAssignableToTypeOf(time.Time{}))
				Expect(decoded[f].(time.Time).Equal(local)).To(BeTrue())
				Expect(decoded[f].(time.Time).Location()).To(Equal(time.UTC))
			}
		})

		It("unflattens dot-path keys", func() {
			out := codec.Unflatten(persistence.Document{"a.b": 1, "c": 2})
			Expect(out).To(Equal(persistence.Document{"a": map[string]interface{}{"b": 1}, "c": 2}))
		})
	})
})
