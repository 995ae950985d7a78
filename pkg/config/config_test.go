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

package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docrepo/pkg/codec"
	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

const yamlConfig = `formatVersion: "1.2.0"
repositories:
  - collection: users
    softDelete: true
    idStrategy: client-supplied
    history:
      enabled: true
      maxEntries: 20
      storage: embedded
    retry:
      retries: 5
      backoffMs: 50
    relations:
      - field: teamId
        collection: teams
`

const tomlConfig = `formatVersion = "1.0.0"

[[repositories]]
collection = "orders"
uniqueFields = ["number"]

[repositories.compression]
strategy = "zstd"
thresholdBytes = 64

[repositories.encryption]
fields = ["card"]
passphraseEnv = "DOCREPO_TEST_PASSPHRASE"
`

func writeFile(name, content string) string {
	path := filepath.Join(GinkgoT().TempDir(), name)
	Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())

	return path
}

var _ = Describe("RepositoryConfig", func() {
	Describe("WithDefaults", func() {
		It("should fill every unset bound", func() {
			cfg := config.RepositoryConfig{Collection: "users"}.WithDefaults()

			Expect(cfg.IDStrategy).To(Equal(config.IDAuto))
			Expect(cfg.Retry.Retries).To(Equal(3))
			Expect(cfg.Retry.Backoff().Milliseconds()).To(BeEquivalentTo(100))
			Expect(cfg.Cache.Size).To(Equal(100))
			Expect(cfg.OfflineQueue.Size).To(Equal(1000))
			Expect(cfg.History.MaxEntries).To(Equal(50))
			Expect(cfg.History.Storage).To(Equal(config.HistoryLog))
			Expect(cfg.Migration.Strategy).To(Equal("lazy"))
			Expect(cfg.Population).To(Equal(config.PopulateWarn))
			Expect(cfg.BatchLoader.WindowMs).To(Equal(10))
			Expect(cfg.BatchLoader.MaxBatch).To(Equal(10))
			Expect(cfg.Compression.ThresholdBytes).To(Equal(1024))
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should keep explicit values", func() {
			cfg := config.RepositoryConfig{Collection: "users", Cache: config.CacheConfig{Size: 7}}.WithDefaults()
			Expect(cfg.Cache.Size).To(Equal(7))
		})
	})

	It("should clone deeply", func() {
		original := config.RepositoryConfig{
			Collection: "users",
			Encryption: config.EncryptionConfig{Fields: []string{"ssn"}},
			Relations:  []config.RelationConfig{{Field: "teamId", Collection: "teams"}},
		}

		clone := original.Clone()
		clone.Encryption.Fields[0] = "changed"
		clone.Relations[0].Collection = "changed"

		Expect(original.Encryption.Fields[0]).To(Equal("ssn"))
		Expect(original.Relations[0].Collection).To(Equal("teams"))
	})

	DescribeTable("Validate rejects",
		func(cfg config.RepositoryConfig, fragment string) {
			err := cfg.Validate()
			Expect(standarderrors.IsKind(err, standarderrors.InvalidArgument)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring(fragment))
		},
		Entry("an empty collection", config.RepositoryConfig{}, "empty"),
		Entry("a bad collection name", config.RepositoryConfig{Collection: "users; drop"}, "alphanumeric"),
		Entry("an unknown id strategy", config.RepositoryConfig{Collection: "u", IDStrategy: "random"}, "id strategy"),
		Entry("a negative bound", config.RepositoryConfig{Collection: "u", Cache: config.CacheConfig{Size: -1}}, "cache.size"),
		Entry("an unknown history storage", config.RepositoryConfig{Collection: "u", History: config.HistoryConfig{Storage: "disk"}}, "history storage"),
		Entry("an unknown migration strategy", config.RepositoryConfig{Collection: "u", Migration: config.MigrationConfig{Strategy: "sometimes"}}, "migration strategy"),
		Entry("an unknown compression", config.RepositoryConfig{Collection: "u", Compression: config.CompressionConfig{Strategy: "lzma"}}, "compression"),
		Entry("an incomplete relation", config.RepositoryConfig{Collection: "u", Relations: []config.RelationConfig{{Field: "x"}}}, "relations[0]"),
	)

	Describe("Encryptor", func() {
		It("should return nil without encrypted fields", func() {
			enc, err := config.RepositoryConfig{Collection: "u"}.Encryptor()
			Expect(err).ToNot(HaveOccurred())
			Expect(enc).To(BeNil())
		})

		It("should derive a key from a base64 master key", func() {
			Expect(os.Setenv("DOCREPO_TEST_MASTER", base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))).To(Succeed())
			DeferCleanup(os.Unsetenv, "DOCREPO_TEST_MASTER")

			cfg := config.RepositoryConfig{Collection: "u", Encryption: config.EncryptionConfig{Fields: []string{"ssn"}, MasterKeyEnv: "DOCREPO_TEST_MASTER"}}
			enc, err := cfg.Encryptor()
			Expect(err).ToNot(HaveOccurred())

			ciphertext, err := enc.Encrypt([]byte("secret"))
			Expect(err).ToNot(HaveOccurred())
			plaintext, err := enc.Decrypt(ciphertext)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(plaintext)).To(Equal("secret"))
		})

		It("should fail on an empty key variable", func() {
			cfg := config.RepositoryConfig{Collection: "u", Encryption: config.EncryptionConfig{Fields: []string{"ssn"}, PassphraseEnv: "DOCREPO_TEST_UNSET"}}
			_, err := cfg.Encryptor()
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("LoadFile", func() {
	It("should load YAML files", func() {
		doc, err := config.LoadFile(writeFile("repos.yaml", yamlConfig))
		Expect(err).ToNot(HaveOccurred())
		Expect(doc.FormatVersion).To(Equal("1.2.0"))

		users, ok := doc.Repository("users")
		Expect(ok).To(BeTrue())
		Expect(users.SoftDelete).To(BeTrue())
		Expect(users.IDStrategy).To(Equal(config.IDClientSupplied))
		Expect(users.History).To(Equal(config.HistoryConfig{Enabled: true, MaxEntries: 20, Storage: config.HistoryEmbedded}))
		Expect(users.Retry.Retries).To(Equal(5))
		Expect(users.Relations).To(ConsistOf(config.RelationConfig{Field: "teamId", Collection: "teams"}))
	})

	It("should load TOML files", func() {
		doc, err := config.LoadFile(writeFile("repos.toml", tomlConfig))
		Expect(err).ToNot(HaveOccurred())

		orders, ok := doc.Repository("orders")
		Expect(ok).To(BeTrue())
		Expect(orders.UniqueFields).To(Equal([]string{"number"}))
		Expect(orders.Compression.Strategy).To(Equal(codec.CompressionZstd))
		Expect(orders.Compression.ThresholdBytes).To(Equal(64))
		Expect(orders.Encryption.PassphraseEnv).To(Equal("DOCREPO_TEST_PASSPHRASE"))

		compressor, err := orders.Compressor()
		Expect(err).ToNot(HaveOccurred())
		Expect(compressor.Name()).To(Equal(codec.CompressionZstd))
	})

	It("should reject unsupported format versions", func() {
		_, err := config.LoadFile(writeFile("repos.yaml", strings.Replace(yamlConfig, "1.2.0", "2.0.0", 1)))
		Expect(standarderrors.IsKind(err, standarderrors.InvalidArgument)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("not supported"))
	})

	It("should reject unknown YAML fields", func() {
		_, err := config.LoadFile(writeFile("repos.yml", yamlConfig+"    cacheSize: 3\n"))
		Expect(err).To(HaveOccurred())
	})

	It("should reject duplicate collections", func() {
		dup := yamlConfig + "  - collection: users\n"
		_, err := config.LoadFile(writeFile("repos.yaml", dup))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("twice"))
	})

	It("should reject invalid repositories", func() {
		_, err := config.LoadFile(writeFile("repos.yaml", "repositories:\n  - collection: \"bad name\"\n"))
		Expect(standarderrors.IsKind(err, standarderrors.InvalidArgument)).To(BeTrue())
	})

	It("should reject unknown extensions", func() {
		_, err := config.LoadFile(writeFile("repos.ini", "x"))
		Expect(standarderrors.IsKind(err, standarderrors.InvalidArgument)).To(BeTrue())
	})
})
