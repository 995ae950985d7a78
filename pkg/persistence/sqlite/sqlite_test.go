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

package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence/sqlite"
)

var _ = Describe("SQLite Driver", func() {
	var (
		driver *sqlite.Driver
		ctx    context.Context
		dbPath string
	)

	BeforeEach(func() {
		ctx = context.Background()
		dbPath = filepath.Join(GinkgoT().TempDir(), "docrepo.db")

		var err error
		driver, err = sqlite.Open(dbPath, nil)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(driver.Close()).To(Succeed())
	})

	It("should round-trip documents through JSON rows", func() {
		doc := persistence.Document{"id": "u1", "name": "Alice", "profile": map[string]interface{}{"age": 30}}
		Expect(driver.Set(ctx, "users", "u1", doc)).To(Succeed())

		got, err := driver.Get(ctx, "users", "u1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got["name"]).To(Equal("Alice"))
		Expect(got["profile"]).To(Equal(map[string]interface{}{"age": float64(30)}))
	})

	It("should return ErrNotFound for missing documents", func() {
		_, err := driver.Get(ctx, "users", "missing")
		Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())

		Expect(errors.Is(driver.Delete(ctx, "users", "missing"), persistence.ErrNotFound)).To(BeTrue())
		Expect(errors.Is(driver.Update(ctx, "users", "missing", persistence.Document{"a": 1}), persistence.ErrNotFound)).To(BeTrue())
	})

	It("should reject invalid collection names", func() {
		_, err := driver.Get(ctx, "users; DROP TABLE x", "a")
		Expect(errors.Is(err, persistence.ErrInvalidArgument)).To(BeTrue())
	})

	It("should merge dot path updates", func() {
		Expect(driver.Set(ctx, "users", "u1", persistence.Document{"id": "u1", "profile": map[string]interface{}{"city": "Cologne"}})).To(Succeed())
		Expect(driver.Update(ctx, "users", "u1", persistence.Document{"profile.zip": "50667"})).To(Succeed())

		got, _ := driver.Get(ctx, "users", "u1")
		Expect(got["profile"]).To(Equal(map[string]interface{}{"city": "Cologne", "zip": "50667"}))
	})

	It("should query, count and multi-get", func() {
		for i := 0; i < 4; i++ {
			id := fmt.Sprintf("d%d", i)
			Expect(driver.Set(ctx, "items", id, persistence.Document{"id": id, "n": i})).To(Succeed())
		}

		docs, err := driver.Query(ctx, "items", *persistence.NewQuery().Filter("n", persistence.Gt, 1).Sort("n", persistence.Asc))
		Expect(err).ToNot(HaveOccurred())
		Expect(docs).To(HaveLen(2))
		Expect(docs[0].ID()).To(Equal("d2"))

		n, err := driver.Count(ctx, "items", *persistence.NewQuery())
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(4)))

		many, err := driver.GetMany(ctx, "items", []string{"d0", "d3", "nope"})
		Expect(err).ToNot(HaveOccurred())
		Expect(many).To(HaveLen(2))
	})

	It("should roll back a failed transaction", func() {
		Expect(driver.Set(ctx, "c", "x", persistence.Document{"id": "x", "n": 1})).To(Succeed())

		err := driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
			if err := tx.Set("c", "x", persistence.Document{"id": "x", "n": 2}); err != nil {
				return err
			}

			return errors.New("abort")
		})
		Expect(err).To(HaveOccurred())

		got, _ := driver.Get(ctx, "c", "x")
		Expect(got["n"]).To(Equal(float64(1)))
	})

	It("should recreate a table whose creating transaction rolled back", func() {
		err := driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
			_, err := tx.Get(ctx, "fresh", "x")
			Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())

			return errors.New("abort")
		})
		Expect(err).To(MatchError("abort"))

		Expect(driver.Set(ctx, "fresh", "x", persistence.Document{"id": "x", "n": 1})).To(Succeed())

		got, err := driver.Get(ctx, "fresh", "x")
		Expect(err).ToNot(HaveOccurred())
		Expect(got["n"]).To(Equal(float64(1)))
	})

	It("should keep a table created inside a committed transaction", func() {
		err := driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
			return tx.Set("committed", "x", persistence.Document{"id": "x"})
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = driver.Get(ctx, "committed", "x")
		Expect(err).ToNot(HaveOccurred())
	})

	It("should apply a batch atomically", func() {
		err := driver.Batch(ctx, []persistence.BatchOp{
			{Kind: persistence.BatchSet, Collection: "c", ID: "a", Doc: persistence.Document{"id": "a"}},
			{Kind: persistence.BatchUpdate, Collection: "c", ID: "missing", Doc: persistence.Document{"x": 1}},
		})
		Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())

		_, err = driver.Get(ctx, "c", "a")
		Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())
	})

	It("should notify subscribers after commit", func() {
		var changes []persistence.Change

		unsubscribe, err := driver.Subscribe(ctx, "c", "", func(change persistence.Change) {
			changes = append(changes, change)
		})
		Expect(err).ToNot(HaveOccurred())
		defer unsubscribe()

		Expect(driver.Set(ctx, "c", "a", persistence.Document{"id": "a"})).To(Succeed())
		Expect(driver.Set(ctx, "c", "a", persistence.Document{"id": "a", "n": 1})).To(Succeed())
		Expect(driver.Delete(ctx, "c", "a")).To(Succeed())

		Expect(changes).To(HaveLen(3))
		Expect(changes[0].Type).To(Equal(persistence.ChangeAdded))
		Expect(changes[1].Type).To(Equal(persistence.ChangeModified))
		Expect(changes[2].Type).To(Equal(persistence.ChangeRemoved))
	})

	It("should persist data across reopen", func() {
		Expect(driver.Set(ctx, "c", "a", persistence.Document{"id": "a", "v": "kept"})).To(Succeed())
		Expect(driver.Close()).To(Succeed())

		var err error
		driver, err = sqlite.Open(dbPath, nil)
		Expect(err).ToNot(HaveOccurred())

		got, err := driver.Get(ctx, "c", "a")
		Expect(err).ToNot(HaveOccurred())
		Expect(got["v"]).To(Equal("kept"))
	})
})
