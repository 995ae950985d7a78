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

package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence/memory"
)

var _ = Describe("InMemoryDriver", func() {
	var (
		driver *memory.InMemoryDriver
		ctx    context.Context
	)

	BeforeEach(func() {
		driver = memory.NewInMemoryDriver()
		ctx = context.Background()
	})

	Describe("single document operations", func() {
		It("should set and get a copy of the document", func() {
			doc := persistence.Document{"id": "u1", "name": "Alice"}
			Expect(driver.Set(ctx, "users", "u1", doc)).To(Succeed())

			doc["name"] = "mutated"

			got, err := driver.Get(ctx, "users", "u1")
			Expect(err).ToNot(HaveOccurred())
			Expect(got["name"]).To(Equal("Alice"))

			got["name"] = "mutated again"
			again, _ := driver.Get(ctx, "users", "u1")
			Expect(again["name"]).To(Equal("Alice"))
		})

		It("should return ErrNotFound for a missing document", func() {
			_, err := driver.Get(ctx, "users", "missing")
			Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())
		})

		It("should merge dot-path updates into an existing document", func() {
			Expect(driver.Set(ctx, "users", "u1", persistence.Document{"id": "u1", "profile": map[string]interface{}{"city": "Cologne", "zip": "1"}})).To(Succeed())
			Expect(driver.Update(ctx, "users", "u1", persistence.Document{"profile.city": "Bonn"})).To(Succeed())

			got, _ := driver.Get(ctx, "users", "u1")
			Expect(got["profile"]).To(Equal(map[string]interface{}{"city": "Bonn", "zip": "1"}))
		})

		It("should refuse to update a missing document", func() {
			err := driver.Update(ctx, "users", "nope", persistence.Document{"a": 1})
			Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())
		})

		It("should delete documents", func() {
			Expect(driver.Set(ctx, "users", "u1", persistence.Document{"id": "u1"})).To(Succeed())
			Expect(driver.Delete(ctx, "users", "u1")).To(Succeed())

			_, err := driver.Get(ctx, "users", "u1")
			Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("GetMany", func() {
		It("should return only existing ids", func() {
			Expect(driver.Set(ctx, "users", "a", persistence.Document{"id": "a"})).To(Succeed())

			got, err := driver.GetMany(ctx, "users", []string{"a", "b"})
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(HaveLen(1))
			Expect(got).To(HaveKey("a"))
		})

		It("should enforce the multi-get bound", func() {
			ids := make([]string, 11)
			for i := range ids {
				ids[i] = fmt.Sprintf("id-%d", i)
			}

			_, err := driver.GetMany(ctx, "users", ids)
			Expect(errors.Is(err, persistence.ErrInvalidArgument)).To(BeTrue())
		})
	})

	Describe("Query and Count", func() {
		BeforeEach(func() {
			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("d%d", i)
				Expect(driver.Set(ctx, "items", id, persistence.Document{"id": id, "n": i})).To(Succeed())
			}
		})

		It("should filter, sort and limit", func() {
			q := persistence.NewQuery().Filter("n", persistence.Gte, 1).Sort("n", persistence.Desc).Limit(2)

			docs, err := driver.Query(ctx, "items", *q)
			Expect(err).ToNot(HaveOccurred())
			Expect(docs).To(HaveLen(2))
			Expect(docs[0]["n"]).To(Equal(4))
			Expect(docs[1]["n"]).To(Equal(3))
		})

		It("should count without limits", func() {
			n, err := driver.Count(ctx, "items", *persistence.NewQuery().Filter("n", persistence.Lt, 3).Limit(1))
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(int64(3)))
		})

		It("should return an empty result for an unknown collection", func() {
			docs, err := driver.Query(ctx, "unknown", *persistence.NewQuery())
			Expect(err).ToNot(HaveOccurred())
			Expect(docs).To(BeEmpty())
		})
	})

	Describe("RunTransaction", func() {
		BeforeEach(func() {
			Expect(driver.Set(ctx, "c", "x", persistence.Document{"id": "x", "n": 1})).To(Succeed())
		})

		It("should read its own writes and commit atomically", func() {
			err := driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
				Expect(tx.Update("c", "x", persistence.Document{"n": 2})).To(Succeed())

				doc, err := tx.Get(ctx, "c", "x")
				Expect(err).ToNot(HaveOccurred())
				Expect(doc["n"]).To(Equal(2))

				return tx.Set("c", "y", persistence.Document{"id": "y"})
			})
			Expect(err).ToNot(HaveOccurred())

			x, _ := driver.Get(ctx, "c", "x")
			Expect(x["n"]).To(Equal(2))

			_, err = driver.Get(ctx, "c", "y")
			Expect(err).ToNot(HaveOccurred())
		})

		It("should discard writes when the callback fails", func() {
			boom := errors.New("boom")

			err := driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
				Expect(tx.Set("c", "x", persistence.Document{"id": "x", "n": 99})).To(Succeed())

				return boom
			})
			Expect(err).To(MatchError(boom))

			x, _ := driver.Get(ctx, "c", "x")
			Expect(x["n"]).To(Equal(1))
		})

		It("should abort when a read document changes before commit", func() {
			err := driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
				if _, err := tx.Get(ctx, "c", "x"); err != nil {
					return err
				}

				// Concurrent writer sneaks in between read and commit.
				Expect(driver.Set(ctx, "c", "x", persistence.Document{"id": "x", "n": 5})).To(Succeed())

				return tx.Set("c", "x", persistence.Document{"id": "x", "n": 2})
			})
			Expect(errors.Is(err, persistence.ErrAborted)).To(BeTrue())

			x, _ := driver.Get(ctx, "c", "x")
			Expect(x["n"]).To(Equal(5))
		})

		It("should serialise concurrent increments through retries", func() {
			var wg sync.WaitGroup

			for i := 0; i < 10; i++ {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					for {
						err := driver.RunTransaction(ctx, func(ctx context.Context, tx persistence.Transaction) error {
							doc, err := tx.Get(ctx, "c", "x")
							if err != nil {
								return err
							}

							n, _ := persistence.AsInt64(doc["n"])

							return tx.Update("c", "x", persistence.Document{"n": n + 1})
						})
						if errors.Is(err, persistence.ErrAborted) {
							continue
						}

						Expect(err).ToNot(HaveOccurred())

						return
					}
				}()
			}

			wg.Wait()

			x, _ := driver.Get(ctx, "c", "x")
			n, _ := persistence.AsInt64(x["n"])
			Expect(n).To(Equal(int64(11)))
		})
	})

	Describe("Batch", func() {
		It("should apply all writes or none", func() {
			err := driver.Batch(ctx, []persistence.BatchOp{
				{Kind: persistence.BatchSet, Collection: "c", ID: "a", Doc: persistence.Document{"id": "a"}},
				{Kind: persistence.BatchUpdate, Collection: "c", ID: "missing", Doc: persistence.Document{"n": 1}},
			})
			Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())

			_, err = driver.Get(ctx, "c", "a")
			Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())
		})

		It("should enforce the batch bound", func() {
			driver.SetLimits(persistence.Limits{MaxGetMany: 10, MaxBatchWrites: 2})

			ops := make([]persistence.BatchOp, 3)
			for i := range ops {
				ops[i] = persistence.BatchOp{Kind: persistence.BatchSet, Collection: "c", ID: fmt.Sprint(i), Doc: persistence.Document{}}
			}

			Expect(errors.Is(driver.Batch(ctx, ops), persistence.ErrInvalidArgument)).To(BeTrue())
		})
	})

	Describe("Subscribe", func() {
		It("should deliver changes for the subscribed document only", func() {
			var received []persistence.Change

			unsubscribe, err := driver.Subscribe(ctx, "c", "a", func(change persistence.Change) {
				received = append(received, change)
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(driver.Set(ctx, "c", "a", persistence.Document{"id": "a"})).To(Succeed())
			Expect(driver.Set(ctx, "c", "b", persistence.Document{"id": "b"})).To(Succeed())
			Expect(driver.Delete(ctx, "c", "a")).To(Succeed())

			Expect(received).To(HaveLen(2))
			Expect(received[0].Type).To(Equal(persistence.ChangeAdded))
			Expect(received[1].Type).To(Equal(persistence.ChangeRemoved))

			unsubscribe()
			unsubscribe()

			Expect(driver.Set(ctx, "c", "a", persistence.Document{"id": "a"})).To(Succeed())
			Expect(received).To(HaveLen(2))
		})
	})

	Describe("fault injection", func() {
		It("should return queued failures in order and count calls", func() {
			driver.FailNext(memory.OpGet, persistence.ErrUnavailable)

			_, err := driver.Get(ctx, "c", "a")
			Expect(errors.Is(err, persistence.ErrUnavailable)).To(BeTrue())

			_, err = driver.Get(ctx, "c", "a")
			Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())

			Expect(driver.Calls(memory.OpGet)).To(Equal(2))
		})

		It("should reject calls after Close", func() {
			Expect(driver.Close()).To(Succeed())

			_, err := driver.Get(ctx, "c", "a")
			Expect(errors.Is(err, persistence.ErrClosed)).To(BeTrue())
		})
	})
})
