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

package repository_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docrepo/pkg/cacheprovider"
	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
	"github.com/united-manufacturing-hub/docrepo/pkg/migration"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/docrepo/pkg/repository"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

var _ = Describe("Repository reads", func() {
	var (
		ctx    context.Context
		driver *memory.InMemoryDriver
		cfg    config.RepositoryConfig
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = memory.NewInMemoryDriver()
		cfg = testConfig("users")
	})

	Describe("GetByID", func() {
		It("returns the stored document", func() {
			repo := newRepository(driver, cfg, repository.Options{})
			doc := mustCreate(ctx, repo, persistence.Document{"name": "Alice"})

			read, err := repo.GetByID(ctx, doc.ID())

			Expect(err).NotTo(HaveOccurred())
			Expect(read).To(HaveKeyWithValue("name", "Alice"))
			Expect(read.Version()).To(Equal(int64(1)))
		})

		It("returns NotFound for a missing document", func() {
			repo := newRepository(driver, cfg, repository.Options{})

			_, err := repo.GetByID(ctx, "missing")
			Expect(err).To(beKind(standarderrors.NotFound))

			_, err = repo.GetByID(ctx, "missing", repository.Strong())
			Expect(err).To(beKind(standarderrors.NotFound))
		})

		It("rejects an empty id", func() {
			repo := newRepository(driver, cfg, repository.Options{})

			_, err := repo.GetByID(ctx, "")

			Expect(err).To(beKind(standarderrors.InvalidArgument))
		})

		It("coalesces concurrent reads into one multi-get", func() {
			cfg.BatchLoader.WindowMs = 50
			repo := newRepository(driver, cfg, repository.Options{})

			ids := make([]string, 0, 5)
			for i := 0; i < 5; i++ {
				ids = append(ids, mustCreate(ctx, repo, persistence.Document{"n": i}).ID())
			}

			driver.ResetCalls()

			var wg sync.WaitGroup

			errs := make([]error, len(ids))

			for i, id := range ids {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					_, errs[i] = repo.GetByID(ctx, id)
				}()
			}

			wg.Wait()

			for _, err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(driver.Calls(memory.OpGetMany)).To(Equal(1))
			Expect(driver.Calls(memory.OpGet)).To(Equal(0))
		})

		It("retries transient driver errors", func() {
			cfg.BatchLoader.Disabled = true
			repo := newRepository(driver, cfg, repository.Options{})
			doc := mustCreate(ctx, repo, persistence.Document{"name": "Alice"})

			driver.ResetCalls()
			driver.FailNext(memory.OpGet, persistence.ErrUnavailable)

			read, err := repo.GetByID(ctx, doc.ID())

			Expect(err).NotTo(HaveOccurred())
			Expect(read).To(HaveKeyWithValue("name", "Alice"))
			Expect(driver.Calls(memory.OpGet)).To(Equal(2))
		})

		It("gives up after the configured retries", func() {
			cfg.BatchLoader.Disabled = true
			repo := newRepository(driver, cfg, repository.Options{})

			for i := 0; i < 3; i++ {
				driver.FailNext(memory.OpGet, persistence.ErrUnavailable)
			}

			_, err := repo.GetByID(ctx, "any")

			Expect(err).To(beKind(standarderrors.Unavailable))
			Expect(driver.Calls(memory.OpGet)).To(Equal(3))
		})

		It("does not retry permission errors", func() {
			cfg.BatchLoader.Disabled = true
			repo := newRepository(driver, cfg, repository.Options{})

			driver.FailNext(memory.OpGet, persistence.ErrPermissionDenied)

			_, err := repo.GetByID(ctx, "any")

			Expect(err).To(beKind(standarderrors.PermissionDenied))
			Expect(driver.Calls(memory.OpGet)).To(Equal(1))
		})

		It("projects selected fields and keeps the id", func() {
			repo := newRepository(driver, cfg, repository.Options{})
			doc := mustCreate(ctx, repo, persistence.Document{"name": "Alice", "age": 30, "address": map[string]interface{}{"city": "Berlin", "zip": "10115"}})

			read, err := repo.GetByID(ctx, doc.ID(), repository.Select("name", "address.city"))

			Expect(err).NotTo(HaveOccurred())
			Expect(read).To(Equal(persistence.Document{
				"id":      doc.ID(),
				"name":    "Alice",
				"address": map[string]interface{}{"city": "Berlin"},
			}))
		})

		It("serves plain reads from the external cache", func() {
			cfg.BatchLoader.Disabled = true
			events := &eventRecorder{}
			repo := newRepository(driver, cfg, repository.Options{
				ExternalCache: cacheprovider.NewExpireMap(time.Minute, time.Minute),
				Diagnostics:   events.record,
			})
			doc := mustCreate(ctx, repo, persistence.Document{"name": "Alice"})

			driver.ResetCalls()

			read, err := repo.GetByID(ctx, doc.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(read).To(HaveKeyWithValue("name", "Alice"))
			Expect(driver.Calls(memory.OpGet)).To(Equal(0))

			Expect(repo.Delete(ctx, doc.ID())).To(Succeed())

			_, err = repo.GetByID(ctx, doc.ID())
			Expect(err).To(beKind(standarderrors.NotFound))

			hits := 0
			for _, ev := range events.ofType(diagnostics.TypeCache) {
				if ev.Bool(diagnostics.KeyHit) && ev.Operation == "getById" {
					hits++
				}
			}

			Expect(hits).To(Equal(1))
		})
	})

	Describe("GetMany", func() {
		It("keeps input order and returns nil for missing documents", func() {
			repo := newRepository(driver, cfg, repository.Options{})
			a := mustCreate(ctx, repo, persistence.Document{"name": "a"})
			b := mustCreate(ctx, repo, persistence.Document{"name": "b"})

			docs, err := repo.GetMany(ctx, []string{b.ID(), "missing", a.ID(), b.ID()})

			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(4))
			Expect(docs[0]).To(HaveKeyWithValue("name", "b"))
			Expect(docs[1]).To(BeNil())
			Expect(docs[2]).To(HaveKeyWithValue("name", "a"))
			Expect(docs[3]).To(HaveKeyWithValue("name", "b"))
		})

		It("chunks by the driver multi-get bound", func() {
			driver.SetLimits(persistence.Limits{MaxGetMany: 2, MaxBatchWrites: 500})
			repo := newRepository(driver, cfg, repository.Options{})

			ids := make([]string, 0, 5)
			for i := 0; i < 5; i++ {
				ids = append(ids, mustCreate(ctx, repo, persistence.Document{"n": i}).ID())
			}

			driver.ResetCalls()

			docs, err := repo.GetMany(ctx, ids)

			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(5))
			Expect(docs).NotTo(ContainElement(BeNil()))
			Expect(driver.Calls(memory.OpGetMany)).To(Equal(3))
		})

		It("hides soft-deleted documents unless asked", func() {
			cfg.SoftDelete = true
			repo := newRepository(driver, cfg, repository.Options{})
			doc := mustCreate(ctx, repo, persistence.Document{"name": "a"})
			Expect(repo.Delete(ctx, doc.ID())).To(Succeed())

			docs, err := repo.GetMany(ctx, []string{doc.ID()})
			Expect(err).NotTo(HaveOccurred())
			Expect(docs[0]).To(BeNil())

			docs, err = repo.GetMany(ctx, []string{doc.ID()}, repository.IncludeDeleted())
			Expect(err).NotTo(HaveOccurred())
			Expect(docs[0]).NotTo(BeNil())
		})
	})

	Describe("Find", func() {
		var repo *repository.Repository

		BeforeEach(func() {
			repo = newRepository(driver, cfg, repository.Options{})

			for i := 1; i <= 5; i++ {
				mustCreate(ctx, repo, persistence.Document{"name": fmt.Sprintf("user-%d", i), "age": i * 10, "team": []interface{}{"core"}},
					repository.WithID(fmt.Sprintf("u%d", i)))
			}
		})

		It("pages through results with a cursor", func() {
			opts := repository.FindOptions{Limit: 2}.OrderBy("age", persistence.Desc)

			first, err := repo.Find(ctx, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Items).To(HaveLen(2))
			Expect(first.Items[0]).To(HaveKeyWithValue("age", 50))
			Expect(first.HasMore).To(BeTrue())
			Expect(first.NextCursor).NotTo(BeEmpty())

			opts.Cursor = first.NextCursor
			second, err := repo.Find(ctx, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Items).To(HaveLen(2))
			Expect(second.Items[0]).To(HaveKeyWithValue("age", 30))

			opts.Cursor = second.NextCursor
			last, err := repo.Find(ctx, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(last.Items).To(HaveLen(1))
			Expect(last.HasMore).To(BeFalse())
			Expect(last.NextCursor).To(BeEmpty())
		})

		It("filters documents", func() {
			res, err := repo.Find(ctx, repository.FindOptions{}.
				Where("age", persistence.Gte, 20).
				Where("age", persistence.Lt, 40))

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Items).To(HaveLen(2))

			res, err = repo.Find(ctx, repository.FindOptions{}.Where("team", persistence.ArrayContains, "core"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Items).To(HaveLen(5))
		})

		It("rejects a malformed cursor", func() {
			_, err := repo.Find(ctx, repository.FindOptions{Cursor: "not-a-cursor"})

			Expect(err).To(beKind(standarderrors.InvalidArgument))
		})

		It("caches pages until the next mutation", func() {
			opts := repository.FindOptions{}.Where("age", persistence.Gt, 10)

			driver.ResetCalls()

			first, err := repo.Find(ctx, opts)
			Expect(err).NotTo(HaveOccurred())

			first.Items[0]["name"] = "mutated by caller"

			second, err := repo.Find(ctx, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(driver.Calls(memory.OpQuery)).To(Equal(1))
			Expect(second.Items[0]["name"]).NotTo(Equal("mutated by caller"))

			mustCreate(ctx, repo, persistence.Document{"name": "user-6", "age": 60})

			third, err := repo.Find(ctx, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(third.Items).To(HaveLen(5))
			Expect(driver.Calls(memory.OpQuery)).To(Equal(2))
		})

		It("bypasses the cache when it is disabled", func() {
			cfg.Cache.Disabled = true
			uncached := newRepository(driver, cfg, repository.Options{})

			driver.ResetCalls()

			for i := 0; i < 2; i++ {
				_, err := uncached.Find(ctx, repository.FindOptions{})
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(driver.Calls(memory.OpQuery)).To(Equal(2))
		})

		It("returns the first match or NotFound", func() {
			doc, err := repo.FindOne(ctx, repository.FindOptions{}.Where("name", persistence.Eq, "user-3"))
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.ID()).To(Equal("u3"))

			_, err = repo.FindOne(ctx, repository.FindOptions{}.Where("name", persistence.Eq, "nobody"))
			Expect(err).To(beKind(standarderrors.NotFound))
		})

		It("counts and checks existence", func() {
			n, err := repo.Count(ctx, repository.FindOptions{}.Where("age", persistence.Gte, 30))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(3)))

			ok, err := repo.ExistsWhere(ctx, repository.FindOptions{}.Where("name", persistence.Eq, "user-1"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = repo.ExistsWhere(ctx, repository.FindOptions{}.Where("name", persistence.Eq, "nobody"))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Describe("population", func() {
		BeforeEach(func() {
			Expect(driver.Set(ctx, "teams", "t1", persistence.Document{"id": "t1", "name": "core"})).To(Succeed())
			Expect(driver.Set(ctx, "teams", "t2", persistence.Document{"id": "t2", "name": "edge"})).To(Succeed())

			cfg.Relations = []config.RelationConfig{
				{Field: "team", Collection: "teams"},
				{Field: "teams", Collection: "teams", Many: true},
			}
		})

		It("resolves single and many relations", func() {
			repo := newRepository(driver, cfg, repository.Options{})
			doc := mustCreate(ctx, repo, persistence.Document{"team": "t1", "teams": []interface{}{"t2", "t1"}})

			read, err := repo.GetByID(ctx, doc.ID(), repository.Populate("team", "teams"))

			Expect(err).NotTo(HaveOccurred())
			Expect(read["team"]).To(HaveKeyWithValue("name", "core"))
			Expect(read["teams"]).To(HaveLen(2))
			Expect(read["teams"].([]interface{})[0]).To(HaveKeyWithValue("name", "edge"))
			Expect(read).NotTo(HaveKey(repository.FieldPopulateFailed))
		})

		It("records failed relations in warn mode", func() {
			cfg.Population = config.PopulateWarn
			repo := newRepository(driver, cfg, repository.Options{})
			doc := mustCreate(ctx, repo, persistence.Document{"team": "gone"})

			read, err := repo.GetByID(ctx, doc.ID(), repository.Populate("team"))

			Expect(err).NotTo(HaveOccurred())
			Expect(read).To(HaveKeyWithValue("team", "gone"))
			Expect(read[repository.FieldPopulateFailed]).To(Equal([]string{"team"}))
		})

		It("fails the read in throw mode", func() {
			cfg.Population = config.PopulateThrow
			repo := newRepository(driver, cfg, repository.Options{})
			doc := mustCreate(ctx, repo, persistence.Document{"team": "gone"})

			_, err := repo.GetByID(ctx, doc.ID(), repository.Populate("team"))

			Expect(err).To(beKind(standarderrors.NotFound))
		})
	})

	Describe("migrations", func() {
		var migrations migration.Map

		BeforeEach(func() {
			migrations = migration.Map{
				1: func(doc persistence.Document) (persistence.Document, error) {
					doc["fullName"] = doc["name"]
					delete(doc, "name")

					return doc, nil
				},
			}

			Expect(driver.Set(ctx, "users", "legacy", persistence.Document{"id": "legacy", "name": "Alice", "version": int64(1)})).To(Succeed())
		})

		It("upgrades on read and repairs the stored form lazily", func() {
			repo := newRepository(driver, cfg, repository.Options{Migrations: migrations})

			read, err := repo.GetByID(ctx, "legacy", repository.Strong())

			Expect(err).NotTo(HaveOccurred())
			Expect(read).To(HaveKeyWithValue("fullName", "Alice"))
			Expect(read).NotTo(HaveKey("name"))

			Eventually(func() int {
				return migration.VersionOf(stored(driver, "users", "legacy"))
			}).Should(Equal(1))

			raw := stored(driver, "users", "legacy")
			Expect(raw).To(HaveKeyWithValue("fullName", "Alice"))
			Expect(raw.Version()).To(Equal(int64(1)))
		})

		It("stamps the current schema version on new documents", func() {
			repo := newRepository(driver, cfg, repository.Options{Migrations: migrations})

			doc := mustCreate(ctx, repo, persistence.Document{"fullName": "Bob"})

			Expect(migration.VersionOf(stored(driver, "users", doc.ID()))).To(Equal(1))
		})

		It("sweeps the collection under the eager strategy", func() {
			cfg.Migration.Strategy = string(migration.StrategyEager)
			repo := newRepository(driver, cfg, repository.Options{Migrations: migrations})

			n, err := repo.MigrateAll(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(stored(driver, "users", "legacy")).To(HaveKeyWithValue("fullName", "Alice"))
		})

		It("refuses a sweep under the lazy strategy", func() {
			repo := newRepository(driver, cfg, repository.Options{Migrations: migrations})

			_, err := repo.MigrateAll(ctx)

			Expect(err).To(beKind(standarderrors.FailedPrecondition))
		})
	})

	Describe("subscriptions", func() {
		It("delivers document changes and removals", func() {
			repo := newRepository(driver, cfg, repository.Options{})
			doc := mustCreate(ctx, repo, persistence.Document{"name": "Alice"})

			var (
				mu    sync.Mutex
				names []interface{}
				errs  []error
			)

			unsubscribe, err := repo.Subscribe(ctx, doc.ID(), func(d persistence.Document, err error) {
				mu.Lock()
				defer mu.Unlock()

				if err != nil {
					errs = append(errs, err)

					return
				}

				names = append(names, d["name"])
			})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(unsubscribe)

			_, err = repo.Update(ctx, doc.ID(), persistence.Document{"name": "Bob"})
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.Delete(ctx, doc.ID())).To(Succeed())

			Eventually(func() int {
				mu.Lock()
				defer mu.Unlock()

				return len(errs)
			}).Should(Equal(1))

			mu.Lock()
			defer mu.Unlock()

			Expect(names).To(Equal([]interface{}{"Bob"}))
			Expect(errs[0]).To(beKind(standarderrors.NotFound))
		})

		It("re-runs a query on collection changes", func() {
			repo := newRepository(driver, cfg, repository.Options{})

			var (
				mu    sync.Mutex
				sizes []int
			)

			unsubscribe, err := repo.SubscribeQuery(ctx, repository.FindOptions{}, func(docs []persistence.Document, err error) {
				defer GinkgoRecover()
				Expect(err).NotTo(HaveOccurred())

				mu.Lock()
				defer mu.Unlock()

				sizes = append(sizes, len(docs))
			})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(unsubscribe)

			mustCreate(ctx, repo, persistence.Document{"name": "Alice"})

			Eventually(func() []int {
				mu.Lock()
				defer mu.Unlock()

				return append([]int(nil), sizes...)
			}).Should(ContainElement(1))

			mu.Lock()
			defer mu.Unlock()

			Expect(sizes[0]).To(Equal(0))
		})
	})
})
