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

package migration_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docrepo/pkg/migration"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

// userMigrations renames name to first (v1) and adds a default role (v2).
var userMigrations = migration.Map{
	2: func(doc persistence.Document) (persistence.Document, error) {
		doc["role"] = "member"

		return doc, nil
	},
	1: func(doc persistence.Document) (persistence.Document, error) {
		doc["first"] = doc["name"]
		delete(doc, "name")

		return doc, nil
	},
}

var _ = Describe("Engine", func() {
	It("applies outstanding transforms in ascending order", func() {
		e, err := migration.NewEngine(migration.StrategyLazy, userMigrations)
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Current()).To(Equal(2))

		doc := persistence.Document{"id": "u1", "name": "Alice"}
		out, changed, err := e.Upgrade(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeTrue())
		Expect(out).To(HaveKeyWithValue("first", "Alice"))
		Expect(out).To(HaveKeyWithValue("role", "member"))
		Expect(migration.VersionOf(out)).To(Equal(2))
		Expect(doc).To(HaveKey("name"))
	})

	It("only runs transforms newer than the stored version", func() {
		e, _ := migration.NewEngine(migration.StrategyLazy, userMigrations)
		out, changed, err := e.Upgrade(persistence.Document{"id": "u1", "name": "kept", "_schemaVersion": 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeTrue())
		Expect(out).To(HaveKeyWithValue("name", "kept"))
		Expect(out).To(HaveKeyWithValue("role", "member"))
	})

	It("reports no change for current documents and an empty map", func() {
		e, _ := migration.NewEngine(migration.StrategyEager, nil)
		Expect(e.Current()).To(Equal(0))
		_, changed, err := e.Upgrade(persistence.Document{"id": "x"})
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeFalse())
	})

	It("respects the strategy on read and write", func() {
		writeOnly, _ := migration.NewEngine(migration.StrategyWriteOnly, userMigrations)
		doc := persistence.Document{"id": "u1", "name": "Alice"}

		read, changed, err := writeOnly.OnRead(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed).To(BeFalse())
		Expect(read).To(HaveKey("name"))

		written, err := writeOnly.OnWrite(doc)
		Expect(err).NotTo(HaveOccurred())
		Expect(written).To(HaveKeyWithValue("first", "Alice"))

		lazy, _ := migration.NewEngine(migration.StrategyLazy, userMigrations)
		stamped, err := lazy.OnWrite(persistence.Document{"id": "new"})
		Expect(err).NotTo(HaveOccurred())
		Expect(migration.VersionOf(stamped)).To(Equal(2))
	})

	It("wraps transform failures", func() {
		e, _ := migration.NewEngine(migration.StrategyLazy, migration.Map{
			1: func(persistence.Document) (persistence.Document, error) { return nil, errors.New("bad data") },
		})
		_, _, err := e.Upgrade(persistence.Document{"id": "u1"})
		Expect(err).To(MatchError(ContainSubstring("bad data")))
	})

	It("rejects invalid maps and strategies", func() {
		_, err := migration.NewEngine(migration.StrategyLazy, migration.Map{0: userMigrations[1]})
		Expect(standarderrors.IsKind(err, standarderrors.InvalidArgument)).To(BeTrue())

		_, err = migration.ParseStrategy("sometimes")
		Expect(err).To(HaveOccurred())

		s, err := migration.ParseStrategy("write-only")
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(Equal(migration.StrategyWriteOnly))
	})

	Describe("MigrateAll", func() {
		docs := func() []persistence.Document {
			out := []persistence.Document{}
			for _, id := range []string{"a", "b", "c", "d", "e"} {
				out = append(out, persistence.Document{"id": id, "name": id})
			}
			out[2]["_schemaVersion"] = 2

			return out
		}

		pager := func(all []persistence.Document) migration.Pager {
			return func(_ context.Context, after string, limit int) ([]persistence.Document, error) {
				page := []persistence.Document{}
				for _, d := range all {
					if d.ID() > after && len(page) < limit {
						page = append(page, d)
					}
				}

				return page, nil
			}
		}

		It("sweeps every page and writes only changed documents", func() {
			e, _ := migration.NewEngine(migration.StrategyEager, userMigrations)
			var written []string

			n, err := e.MigrateAll(context.Background(), pager(docs()), func(_ context.Context, d persistence.Document) error {
				written = append(written, d.ID())

				return nil
			}, 2)

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(4))
			Expect(written).To(Equal([]string{"a", "b", "d", "e"}))
		})

		It("is refused for the lazy strategy", func() {
			e, _ := migration.NewEngine(migration.StrategyLazy, userMigrations)
			_, err := e.MigrateAll(context.Background(), pager(docs()), nil, 2)
			Expect(standarderrors.IsKind(err, standarderrors.FailedPrecondition)).To(BeTrue())
		})
	})
})

var _ = Describe("Repairer", func() {
	It("persists migrated documents in the background", func() {
		var mu sync.Mutex
		var repaired []string

		r := migration.NewRepairer(func(_ context.Context, d persistence.Document) error {
			mu.Lock()
			defer mu.Unlock()
			repaired = append(repaired, d.ID())

			return nil
		}, 2, nil)
		defer r.Close()

		Expect(r.Schedule(persistence.Document{"id": "a"})).To(BeTrue())
		Expect(r.Schedule(persistence.Document{"id": "b"})).To(BeTrue())
		r.Wait()

		mu.Lock()
		defer mu.Unlock()
		sort.Strings(repaired)
		Expect(repaired).To(Equal([]string{"a", "b"}))
	})

	It("does not schedule the same document twice concurrently", func() {
		release := make(chan struct{})
		var calls atomic.Int32

		r := migration.NewRepairer(func(context.Context, persistence.Document) error {
			calls.Add(1)
			<-release

			return nil
		}, 4, nil)

		Expect(r.Schedule(persistence.Document{"id": "a"})).To(BeTrue())
		Expect(r.Schedule(persistence.Document{"id": "a"})).To(BeFalse())
		close(release)
		r.Wait()

		Expect(calls.Load()).To(Equal(int32(1)))
		Expect(r.Schedule(persistence.Document{"id": "a"})).To(BeTrue())
		r.Close()
	})

	It("only logs repair failures", func() {
		done := make(chan struct{})
		r := migration.NewRepairer(func(context.Context, persistence.Document) error {
			defer close(done)

			return errors.New("write failed")
		}, 1, nil)
		defer r.Close()

		Expect(r.Schedule(persistence.Document{"id": "a"})).To(BeTrue())
		Eventually(done, time.Second).Should(BeClosed())
	})
})
