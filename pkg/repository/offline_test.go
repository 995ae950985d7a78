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
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/diagnostics"
	"github.com/united-manufacturing-hub/docrepo/pkg/offlinequeue"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/docrepo/pkg/repository"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

var _ = Describe("Offline operation", func() {
	var (
		ctx     context.Context
		driver  *memory.InMemoryDriver
		cfg     config.RepositoryConfig
		monitor *offlinequeue.Manual
		events  *eventRecorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = memory.NewInMemoryDriver()
		cfg = testConfig("users")
		monitor = offlinequeue.NewManual(false)
		events = &eventRecorder{}
	})

	exists := func(id string) bool {
		_, err := driver.Get(ctx, "users", id)

		return err == nil
	}

	It("queues mutations and returns pending placeholders", func() {
		repo := newRepository(driver, cfg, repository.Options{Monitor: monitor, Diagnostics: events.record})

		doc, err := repo.Create(ctx, persistence.Document{"name": "Alice"}, repository.WithID("alice"))

		Expect(err).NotTo(HaveOccurred())
		Expect(doc.ID()).To(Equal("alice"))
		Expect(doc.Version()).To(Equal(int64(1)))
		Expect(doc).To(HaveKeyWithValue(repository.FieldPending, true))
		Expect(exists("alice")).To(BeFalse())

		pending := repo.PendingOperations()
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].Kind).To(Equal(offlinequeue.KindCreate))
		Expect(pending[0].Args.ID).To(Equal("alice"))

		enqueued := events.ofType(diagnostics.TypeOfflineQueue)
		Expect(enqueued).To(HaveLen(1))
		Expect(enqueued[0].String(diagnostics.KeyAction)).To(Equal(diagnostics.ActionEnqueued))
		Expect(enqueued[0].Int(diagnostics.KeyDepth)).To(Equal(1))
	})

	It("replays the queue in order once the connection is back", func() {
		repo := newRepository(driver, cfg, repository.Options{Monitor: monitor})

		_, err := repo.Create(ctx, persistence.Document{"name": "Alice"}, repository.WithID("alice"))
		Expect(err).NotTo(HaveOccurred())

		_, err = repo.Update(ctx, "alice", persistence.Document{"name": "Alicia", "version": int64(1)})
		Expect(err).NotTo(HaveOccurred())

		monitor.SetOnline(true)

		Eventually(repo.PendingOperations).Should(BeEmpty())
		Eventually(func() bool { return exists("alice") }).Should(BeTrue())

		doc := stored(driver, "users", "alice")
		Expect(doc).To(HaveKeyWithValue("name", "Alicia"))
		Expect(doc.Version()).To(Equal(int64(2)))
		Expect(doc).NotTo(HaveKey(repository.FieldPending))
	})

	It("halts at the first failure and keeps the failed item at the head", func() {
		repo := newRepository(driver, cfg, repository.Options{Monitor: monitor})

		for _, id := range []string{"a", "b", "c"} {
			_, err := repo.Create(ctx, persistence.Document{"name": id}, repository.WithID(id))
			Expect(err).NotTo(HaveOccurred())
		}

		driver.FailNext(memory.OpTransaction, nil)
		driver.FailNext(memory.OpTransaction, persistence.ErrPermissionDenied)

		monitor.SetOnline(true)

		Eventually(func() int {
			pending := repo.PendingOperations()
			if len(pending) == 0 {
				return 0
			}

			return pending[0].RetryCount
		}).Should(Equal(1))

		pending := repo.PendingOperations()
		Expect(pending).To(HaveLen(2))
		Expect(pending[0].Args.ID).To(Equal("b"))
		Expect(pending[0].LastError).NotTo(BeEmpty())
		Expect(exists("a")).To(BeTrue())
		Expect(exists("b")).To(BeFalse())
		Expect(exists("c")).To(BeFalse())

		n, err := repo.FlushOfflineQueue(ctx)

		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(repo.PendingOperations()).To(BeEmpty())
		Expect(exists("c")).To(BeTrue())
	})

	It("applies queued changes to one document in order after a halted item", func() {
		repo := newRepository(driver, cfg, repository.Options{Monitor: monitor})

		_, err := repo.Create(ctx, persistence.Document{"name": "A"}, repository.WithID("doc"))
		Expect(err).NotTo(HaveOccurred())
		_, err = repo.Update(ctx, "doc", persistence.Document{"name": "B", "version": int64(1)})
		Expect(err).NotTo(HaveOccurred())
		_, err = repo.Update(ctx, "doc", persistence.Document{"name": "C", "version": int64(2)})
		Expect(err).NotTo(HaveOccurred())

		driver.FailNext(memory.OpTransaction, nil)
		driver.FailNext(memory.OpTransaction, persistence.ErrPermissionDenied)

		monitor.SetOnline(true)

		Eventually(func() int {
			pending := repo.PendingOperations()
			if len(pending) == 0 {
				return 0
			}

			return pending[0].RetryCount
		}).Should(Equal(1))

		pending := repo.PendingOperations()
		Expect(pending).To(HaveLen(2))
		Expect(pending[0].Args.Data).To(HaveKeyWithValue("name", "B"))

		doc := stored(driver, "users", "doc")
		Expect(doc).To(HaveKeyWithValue("name", "A"))
		Expect(doc.Version()).To(Equal(int64(1)))

		n, err := repo.FlushOfflineQueue(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(repo.PendingOperations()).To(BeEmpty())

		doc = stored(driver, "users", "doc")
		Expect(doc).To(HaveKeyWithValue("name", "C"))
		Expect(doc.Version()).To(Equal(int64(3)))
	})

	It("pauses the replay when the connection drops again", func() {
		var dropped atomic.Bool

		repo := newRepository(driver, cfg, repository.Options{Monitor: monitor, Hooks: repository.Hooks{
			BeforeUpdate: func(context.Context, persistence.Document, persistence.Document) error {
				if dropped.CompareAndSwap(false, true) {
					monitor.SetOnline(false)
				}

				return nil
			},
		}})

		_, err := repo.Create(ctx, persistence.Document{"name": "v0"}, repository.WithID("doc"))
		Expect(err).NotTo(HaveOccurred())

		for _, name := range []string{"v1", "v2", "v3"} {
			_, err = repo.Update(ctx, "doc", persistence.Document{"name": name})
			Expect(err).NotTo(HaveOccurred())
		}

		monitor.SetOnline(true)

		Eventually(func() int64 {
			doc, err := driver.Get(ctx, "users", "doc")
			if err != nil {
				return 0
			}

			return doc.Version()
		}).Should(Equal(int64(2)))
		Eventually(repo.PendingOperations).Should(HaveLen(2))
		Consistently(repo.PendingOperations, "50ms").Should(HaveLen(2))

		Expect(stored(driver, "users", "doc")).To(HaveKeyWithValue("name", "v1"))
		Expect(repo.PendingOperations()[0].RetryCount).To(BeZero())

		_, err = repo.FlushOfflineQueue(ctx)
		Expect(err).To(beKind(standarderrors.Unavailable))

		monitor.SetOnline(true)

		Eventually(repo.PendingOperations).Should(BeEmpty())

		doc := stored(driver, "users", "doc")
		Expect(doc).To(HaveKeyWithValue("name", "v3"))
		Expect(doc.Version()).To(Equal(int64(4)))
	})

	It("drops the oldest item when the queue is full", func() {
		cfg.OfflineQueue.Size = 2
		repo := newRepository(driver, cfg, repository.Options{Monitor: monitor, Diagnostics: events.record})

		for _, id := range []string{"a", "b", "c"} {
			_, err := repo.Create(ctx, persistence.Document{"name": id}, repository.WithID(id))
			Expect(err).NotTo(HaveOccurred())
		}

		pending := repo.PendingOperations()
		Expect(pending).To(HaveLen(2))
		Expect(pending[0].Args.ID).To(Equal("b"))
		Expect(pending[1].Args.ID).To(Equal("c"))

		var dropped []diagnostics.Event
		for _, ev := range events.ofType(diagnostics.TypeOfflineQueue) {
			if ev.String(diagnostics.KeyAction) == diagnostics.ActionDropped {
				dropped = append(dropped, ev)
			}
		}

		Expect(dropped).To(HaveLen(1))
		Expect(dropped[0].ID).To(Equal("a"))
	})

	It("refuses operations that cannot be queued", func() {
		repo := newRepository(driver, cfg, repository.Options{Monitor: monitor})

		_, err := repo.FlushOfflineQueue(ctx)
		Expect(err).To(beKind(standarderrors.Unavailable))

		_, err = repo.RunAtomic(ctx, "alice", func(doc persistence.Document) (persistence.Document, error) {
			return doc, nil
		})
		Expect(err).To(beKind(standarderrors.Unavailable))
	})

	It("queues deletes without a placeholder", func() {
		repo := newRepository(driver, cfg, repository.Options{Monitor: monitor})

		Expect(repo.Delete(ctx, "alice")).To(Succeed())

		pending := repo.PendingOperations()
		Expect(pending).To(HaveLen(1))
		Expect(pending[0].Kind).To(Equal(offlinequeue.KindDelete))
	})

	It("restores a durable queue in a new repository", func() {
		cfg.OfflineQueue.Durable = true
		first := newRepository(driver, cfg, repository.Options{Monitor: monitor})

		_, err := first.Create(ctx, persistence.Document{"name": "Alice"}, repository.WithID("alice"))
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Close()).To(Succeed())

		reconnecting := offlinequeue.NewManual(false)
		second := newRepository(driver, cfg, repository.Options{Monitor: reconnecting})

		Expect(second.PendingOperations()).To(HaveLen(1))

		reconnecting.SetOnline(true)

		Eventually(func() bool { return exists("alice") }).Should(BeTrue())
		Eventually(second.PendingOperations).Should(BeEmpty())
	})
})
