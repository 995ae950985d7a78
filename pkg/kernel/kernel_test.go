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

package kernel_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docrepo/pkg/config"
	"github.com/united-manufacturing-hub/docrepo/pkg/kernel"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
	"github.com/united-manufacturing-hub/docrepo/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/docrepo/pkg/standarderrors"
)

func beKind(kind standarderrors.Kind) OmegaMatcher {
	return WithTransform(standarderrors.KindOf, Equal(kind))
}

func registration(driver persistence.Driver, collection string) kernel.RegisteredRepository {
	return kernel.RegisteredRepository{
		Driver: driver,
		Config: config.RepositoryConfig{
			Collection:  collection,
			BatchLoader: config.BatchLoaderConfig{Disabled: true},
		},
	}
}

var _ = Describe("Kernel", func() {
	var (
		ctx    context.Context
		driver *memory.InMemoryDriver
		k      *kernel.Kernel
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = memory.NewInMemoryDriver()
		k = kernel.New(zap.NewNop().Sugar())
		DeferCleanup(func() {
			Expect(k.Close()).To(Succeed())
		})
	})

	It("starts uninitialized and refuses lookups", func() {
		Expect(k.State()).To(Equal(kernel.StateUninitialized))

		_, err := k.Repository("users")
		Expect(err).To(beKind(standarderrors.FailedPrecondition))
	})

	It("builds and locks the registered repositories", func() {
		Expect(k.Initialize(ctx, []kernel.RegisteredRepository{
			registration(driver, "users"),
			registration(driver, "orders"),
		})).To(Succeed())

		Expect(k.State()).To(Equal(kernel.StateLocked))
		Expect(k.Names()).To(Equal([]string{"orders", "users"}))

		users, err := k.Repository("users")
		Expect(err).NotTo(HaveOccurred())

		created, err := users.Create(ctx, persistence.Document{"name": "Alice"})
		Expect(err).NotTo(HaveOccurred())

		stored, err := driver.Get(ctx, "users", created.ID())
		Expect(err).NotTo(HaveOccurred())
		Expect(stored["name"]).To(Equal("Alice"))
	})

	It("uses the explicit name over the collection", func() {
		reg := registration(driver, "users")
		reg.Name = "accounts"

		Expect(k.Initialize(ctx, []kernel.RegisteredRepository{reg})).To(Succeed())

		_, err := k.Repository("accounts")
		Expect(err).NotTo(HaveOccurred())

		_, err = k.Repository("users")
		Expect(err).To(beKind(standarderrors.NotFound))
	})

	It("initializes only once", func() {
		Expect(k.Initialize(ctx, []kernel.RegisteredRepository{registration(driver, "users")})).To(Succeed())

		err := k.Initialize(ctx, []kernel.RegisteredRepository{registration(driver, "orders")})
		Expect(err).To(beKind(standarderrors.FailedPrecondition))
		Expect(k.State()).To(Equal(kernel.StateLocked))
		Expect(k.Names()).To(Equal([]string{"users"}))
	})

	It("returns to uninitialized when a repository fails to build", func() {
		err := k.Initialize(ctx, []kernel.RegisteredRepository{
			registration(driver, "users"),
			registration(driver, "not-valid"),
		})
		Expect(err).To(beKind(standarderrors.InvalidArgument))
		Expect(k.State()).To(Equal(kernel.StateUninitialized))
		Expect(k.Names()).To(BeEmpty())

		Expect(k.Initialize(ctx, []kernel.RegisteredRepository{registration(driver, "users")})).To(Succeed())
		Expect(k.State()).To(Equal(kernel.StateLocked))
	})

	It("rejects duplicate names and missing drivers", func() {
		err := k.Initialize(ctx, []kernel.RegisteredRepository{
			registration(driver, "users"),
			registration(driver, "users"),
		})
		Expect(err).To(beKind(standarderrors.InvalidArgument))

		err = k.Initialize(ctx, []kernel.RegisteredRepository{registration(nil, "users")})
		Expect(err).To(beKind(standarderrors.InvalidArgument))
		Expect(k.State()).To(Equal(kernel.StateUninitialized))
	})

	It("stops on a cancelled context", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := k.Initialize(cancelled, []kernel.RegisteredRepository{registration(driver, "users")})
		Expect(err).To(beKind(standarderrors.Timeout))
		Expect(k.State()).To(Equal(kernel.StateUninitialized))
	})
})
