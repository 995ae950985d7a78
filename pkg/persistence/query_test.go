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

package persistence_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

var _ = Describe("Query", func() {
	Describe("NewQuery", func() {
		It("should create an empty query with nil fields and zero counts", func() {
			query := persistence.NewQuery()

			Expect(query.Filters).To(BeNil())
			Expect(query.SortBy).To(BeNil())
			Expect(query.StartAfter).To(BeNil())
			Expect(query.LimitCount).To(Equal(0))
			Expect(query.SkipCount).To(Equal(0))
		})
	})

	DescribeTable("operator spelling",
		func(operator persistence.Operator, expected string) {
			Expect(string(operator)).To(Equal(expected))
		},
		Entry("Equal", persistence.Eq, "$eq"),
		Entry("NotEqual", persistence.Ne, "$ne"),
		Entry("GreaterThan", persistence.Gt, "$gt"),
		Entry("GreaterThanOrEqual", persistence.Gte, "$gte"),
		Entry("LessThan", persistence.Lt, "$lt"),
		Entry("LessThanOrEqual", persistence.Lte, "$lte"),
		Entry("In", persistence.In, "$in"),
		Entry("NotIn", persistence.Nin, "$nin"),
		Entry("ArrayContains", persistence.ArrayContains, "$contains"),
		Entry("Exists", persistence.Exists, "$exists"),
	)

	It("should chain filters, sorts and the keyset cursor", func() {
		query := persistence.NewQuery().
			Filter("status", persistence.Eq, "active").
			Sort("priority", persistence.Desc).
			Filter("age", persistence.Gt, 18).
			Sort("createdAt", persistence.Asc).
			After(3, "2025-01-01T00:00:00Z", "doc-7").
			Limit(25)

		Expect(query.Filters).To(HaveLen(2))
		Expect(query.SortBy).To(HaveLen(2))
		Expect(query.SortBy[0].Field).To(Equal("priority"))
		Expect(query.StartAfter).To(HaveLen(3))
		Expect(query.LimitCount).To(Equal(25))
	})

	It("should treat negative limit and skip as 0", func() {
		query := persistence.NewQuery().Limit(-5).Skip(-10)

		Expect(query.LimitCount).To(Equal(0))
		Expect(query.SkipCount).To(Equal(0))
	})

	Describe("EffectiveLimit", func() {
		It("should fall back to the default max when no limit is set", func() {
			Expect(persistence.NewQuery().EffectiveLimit()).To(Equal(persistence.DefaultMaxFindLimit))
		})

		It("should cap the limit at MaxFindLimit", func() {
			query := persistence.NewQuery().Limit(500).WithMaxFindLimit(100)
			Expect(query.EffectiveLimit()).To(Equal(100))
		})

		It("should keep a limit under the cap", func() {
			Expect(persistence.NewQuery().Limit(7).EffectiveLimit()).To(Equal(7))
		})
	})

	It("should clone without aliasing slices", func() {
		original := persistence.NewQuery().Filter("a", persistence.Eq, 1)
		clone := original.Clone()
		clone.Filters = append(clone.Filters, persistence.FilterCondition{Field: "b"})
		clone.Filters[0].Field = "changed"

		Expect(original.Filters).To(HaveLen(1))
		Expect(original.Filters[0].Field).To(Equal("a"))
	})
})
