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

package backoff_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/docrepo/pkg/backoff"
)

var _ = Describe("Error categories", func() {
	base := errors.New("boom")

	It("wraps and detects each category", func() {
		Expect(backoff.IsTransientError(backoff.NewTransientError(base))).To(BeTrue())
		Expect(backoff.IsPermanentError(backoff.NewPermanentError(base))).To(BeTrue())
		Expect(backoff.IsIgnoredError(backoff.NewIgnoredError(base))).To(BeTrue())
		Expect(backoff.IsTransientError(base)).To(BeFalse())
	})

	It("sees through fmt wrapping", func() {
		wrapped := fmt.Errorf("failed to write: %w", backoff.NewPermanentError(base))
		Expect(backoff.IsPermanentError(wrapped)).To(BeTrue())
		Expect(backoff.ExtractOriginalError(wrapped)).To(Equal(base))
	})
})

var _ = Describe("Policy", func() {
	transient := backoff.NewTransientError(errors.New("unavailable"))

	It("returns nil once the operation succeeds", func() {
		calls := 0
		p := backoff.NewPolicy(3, time.Millisecond, nil)

		err := p.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return transient
			}

			return nil
		}, nil)

		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(3))
	})

	It("gives up after the configured number of retries", func() {
		calls := 0
		var attempts []int
		p := backoff.NewPolicy(2, time.Millisecond, nil)

		err := p.Do(context.Background(), func() error {
			calls++

			return transient
		}, func(attempt int, _ error, _ time.Duration) {
			attempts = append(attempts, attempt)
		})

		Expect(err).To(MatchError(transient))
		Expect(calls).To(Equal(3))
		Expect(attempts).To(Equal([]int{1, 2}))
	})

	It("does not retry errors the classifier rejects", func() {
		calls := 0
		permanent := errors.New("validation")
		p := backoff.NewPolicy(5, time.Millisecond, func(err error) bool { return false })

		err := p.Do(context.Background(), func() error {
			calls++

			return permanent
		}, nil)

		Expect(err).To(Equal(permanent))
		Expect(calls).To(Equal(1))
	})

	It("never retries permanent errors", func() {
		calls := 0
		p := backoff.NewPolicy(5, time.Millisecond, func(error) bool { return true })

		err := p.Do(context.Background(), func() error {
			calls++

			return backoff.NewPermanentError(errors.New("denied"))
		}, nil)

		Expect(backoff.IsPermanentError(err)).To(BeTrue())
		Expect(calls).To(Equal(1))
	})

	It("stops when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		p := backoff.NewPolicy(100, 10*time.Millisecond, nil)

		err := p.Do(ctx, func() error {
			calls++
			if calls == 2 {
				cancel()
			}

			return transient
		}, nil)

		Expect(err).To(HaveOccurred())
		Expect(calls).To(BeNumerically("<", 100))
	})
})
