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

package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetries    = 3
	DefaultBackoff    = 100 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Notify is called before every retry with the attempt number (1 for the first
// retry), the error that caused it and the wait before the next attempt.
type Notify func(attempt int, err error, wait time.Duration)

// Policy wraps an operation in bounded exponential backoff.
//
// Only errors the Classifier accepts are retried, and errors categorised as
// permanent are never retried regardless of the Classifier. With Retries = 3 an
// operation runs at most four times.
type Policy struct {
	Classifier Classifier
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Jitter is the randomisation factor applied to each wait, 0 for none.
	Jitter float64
}

// NewPolicy builds a policy with exponential waits starting at backoff.
func NewPolicy(retries int, backoff time.Duration, classifier Classifier) Policy {
	return Policy{
		Retries:    retries,
		Backoff:    backoff,
		MaxBackoff: DefaultMaxBackoff,
		Classifier: classifier,
	}
}

func (p Policy) newBackOff(ctx context.Context) cbackoff.BackOff {
	exp := cbackoff.NewExponentialBackOff()
	exp.InitialInterval = p.Backoff
	exp.Multiplier = 2
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0

	if p.MaxBackoff > 0 {
		exp.MaxInterval = p.MaxBackoff
	}

	if p.Backoff <= 0 {
		exp.InitialInterval = time.Millisecond
	}

	retries := p.Retries
	if retries < 0 {
		retries = 0
	}

	return cbackoff.WithContext(cbackoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// retries or ctx ends. The last error from op is returned unchanged.
func (p Policy) Do(ctx context.Context, op func() error, notify Notify) error {
	classify := p.Classifier
	if classify == nil {
		classify = IsTransientError
	}

	attempt := 0

	operation := func() error {
		err := op()
		if err == nil {
			return nil
		}

		if IsPermanentError(err) || !classify(err) {
			return cbackoff.Permanent(err)
		}

		return err
	}

	onRetry := func(err error, wait time.Duration) {
		attempt++

		if notify != nil {
			notify(attempt, err, wait)
		}
	}

	return cbackoff.RetryNotify(operation, p.newBackOff(ctx), onRetry)
}
