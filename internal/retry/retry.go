/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retry computes bounded, jittered exponential backoff for broker
// re-authentication and renewal attempts.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

const (
	// InitialRetryDelay is the initial delay before the first retry
	InitialRetryDelay = 1 * time.Second

	// MaxRetryDelay is the maximum delay between retries
	MaxRetryDelay = 30 * time.Second

	// BackoffMultiplier is the factor by which the delay increases
	BackoffMultiplier = 2.0

	// JitterFactor is the maximum random jitter as a fraction of the delay
	JitterFactor = 0.2

	// MaxRetryAttempts is the attempt ceiling before a session is marked Failed
	MaxRetryAttempts = 5

	// MinRetryAttempts guarantees at least one retry after a transient failure
	MinRetryAttempts = 2
)

// Config holds configuration for retry behavior
type Config struct {
	// InitialDelay is the initial delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64

	// JitterFactor is the maximum random jitter as a fraction of the delay
	JitterFactor float64

	// MaxAttempts is the number of failed attempts tolerated before giving up.
	// Values below MinRetryAttempts are raised to it; an unbounded retry loop
	// is never allowed.
	MaxAttempts int
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		InitialDelay: InitialRetryDelay,
		MaxDelay:     MaxRetryDelay,
		Multiplier:   BackoffMultiplier,
		JitterFactor: JitterFactor,
		MaxAttempts:  MaxRetryAttempts,
	}
}

// WithDefaults returns a copy of Config with zero fields filled in.
// A negative JitterFactor disables jitter.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = d.JitterFactor
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxAttempts < MinRetryAttempts {
		c.MaxAttempts = MinRetryAttempts
	}
	return c
}

// CalculateBackoff calculates the backoff duration for a given retry count
func (c Config) CalculateBackoff(retryCount int) time.Duration {
	b := c.exponential()
	delay := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	// NextBackOff may add up to a nanosecond even without jitter
	delay = delay.Truncate(time.Microsecond)

	// Jitter never pulls a delay below the initial delay
	if delay < c.InitialDelay {
		delay = c.InitialDelay
	}
	return delay
}

// exponential maps Config onto a fresh ExponentialBackOff that never stops
// on elapsed time; the attempt ceiling is enforced by Decide.
func (c Config) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.JitterFactor
	if b.RandomizationFactor < 0 {
		b.RandomizationFactor = 0
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Decision represents the outcome of a retry decision
type Decision struct {
	// Retry indicates whether another attempt should be scheduled
	Retry bool

	// After is the duration to wait before the next attempt
	After time.Duration

	// Attempts is the updated count of failed attempts
	Attempts int

	// GiveUp indicates the caller should stop retrying and escalate
	GiveUp bool
}

// Decide determines whether and when to retry after a failed attempt.
// failedAttempts is the number of failures seen before this one.
func Decide(err error, failedAttempts int, config Config) Decision {
	if err == nil {
		return Decision{}
	}

	attempts := failedAttempts + 1

	if !sharederrors.IsRetryable(err) {
		return Decision{
			Attempts: attempts,
			GiveUp:   true,
		}
	}

	limit := config.MaxAttempts
	if limit < MinRetryAttempts {
		limit = MinRetryAttempts
	}
	if attempts >= limit {
		return Decision{
			Attempts: attempts,
			GiveUp:   true,
		}
	}

	return Decision{
		Retry:    true,
		After:    config.CalculateBackoff(failedAttempts),
		Attempts: attempts,
	}
}
