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

// Package metrics provides Prometheus metrics for the credential broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const namespace = "vault_credential_broker"

// Result labels for metrics.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	ResultNotFound = "not_found"
)

// Cache lookup outcomes.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// SessionStates lists every lease manager state so the state gauge can be
// kept one-hot.
var SessionStates = []string{"NoSession", "Active", "Renewing", "Expired", "Failed"}

var (
	// SessionStateGauge tracks the current lease manager state.
	// The gauge for the current state is 1, all others are 0.
	SessionStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	// SessionExpiresAtGauge tracks when the current session expires, as a unix timestamp.
	SessionExpiresAtGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "expires_at_seconds",
			Help:      "Unix time at which the current session expires, 0 without a session",
		},
	)

	// AuthenticationsTotal counts login attempts.
	AuthenticationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "authentications_total",
			Help:      "Total number of authentication attempts",
		},
		[]string{"method", "result"},
	)

	// RenewalsTotal counts renewal attempts.
	RenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "renewals_total",
			Help:      "Total number of session renewal attempts",
		},
		[]string{"result"},
	)

	// SessionExpirationsTotal counts sessions that expired without renewal.
	SessionExpirationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "expirations_total",
			Help:      "Total number of sessions that reached expiry without renewal",
		},
	)

	// ProofFailuresTotal counts identity proof failures by source.
	ProofFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "proof_failures_total",
			Help:      "Total number of failures obtaining an identity proof",
		},
		[]string{"source"},
	)

	// SecretFetchesTotal counts reads against the broker.
	SecretFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secret",
			Name:      "fetches_total",
			Help:      "Total number of secret reads against the broker",
		},
		[]string{"result"},
	)

	// CacheLookupsTotal counts cache lookups by outcome.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of secret cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// CacheEntriesGauge tracks the number of cached secrets.
	CacheEntriesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of secrets currently held in the cache",
		},
	)

	// StaleServesTotal counts last-known-good values returned to callers.
	StaleServesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secret",
			Name:      "stale_serves_total",
			Help:      "Total number of stale secret values served inside the grace window",
		},
	)

	// RotationsTotal counts detected secret rotations.
	RotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secret",
			Name:      "rotations_total",
			Help:      "Total number of secret content changes delivered to subscribers",
		},
	)
)

func init() {
	// Register all metrics with the controller-runtime metrics registry
	metrics.Registry.MustRegister(
		SessionStateGauge,
		SessionExpiresAtGauge,
		AuthenticationsTotal,
		RenewalsTotal,
		SessionExpirationsTotal,
		ProofFailuresTotal,
		SecretFetchesTotal,
		CacheLookupsTotal,
		CacheEntriesGauge,
		StaleServesTotal,
		RotationsTotal,
	)
}

// Gatherer returns the registry the broker metrics are registered on.
func Gatherer() prometheus.Gatherer {
	return metrics.Registry
}

// SetSessionState marks state as current and clears all other states.
func SetSessionState(state string) {
	for _, s := range SessionStates {
		val := 0.0
		if s == state {
			val = 1.0
		}
		SessionStateGauge.WithLabelValues(s).Set(val)
	}
}

// SetSessionExpiresAt records the expiry of the current session as unix seconds.
func SetSessionExpiresAt(unixSeconds int64) {
	SessionExpiresAtGauge.Set(float64(unixSeconds))
}

// IncrementAuthentication increments the authentication counter.
func IncrementAuthentication(method, result string) {
	AuthenticationsTotal.WithLabelValues(method, result).Inc()
}

// IncrementRenewal increments the renewal counter.
func IncrementRenewal(success bool) {
	result := ResultFailure
	if success {
		result = ResultSuccess
	}
	RenewalsTotal.WithLabelValues(result).Inc()
}

// IncrementSessionExpiration increments the expiration counter.
func IncrementSessionExpiration() {
	SessionExpirationsTotal.Inc()
}

// IncrementProofFailure increments the proof failure counter for a source.
func IncrementProofFailure(source string) {
	ProofFailuresTotal.WithLabelValues(source).Inc()
}

// IncrementSecretFetch increments the secret fetch counter.
func IncrementSecretFetch(result string) {
	SecretFetchesTotal.WithLabelValues(result).Inc()
}

// IncrementCacheLookup increments the cache lookup counter.
func IncrementCacheLookup(outcome string) {
	CacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// SetCacheEntries sets the number of cached secrets.
func SetCacheEntries(count int) {
	CacheEntriesGauge.Set(float64(count))
}

// IncrementStaleServe increments the stale serve counter.
func IncrementStaleServe() {
	StaleServesTotal.Inc()
}

// IncrementRotation increments the rotation counter.
func IncrementRotation() {
	RotationsTotal.Inc()
}
