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

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetSessionState(t *testing.T) {
	tests := []struct {
		name  string
		state string
	}{
		{name: "active", state: "Active"},
		{name: "renewing", state: "Renewing"},
		{name: "failed", state: "Failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetSessionState(tt.state)

			for _, s := range SessionStates {
				expected := 0.0
				if s == tt.state {
					expected = 1.0
				}
				value := testutil.ToFloat64(SessionStateGauge.WithLabelValues(s))
				if value != expected {
					t.Errorf("state %s gauge = %v, want %v", s, value, expected)
				}
			}
		})
	}
}

func TestIncrementAuthentication(t *testing.T) {
	tests := []struct {
		name   string
		method string
		result string
	}{
		{name: "success", method: "kubernetes", result: ResultSuccess},
		{name: "rejected", method: "aws", result: ResultRejected},
		{name: "failure", method: "gcp", result: ResultFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := AuthenticationsTotal.WithLabelValues(tt.method, tt.result)
			initialValue := testutil.ToFloat64(counter)

			IncrementAuthentication(tt.method, tt.result)

			newValue := testutil.ToFloat64(counter)
			if newValue != initialValue+1 {
				t.Errorf("IncrementAuthentication() = %v, want %v", newValue, initialValue+1)
			}
		})
	}
}

func TestIncrementRenewal(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		label   string
	}{
		{name: "successful renewal", success: true, label: ResultSuccess},
		{name: "failed renewal", success: false, label: ResultFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := RenewalsTotal.WithLabelValues(tt.label)
			initialValue := testutil.ToFloat64(counter)

			IncrementRenewal(tt.success)

			if got := testutil.ToFloat64(counter); got != initialValue+1 {
				t.Errorf("IncrementRenewal() = %v, want %v", got, initialValue+1)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	t.Run("expirations", func(t *testing.T) {
		before := testutil.ToFloat64(SessionExpirationsTotal)
		IncrementSessionExpiration()
		if got := testutil.ToFloat64(SessionExpirationsTotal); got != before+1 {
			t.Errorf("got %v, want %v", got, before+1)
		}
	})

	t.Run("proof failures", func(t *testing.T) {
		counter := ProofFailuresTotal.WithLabelValues("oci")
		before := testutil.ToFloat64(counter)
		IncrementProofFailure("oci")
		if got := testutil.ToFloat64(counter); got != before+1 {
			t.Errorf("got %v, want %v", got, before+1)
		}
	})

	t.Run("cache lookups", func(t *testing.T) {
		counter := CacheLookupsTotal.WithLabelValues(CacheStale)
		before := testutil.ToFloat64(counter)
		IncrementCacheLookup(CacheStale)
		if got := testutil.ToFloat64(counter); got != before+1 {
			t.Errorf("got %v, want %v", got, before+1)
		}
	})

	t.Run("stale serves and rotations", func(t *testing.T) {
		staleBefore := testutil.ToFloat64(StaleServesTotal)
		rotBefore := testutil.ToFloat64(RotationsTotal)
		IncrementStaleServe()
		IncrementRotation()
		if got := testutil.ToFloat64(StaleServesTotal); got != staleBefore+1 {
			t.Errorf("stale serves = %v, want %v", got, staleBefore+1)
		}
		if got := testutil.ToFloat64(RotationsTotal); got != rotBefore+1 {
			t.Errorf("rotations = %v, want %v", got, rotBefore+1)
		}
	})
}

func TestGauges(t *testing.T) {
	SetCacheEntries(7)
	if got := testutil.ToFloat64(CacheEntriesGauge); got != 7 {
		t.Errorf("cache entries = %v, want 7", got)
	}

	SetSessionExpiresAt(1767225600)
	if got := testutil.ToFloat64(SessionExpiresAtGauge); got != 1767225600 {
		t.Errorf("expires at = %v, want 1767225600", got)
	}
}

func TestMetricsRegistered(t *testing.T) {
	IncrementSecretFetch(ResultNotFound)

	families, err := Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), namespace+"_secret_fetches_total") {
			found = true
		}
	}
	if !found {
		t.Error("expected secret fetch counter to be registered")
	}
}
