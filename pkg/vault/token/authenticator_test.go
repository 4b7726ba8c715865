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

package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/juju/clock/testclock"

	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/auth"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// fakeVault serves the token endpoints the authenticator uses.
type fakeVault struct {
	mu          sync.Mutex
	loginStatus int
	loginBody   map[string]interface{}
	loginPath   string
	renewStatus int
	renewTTL    int
	revoked     bool
}

func (f *fakeVault) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	authBlock := func(ttl int) map[string]interface{} {
		return map[string]interface{}{
			"auth": map[string]interface{}{
				"client_token":   "hvs.session",
				"accessor":       "acc-1",
				"policies":       []string{"default", "app"},
				"token_policies": []string{"default", "app"},
				"lease_duration": ttl,
				"renewable":      true,
			},
		}
	}

	login := func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.loginPath = r.URL.Path
		if r.Header.Get("X-Vault-Token") != "" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{"login must be anonymous"}})
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&f.loginBody)
		if f.loginStatus != 0 {
			writeJSON(w, f.loginStatus, map[string]interface{}{"errors": []string{"permission denied"}})
			return
		}
		writeJSON(w, http.StatusOK, authBlock(3600))
	}
	mux.HandleFunc("/v1/auth/kubernetes/login", login)
	mux.HandleFunc("/v1/auth/oci/login/payments", login)

	mux.HandleFunc("/v1/auth/token/renew-self", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "hvs.session" {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"errors": []string{"permission denied"}})
			return
		}
		if f.renewStatus != 0 {
			writeJSON(w, f.renewStatus, map[string]interface{}{"errors": []string{"unavailable"}})
			return
		}
		writeJSON(w, http.StatusOK, authBlock(f.renewTTL))
	})
	mux.HandleFunc("/v1/auth/token/lookup-self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"accessor":  "acc-1",
				"policies":  []string{"default", "app"},
				"ttl":       1800,
				"renewable": true,
			},
		})
	})
	mux.HandleFunc("/v1/auth/token/revoke-self", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.revoked = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// recorded returns what the fake saw; requests are serialised by the test.
func (f *fakeVault) recorded() (loginPath string, loginBody map[string]interface{}, revoked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginPath, f.loginBody, f.revoked
}

func newTestAuthenticator(t *testing.T, fv *fakeVault, mountPath string) (*VaultAuthenticator, *testclock.Clock) {
	t.Helper()
	server := httptest.NewServer(fv.handler(t))
	t.Cleanup(server.Close)

	client, err := vault.NewClient(vault.ClientConfig{Address: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	clk := testclock.NewClock(t0)
	return NewVaultAuthenticator(client, mountPath, clk, logr.Discard()), clk
}

func kubernetesProof() *auth.IdentityProof {
	return auth.NewIdentityProof(auth.MethodKubernetes, "kubernetes", map[string]interface{}{"jwt": "sa-token"})
}

func TestVaultAuthenticator_LoginPath(t *testing.T) {
	tests := []struct {
		name     string
		mount    string
		method   auth.Method
		role     string
		expected string
	}{
		{name: "default mount", method: auth.MethodKubernetes, role: "app", expected: "auth/kubernetes/login"},
		{name: "custom mount", mount: "/k8s-prod/", method: auth.MethodKubernetes, role: "app", expected: "auth/k8s-prod/login"},
		{name: "oci carries the role", method: auth.MethodOCI, role: "payments", expected: "auth/oci/login/payments"},
		{name: "aws", method: auth.MethodAWS, role: "app", expected: "auth/aws/login"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewVaultAuthenticator(nil, tt.mount, nil, logr.Discard())
			if got := a.LoginPath(tt.method, tt.role); got != tt.expected {
				t.Errorf("LoginPath() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestVaultAuthenticator_Authenticate(t *testing.T) {
	fv := &fakeVault{}
	a, _ := newTestAuthenticator(t, fv, "")

	proof := kubernetesProof()
	session, err := a.Authenticate(context.Background(), proof, "app")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	_, body, _ := fv.recorded()
	if body["role"] != "app" || body["jwt"] != "sa-token" {
		t.Errorf("login body = %v", body)
	}
	if !proof.Consumed() {
		t.Error("proof should be consumed by login")
	}

	if session.ID == "" {
		t.Error("session should get an ID")
	}
	if session.Token != "hvs.session" || session.Accessor != "acc-1" {
		t.Errorf("session = %s", session)
	}
	if session.TTL != time.Hour || !session.Renewable {
		t.Errorf("TTL = %v renewable = %v", session.TTL, session.Renewable)
	}
	if !session.IssuedAt.Equal(t0) || !session.CreatedAt.Equal(t0) {
		t.Errorf("IssuedAt = %v CreatedAt = %v", session.IssuedAt, session.CreatedAt)
	}
	if session.Method != auth.MethodKubernetes || session.Role != "app" {
		t.Errorf("Method = %q Role = %q", session.Method, session.Role)
	}
	if len(session.Policies) != 2 {
		t.Errorf("Policies = %v", session.Policies)
	}
}

func TestVaultAuthenticator_AuthenticateOCI(t *testing.T) {
	fv := &fakeVault{}
	a, _ := newTestAuthenticator(t, fv, "")

	proof := auth.NewIdentityProof(auth.MethodOCI, "oci", map[string]interface{}{
		"request_headers": map[string][]string{"date": {"now"}},
	})
	if _, err := a.Authenticate(context.Background(), proof, "payments"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	path, body, _ := fv.recorded()
	if path != "/v1/auth/oci/login/payments" {
		t.Errorf("login path = %q", path)
	}
	if _, ok := body["role"]; ok {
		t.Error("OCI login should not post the role in the body")
	}
}

func TestVaultAuthenticator_AuthenticateErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		checkFn func(error) bool
	}{
		{name: "forbidden", status: http.StatusForbidden, checkFn: sharederrors.IsAuthRejected},
		{name: "bad request", status: http.StatusBadRequest, checkFn: sharederrors.IsAuthRejected},
		{name: "sealed", status: http.StatusServiceUnavailable, checkFn: sharederrors.IsBrokerUnreachable},
		{name: "rate limited", status: http.StatusTooManyRequests, checkFn: sharederrors.IsBrokerUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAuthenticator(t, &fakeVault{loginStatus: tt.status}, "")
			_, err := a.Authenticate(context.Background(), kubernetesProof(), "app")
			if !tt.checkFn(err) {
				t.Errorf("Authenticate() error = %v", err)
			}
		})
	}
}

func TestVaultAuthenticator_RejectionNamesIdentity(t *testing.T) {
	a, _ := newTestAuthenticator(t, &fakeVault{loginStatus: http.StatusForbidden}, "")

	_, err := a.Authenticate(context.Background(), kubernetesProof(), "app")
	var rejected *sharederrors.AuthRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want AuthRejectedError", err)
	}
	if rejected.Method != "kubernetes" || rejected.Role != "app" || rejected.StatusCode != http.StatusForbidden {
		t.Errorf("rejected = %+v", rejected)
	}
}

func TestVaultAuthenticator_ConsumedProof(t *testing.T) {
	a, _ := newTestAuthenticator(t, &fakeVault{}, "")
	proof := kubernetesProof()
	_, _ = proof.LoginData()

	if _, err := a.Authenticate(context.Background(), proof, "app"); !sharederrors.IsProofUnavailable(err) {
		t.Errorf("error = %v, want ProofUnavailableError", err)
	}
}

func TestVaultAuthenticator_Renew(t *testing.T) {
	fv := &fakeVault{renewTTL: 1800}
	a, clk := newTestAuthenticator(t, fv, "")

	session, err := a.Authenticate(context.Background(), kubernetesProof(), "app")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	clk.Advance(20 * time.Minute)
	renewed, err := a.Renew(context.Background(), session, 0)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if renewed.ID != session.ID {
		t.Error("renewal should keep the session ID")
	}
	if !renewed.IssuedAt.Equal(t0.Add(20*time.Minute)) || renewed.TTL != 30*time.Minute {
		t.Errorf("IssuedAt = %v TTL = %v", renewed.IssuedAt, renewed.TTL)
	}
	if renewed.RenewalCount != 1 || !renewed.CreatedAt.Equal(t0) {
		t.Errorf("RenewalCount = %d CreatedAt = %v", renewed.RenewalCount, renewed.CreatedAt)
	}
	if session.RenewalCount != 0 {
		t.Error("Renew should not modify its input")
	}
}

func TestVaultAuthenticator_RenewErrors(t *testing.T) {
	fv := &fakeVault{renewStatus: http.StatusServiceUnavailable}
	a, _ := newTestAuthenticator(t, fv, "")

	session, err := a.Authenticate(context.Background(), kubernetesProof(), "app")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if _, err := a.Renew(context.Background(), session, 0); !sharederrors.IsBrokerUnreachable(err) {
		t.Errorf("Renew() error = %v, want BrokerUnreachableError", err)
	}

	revoked := session.Clone()
	revoked.ID = "other"
	revoked.Token = "hvs.revoked"
	if _, err := a.Renew(context.Background(), revoked, 0); !sharederrors.IsAuthRejected(err) {
		t.Errorf("Renew() with a revoked token error = %v, want AuthRejectedError", err)
	}
}

func TestVaultAuthenticator_LookupAndRevoke(t *testing.T) {
	fv := &fakeVault{}
	a, _ := newTestAuthenticator(t, fv, "")

	session, err := a.Authenticate(context.Background(), kubernetesProof(), "app")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	info, err := a.Lookup(context.Background(), session)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if info.Accessor != "acc-1" || info.TTL != 30*time.Minute {
		t.Errorf("info = %+v", info)
	}

	if err := a.Revoke(context.Background(), session); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, _, revoked := fv.recorded(); !revoked {
		t.Error("revoke-self was not called")
	}
	if n := a.client.SessionCount(); n != 0 {
		t.Errorf("SessionCount() = %d after revoke, want 0", n)
	}
}
