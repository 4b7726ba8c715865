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

package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"

	"github.com/panteparak/vault-credential-broker/internal/retry"
	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/auth"
	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
	"github.com/panteparak/vault-credential-broker/pkg/vault/token"
	"github.com/panteparak/vault-credential-broker/shared/events"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

const testTimeout = 5 * time.Second

type countingSource struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSource) Name() string { return "kubernetes" }

func (s *countingSource) ObtainProof(context.Context) (*auth.IdentityProof, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return auth.NewIdentityProof(auth.MethodKubernetes, "kubernetes", map[string]interface{}{"jwt": "sa-token"}), nil
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubAuthenticator issues one-hour sessions and can be told to fail.
// Token lookups consult the fetcher's revocation list.
type stubAuthenticator struct {
	clock   clock.Clock
	fetcher *fakeFetcher

	mu        sync.Mutex
	err       error
	logins    int
	revokes   int
	lastToken string
}

func (a *stubAuthenticator) Authenticate(_ context.Context, proof *auth.IdentityProof, role string) (*token.Session, error) {
	if _, err := proof.LoginData(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logins++
	if a.err != nil {
		return nil, a.err
	}
	now := a.clock.Now()
	a.lastToken = fmt.Sprintf("hvs.token-%d", a.logins)
	return &token.Session{
		ID:        fmt.Sprintf("session-%d", a.logins),
		Token:     a.lastToken,
		IssuedAt:  now,
		TTL:       time.Hour,
		Renewable: true,
		CreatedAt: now,
		Method:    proof.Method,
		Role:      role,
	}, nil
}

func (a *stubAuthenticator) Renew(_ context.Context, s *token.Session, _ time.Duration) (*token.Session, error) {
	renewed := s.Clone()
	renewed.IssuedAt = a.clock.Now()
	return renewed, nil
}

func (a *stubAuthenticator) Lookup(_ context.Context, s *token.Session) (*vault.TokenInfo, error) {
	return a.fetcher.lookupSelf(s.Token)
}

func (a *stubAuthenticator) Revoke(context.Context, *token.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revokes++
	return nil
}

func (a *stubAuthenticator) Forget(*token.Session) {}

func (a *stubAuthenticator) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *stubAuthenticator) stats() (logins, revokes int, lastToken string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins, a.revokes, a.lastToken
}

// fakeFetcher serves secrets from memory the way Vault would.
type fakeFetcher struct {
	mu      sync.Mutex
	static  map[string]map[string]string
	leased  map[string]time.Duration
	denied  map[string]bool
	revoked map[string]bool
	readErr error
	gate    chan struct{}
	reads   map[string]int
	issued  int
	started chan string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		static:  make(map[string]map[string]string),
		leased:  make(map[string]time.Duration),
		denied:  make(map[string]bool),
		revoked: make(map[string]bool),
		reads:   make(map[string]int),
		started: make(chan string, 64),
	}
}

func (f *fakeFetcher) Read(ctx context.Context, st vault.SessionToken, path string) (*vault.SecretData, error) {
	f.mu.Lock()
	f.reads[path]++
	gate := f.gate
	f.mu.Unlock()
	f.started <- path

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, sharederrors.NewBrokerUnreachableError("fetch", ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.revoked[st.Token], f.denied[path]:
		return nil, sharederrors.NewAuthRejectedError("", "", "permission denied", 403, nil)
	case f.readErr != nil:
		return nil, f.readErr
	}

	if lease, ok := f.leased[path]; ok {
		f.issued++
		return &vault.SecretData{
			Data:          map[string]string{"username": fmt.Sprintf("v-app-%d", f.issued), "password": "generated"},
			LeaseID:       fmt.Sprintf("%s/lease-%d", path, f.issued),
			LeaseDuration: lease,
			Renewable:     true,
		}, nil
	}
	if data, ok := f.static[path]; ok {
		out := make(map[string]string, len(data))
		for k, v := range data {
			out[k] = v
		}
		return &vault.SecretData{Data: out}, nil
	}
	return nil, sharederrors.NewSecretNotFoundError(path)
}

func (f *fakeFetcher) lookupSelf(tok string) (*vault.TokenInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked[tok] {
		return nil, sharederrors.NewAuthRejectedError("", "", "permission denied", 403, nil)
	}
	return &vault.TokenInfo{TTL: time.Hour, Renewable: true}, nil
}

func (f *fakeFetcher) set(path string, data map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.static[path] = data
}

func (f *fakeFetcher) update(fn func(f *fakeFetcher)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeFetcher) readCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[path]
}

type testEnv struct {
	clock   *testclock.Clock
	source  *countingSource
	auth    *stubAuthenticator
	fetcher *fakeFetcher
	mgr     *token.LeaseManager
	cache   *secret.Cache
	bus     *events.EventBus
	client  *Client
}

func newTestEnv(t *testing.T, cacheCfg secret.Config, opts Options) *testEnv {
	t.Helper()

	clk := testclock.NewClock(t0)
	bus := events.NewEventBus(logr.Discard())
	source := &countingSource{}
	fetcher := newFakeFetcher()
	authenticator := &stubAuthenticator{clock: clk, fetcher: fetcher}
	mgr := token.NewLeaseManager(source, authenticator, token.Config{
		Role: "app",
		Retry: retry.Config{
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			JitterFactor: -1,
			MaxAttempts:  5,
		},
	}, clk, bus, logr.Discard())

	cache, err := secret.NewCache(cacheCfg, clk, logr.Discard())
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}

	opts.Clock = clk
	opts.Events = bus
	client, err := NewClient(mgr, fetcher, cache, opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	return &testEnv{
		clock:   clk,
		source:  source,
		auth:    authenticator,
		fetcher: fetcher,
		mgr:     mgr,
		cache:   cache,
		bus:     bus,
		client:  client,
	}
}

func (e *testEnv) currentSessionID() string {
	return e.mgr.Status().SessionID
}
