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
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
	"github.com/panteparak/vault-credential-broker/pkg/vault/token"
)

// DefaultFetchTimeout bounds a single secret read including session setup.
const DefaultFetchTimeout = 30 * time.Second

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("broker client is closed")

// SessionManager is the part of token.LeaseManager the client uses.
type SessionManager interface {
	EnsureSession(ctx context.Context) (*token.Session, error)
	Invalidate(sessionID, reason string) bool
	Lookup(ctx context.Context, session *token.Session) (*vault.TokenInfo, error)
	OnInvalidate(fn token.InvalidateFunc)
	Start(ctx context.Context) error
	Logout(ctx context.Context) error
	Status() token.SessionStatus
}

// Fetcher reads secrets with a session token. *vault.Client implements it.
type Fetcher interface {
	Read(ctx context.Context, st vault.SessionToken, path string) (*vault.SecretData, error)
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	// RefreshSchedule re-fetches subscribed paths, e.g. "@every 5m".
	// Empty disables background refresh.
	RefreshSchedule string
	// FetchTimeout bounds a read started on behalf of callers
	FetchTimeout time.Duration
	// SubscriptionBuffer is the per-subscription channel capacity
	SubscriptionBuffer int
	Events           token.EventPublisher
	Tracer           trace.Tracer
	Clock            clock.Clock
	Log              logr.Logger
}

// Result is a secret returned to a caller.
type Result struct {
	Path string
	// Data holds the secret fields and is the caller's copy
	Data          map[string]string
	Version       int64
	BrokerVersion int64
	FetchedAt     time.Time
	LeaseDuration time.Duration
	Class         secret.Class
	// Cached is true when the value came from the cache without a read
	Cached bool
	// Stale is true when the value was served after its session was lost
	Stale bool
	// Warning explains a stale serve
	Warning string
}

func resultFrom(e secret.Entry, cached bool) *Result {
	e = e.Clone()
	return &Result{
		Path:          e.Path,
		Data:          e.Data,
		Version:       e.Version,
		BrokerVersion: e.BrokerVersion,
		FetchedAt:     e.FetchedAt,
		LeaseDuration: e.LeaseDuration,
		Class:         e.Class,
		Cached:        cached,
	}
}

func (r *Result) clone() *Result {
	out := *r
	if r.Data != nil {
		out.Data = make(map[string]string, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	return &out
}

// String never includes Data.
func (r *Result) String() string {
	return fmt.Sprintf("Result{path=%s, version=%d, cached=%t, stale=%t}", r.Path, r.Version, r.Cached, r.Stale)
}

// Status is a snapshot of the client for status output.
type Status struct {
	Session       token.SessionStatus
	CachedPaths   []string
	Subscriptions map[string]int
}
