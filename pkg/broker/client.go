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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/panteparak/vault-credential-broker/pkg/logger"
	"github.com/panteparak/vault-credential-broker/pkg/metrics"
	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
	"github.com/panteparak/vault-credential-broker/pkg/vault/token"
	"github.com/panteparak/vault-credential-broker/shared/events"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

const tracerName = "github.com/panteparak/vault-credential-broker/pkg/broker"

// Client serves secrets to application code.
//
// Get answers from the cache when it can and otherwise makes sure a session
// exists, reads the path from Vault and caches the result. Reads of the same
// path are deduplicated. A lost session invalidates the entries read with
// it: dynamic entries are dropped, static entries may be served stale for
// the grace window to callers that ask for it.
//
// # Usage
//
//	client, err := broker.NewClient(leaseManager, vaultClient, cache, broker.Options{Log: log})
//	go client.Start(ctx)
//	defer client.Close(context.Background())
//
//	res, err := client.Get(ctx, "database/creds/app", secret.Freshness{})
type Client struct {
	sessions SessionManager
	fetcher  Fetcher
	cache    *secret.Cache
	events   token.EventPublisher
	tracer   trace.Tracer
	clock    clock.Clock
	log      logr.Logger

	fetchTimeout time.Duration
	schedule     string

	group singleflight.Group
	cron  *cron.Cron
	ps    *pubsub.PubSub

	closed atomic.Bool

	mu      sync.Mutex
	baseCtx context.Context

	// psMu is held shared around every pubsub call and exclusively around
	// Shutdown, after which the pubsub loop no longer accepts commands.
	psMu     sync.RWMutex
	shutdown bool

	subsMu sync.Mutex
	subs   map[string]int

	wg sync.WaitGroup
}

// NewClient wires a client and registers cache invalidation with sessions.
func NewClient(sessions SessionManager, fetcher Fetcher, cache *secret.Cache, opts Options) (*Client, error) {
	if sessions == nil || fetcher == nil || cache == nil {
		return nil, sharederrors.NewValidationError("", "", "session manager, fetcher and cache are required")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	buffer := opts.SubscriptionBuffer
	if buffer <= 0 {
		buffer = 16
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("broker")

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if opts.RefreshSchedule != "" {
		if _, err := parser.Parse(opts.RefreshSchedule); err != nil {
			return nil, sharederrors.NewValidationError("refresh_schedule", opts.RefreshSchedule, err.Error())
		}
	}

	c := &Client{
		sessions:     sessions,
		fetcher:      fetcher,
		cache:        cache,
		events:       opts.Events,
		tracer:       tracer,
		clock:        clk,
		log:          log,
		fetchTimeout: fetchTimeout,
		schedule:     opts.RefreshSchedule,
		cron:         cron.New(cron.WithParser(parser), cron.WithLogger(log.WithName("refresher"))),
		ps:           pubsub.New(buffer),
		subs:         make(map[string]int),
		baseCtx:      context.Background(),
	}

	sessions.OnInvalidate(func(sessionID, reason string) {
		n := cache.Invalidate(sessionID)
		c.log.V(1).Info("session dropped, cache invalidated",
			logger.KeySession, sessionID, "reason", reason, "entries", n)
	})
	return c, nil
}

// Start runs the session renewal loop and the refresher until ctx is done.
// Implements manager.Runnable interface.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.baseCtx = ctx
	if c.schedule != "" {
		if _, err := c.cron.AddFunc(c.schedule, func() { _ = c.Refresh(ctx) }); err != nil {
			c.mu.Unlock()
			return sharederrors.NewValidationError("refresh_schedule", c.schedule, err.Error())
		}
		c.cron.Start()
		c.log.Info("rotation refresher started", "schedule", c.schedule)
	}
	c.mu.Unlock()

	return c.sessions.Start(ctx)
}

// Get returns the secret at path under the caller's freshness requirement.
// It fails with NoValidSessionError, SecretNotFoundError,
// BrokerUnreachableError, AuthRejectedError or StaleDeniedError.
func (c *Client) Get(ctx context.Context, path string, f secret.Freshness) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "broker.Get", trace.WithAttributes(
		attribute.String("vault.path", path),
		attribute.Bool("freshness.allow_stale", f.AllowStale),
		attribute.Int64("freshness.min_version", f.MinVersion),
		attribute.Bool("freshness.force_refresh", f.ForceRefresh),
	))
	defer span.End()

	res, err := c.get(ctx, path, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("secret.version", res.Version),
		attribute.Bool("secret.cached", res.Cached),
		attribute.Bool("secret.stale", res.Stale),
	)
	return res, nil
}

func (c *Client) get(ctx context.Context, path string, f secret.Freshness) (*Result, error) {
	if path == "" {
		return nil, sharederrors.NewValidationError("path", "", "must not be empty")
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	cached, lookup := c.cache.Get(path, f)
	if lookup == secret.LookupHit {
		return resultFrom(cached, true), nil
	}

	entry, err := c.fetchShared(ctx, path)
	if err == nil {
		if f.MinVersion > entry.Version {
			return nil, &sharederrors.SecretNotFoundError{Path: path, MinVersion: f.MinVersion}
		}
		return resultFrom(entry, false), nil
	}

	if lookup == secret.LookupStale && (sharederrors.IsBrokerUnreachable(err) || sharederrors.IsNoValidSession(err)) {
		return c.serveStale(ctx, cached, f, err)
	}
	return nil, err
}

func (c *Client) serveStale(ctx context.Context, e secret.Entry, f secret.Freshness, cause error) (*Result, error) {
	staleBy := c.clock.Now().Sub(e.InvalidatedAt)
	if !f.AllowStale {
		return nil, sharederrors.NewStaleDeniedError(e.Path, staleBy, cause)
	}

	metrics.IncrementStaleServe()
	c.log.Info("serving stale secret",
		logger.KeyVaultPath, e.Path,
		logger.KeyVersion, e.Version,
		"staleBy", staleBy,
		logger.KeyError, cause.Error(),
	)
	c.publish(ctx, events.NewSecretServedStale(c.clock.Now(), e.Path, e.Version, staleBy, cause.Error()))

	res := resultFrom(e, true)
	res.Stale = true
	res.Warning = fmt.Sprintf("served stale: session lost %s ago (%v)", staleBy.Round(time.Millisecond), cause)
	return res, nil
}

// fetchShared joins or starts the read of path. The read is bounded by the
// client's context and FetchTimeout; ctx only bounds the wait.
func (c *Client) fetchShared(ctx context.Context, path string) (secret.Entry, error) {
	c.mu.Lock()
	base := c.baseCtx
	c.mu.Unlock()

	parent := trace.SpanFromContext(ctx)
	ch := c.group.DoChan(path, func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(trace.ContextWithSpan(base, parent), c.fetchTimeout)
		defer cancel()
		return c.fetch(opCtx, path)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return secret.Entry{}, res.Err
		}
		return res.Val.(secret.Entry).Clone(), nil
	case <-ctx.Done():
		return secret.Entry{}, sharederrors.NewBrokerUnreachableError(logger.OpFetch, ctx.Err())
	}
}

// fetch reads path once, or twice if the first read shows the session token
// was revoked behind the lease manager's back.
func (c *Client) fetch(ctx context.Context, path string) (secret.Entry, error) {
	log := c.log.WithValues(logger.KeyVaultPath, path)

	for attempt := 0; ; attempt++ {
		session, err := c.ensureSession(ctx)
		if err != nil {
			metrics.IncrementSecretFetch(metrics.ResultFailure)
			return secret.Entry{}, err
		}

		start := c.clock.Now()
		data, err := c.read(ctx, session, path)
		if err == nil {
			entry := c.cache.Put(path, secret.NewEntry(path, data, session.ID, c.clock.Now()))
			metrics.IncrementSecretFetch(metrics.ResultSuccess)
			log.V(1).Info("secret fetched",
				logger.KeyVersion, entry.Version,
				logger.KeySession, session.ID,
				logger.KeyDuration, c.clock.Now().Sub(start),
			)
			if entry.Changed {
				c.notify(ctx, entry)
			}
			return entry, nil
		}

		if attempt == 0 && vault.IsPermissionDenied(err) {
			revoked, lookupErr := c.tokenRevoked(ctx, session)
			if lookupErr != nil {
				metrics.IncrementSecretFetch(metrics.ResultFailure)
				return secret.Entry{}, lookupErr
			}
			if revoked {
				log.Info("session token revoked, re-authenticating", logger.KeySession, session.ID)
				c.sessions.Invalidate(session.ID, token.ReasonRevoked)
				continue
			}
		}

		switch {
		case sharederrors.IsSecretNotFound(err):
			metrics.IncrementSecretFetch(metrics.ResultNotFound)
		case sharederrors.IsAuthRejected(err):
			metrics.IncrementSecretFetch(metrics.ResultRejected)
			err = withIdentity(err, session)
		default:
			metrics.IncrementSecretFetch(metrics.ResultFailure)
		}
		log.V(1).Info("secret fetch failed", logger.KeyError, err.Error())
		return secret.Entry{}, err
	}
}

// ensureSession maps a scheduled-retry failure to NoValidSessionError; the
// BrokerUnreachable cause stays reachable through errors.As.
func (c *Client) ensureSession(ctx context.Context) (*token.Session, error) {
	ctx, span := c.tracer.Start(ctx, "broker.EnsureSession")
	defer span.End()

	session, err := c.sessions.EnsureSession(ctx)
	if err == nil {
		span.SetAttributes(attribute.String("session.method", string(session.Method)))
		return session, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var unreachable *sharederrors.BrokerUnreachableError
	if errors.As(err, &unreachable) && !unreachable.RetryAt.IsZero() {
		return nil, sharederrors.NewNoValidSessionError(string(c.sessions.Status().State), err)
	}
	return nil, err
}

func (c *Client) read(ctx context.Context, session *token.Session, path string) (*vault.SecretData, error) {
	ctx, span := c.tracer.Start(ctx, "vault.Read", trace.WithAttributes(attribute.String("vault.path", path)))
	defer span.End()

	data, err := c.fetcher.Read(ctx, session.SessionToken(), path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

// tokenRevoked tells a dead token apart from a policy denial after a 403.
func (c *Client) tokenRevoked(ctx context.Context, session *token.Session) (bool, error) {
	_, err := c.sessions.Lookup(ctx, session)
	switch {
	case err == nil:
		return false, nil
	case sharederrors.IsAuthRejected(err):
		return true, nil
	default:
		return false, err
	}
}

func withIdentity(err error, session *token.Session) error {
	var rejected *sharederrors.AuthRejectedError
	if errors.As(err, &rejected) && rejected.Role == "" {
		rejected.Method = string(session.Method)
		rejected.Role = session.Role
	}
	return err
}

// Refresh re-fetches every subscribed path so subscribers see rotations.
func (c *Client) Refresh(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "broker.Refresh")
	defer span.End()

	var result *multierror.Error
	for _, path := range c.subscribedPaths() {
		if _, err := c.Get(ctx, path, secret.Freshness{ForceRefresh: true}); err != nil {
			c.log.Error(err, "refresh failed", logger.KeyVaultPath, path, logger.KeyOperation, logger.OpRefresh)
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return err
	}
	return nil
}

// Status returns a snapshot of the session and the cache.
func (c *Client) Status() Status {
	c.subsMu.Lock()
	subs := make(map[string]int, len(c.subs))
	for p, n := range c.subs {
		subs[p] = n
	}
	c.subsMu.Unlock()

	return Status{
		Session:       c.sessions.Status(),
		CachedPaths:   c.cache.Paths(),
		Subscriptions: subs,
	}
}

// Close stops the refresher and subscriptions, revokes the session and
// wipes the cache. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.psMu.Lock()
	c.shutdown = true
	c.ps.Shutdown()
	c.psMu.Unlock()

	var result *multierror.Error

	c.mu.Lock()
	cronDone := c.cron.Stop()
	c.mu.Unlock()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for refresher: %w", ctx.Err()))
	}

	if err := c.sessions.Logout(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("logout: %w", err))
	}
	c.cache.Clear()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for subscribers: %w", ctx.Err()))
	}

	c.log.Info("broker client closed")
	return result.ErrorOrNil()
}

func (c *Client) publish(ctx context.Context, event events.Event) {
	if c.events == nil {
		return
	}
	_ = c.events.Publish(ctx, event)
}
