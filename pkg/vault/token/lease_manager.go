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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/panteparak/vault-credential-broker/internal/retry"
	"github.com/panteparak/vault-credential-broker/pkg/logger"
	"github.com/panteparak/vault-credential-broker/pkg/metrics"
	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/auth"
	"github.com/panteparak/vault-credential-broker/shared/events"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// sessionKey is the singleflight key shared by every authenticate and renew.
const sessionKey = "session"

// errSuperseded is the cause reported when a login or renewal finishes after
// Logout, or after another session took the place it started from.
var errSuperseded = errors.New("session was logged out or replaced while the operation was in flight")

type cycleKind int

const (
	cycleAuthenticate cycleKind = iota
	cycleRenew
)

func (k cycleKind) operation() string {
	if k == cycleRenew {
		return logger.OpRenew
	}
	return logger.OpAuthenticate
}

// LeaseManager owns the Vault session. It authenticates on demand, renews
// the token before it expires, retries transient failures with backoff and
// re-authenticates when renewal is no longer possible.
//
// # States
//
//	NoSession --authenticate--> Active --renewal due--> Renewing --ok--> Active
//	Active/Renewing --TTL elapsed--> Expired --re-authenticate--> Active
//	any --AuthRejected or retries exhausted--> Failed --Reset--> NoSession
//
// # Thread Safety
//
// All methods are thread-safe. At most one authenticate or renew operation
// is in flight; concurrent callers share its outcome.
//
// # Usage
//
//	mgr := NewLeaseManager(source, authenticator, cfg, clk, eventBus, log)
//	go mgr.Start(ctx) // background renewal loop
//	session, err := mgr.EnsureSession(ctx)
type LeaseManager struct {
	source        auth.ProofSource
	authenticator Authenticator
	cfg           Config
	clock         clock.Clock
	events        EventPublisher
	log           logr.Logger

	group singleflight.Group
	wake  chan struct{}

	mu       sync.Mutex
	state    State
	session  *Session
	retryAt  time.Time
	failures int
	lastErr  error
	hooks    []InvalidateFunc
	baseCtx  context.Context

	// generation changes on Logout; results of operations started under an
	// older generation are discarded.
	generation uint64
}

// NewLeaseManager creates a LeaseManager. eventBus may be nil.
func NewLeaseManager(
	source auth.ProofSource,
	authenticator Authenticator,
	cfg Config,
	clk clock.Clock,
	eventBus EventPublisher,
	log logr.Logger,
) *LeaseManager {
	if clk == nil {
		clk = clock.WallClock
	}
	m := &LeaseManager{
		source:        source,
		authenticator: authenticator,
		cfg:           cfg.WithDefaults(),
		clock:         clk,
		events:        eventBus,
		log:           log.WithName("lease-manager"),
		wake:          make(chan struct{}, 1),
		state:         StateNoSession,
		baseCtx:       context.Background(),
	}
	metrics.SetSessionState(string(StateNoSession))
	return m
}

// OnInvalidate registers a hook called whenever a session stops being usable.
func (m *LeaseManager) OnInvalidate(fn InvalidateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Start runs the renewal loop until ctx is cancelled.
// Implements manager.Runnable interface.
func (m *LeaseManager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	m.log.Info("starting lease manager", "renewalFraction", m.cfg.RenewalFraction)

	for {
		var (
			timer  clock.Timer
			timerC <-chan time.Time
		)
		if at, ok := m.nextWakeup(); ok {
			d := at.Sub(m.clock.Now())
			if d < 0 {
				d = 0
			}
			timer = m.clock.NewTimer(d)
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			m.log.Info("lease manager stopped")
			return nil
		case <-m.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
			m.tick(ctx)
			// The loop recomputes its schedule anyway.
			select {
			case <-m.wake:
			default:
			}
		}
	}
}

// EnsureSession returns a valid session, authenticating if there is none.
// It never blocks on a scheduled retry: while one is pending without a
// usable session it fails fast with BrokerUnreachableError.
func (m *LeaseManager) EnsureSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	now := m.clock.Now()
	switch {
	case m.state == StateFailed:
		err := sharederrors.NewNoValidSessionError(string(StateFailed), m.lastErr)
		m.mu.Unlock()
		return nil, err
	case m.session.Valid(now):
		s := m.session.Clone()
		m.mu.Unlock()
		return s, nil
	case !m.retryAt.IsZero() && now.Before(m.retryAt):
		err := &sharederrors.BrokerUnreachableError{
			Operation: logger.OpAuthenticate,
			Cause:     m.lastErr,
			RetryAt:   m.retryAt,
		}
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	return m.run(ctx, cycleAuthenticate)
}

// Invalidate drops the session if it is still current, for example after
// the broker reported its token revoked. The next EnsureSession logs in again.
// It returns false if sessionID is no longer the current session.
func (m *LeaseManager) Invalidate(sessionID, reason string) bool {
	m.mu.Lock()
	if m.session == nil || m.session.ID != sessionID {
		m.mu.Unlock()
		return false
	}
	old := m.session
	m.dropLocked(old, reason)
	m.session = nil
	m.retryAt = time.Time{}
	m.failures = 0
	m.setStateLocked(StateNoSession)
	m.mu.Unlock()

	m.log.Info("session invalidated", logger.KeySession, sessionID, "reason", reason)
	m.release(old, reason)
	m.notify()
	return true
}

// Lookup asks Vault what it knows about the token of session. The session
// need not be the current one.
func (m *LeaseManager) Lookup(ctx context.Context, session *Session) (*vault.TokenInfo, error) {
	return m.authenticator.Lookup(ctx, session)
}

// Logout revokes the session token and forgets the session. A login or
// renewal still in flight is discarded when it completes; a token it
// obtained is revoked.
func (m *LeaseManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.generation++
	old := m.session
	if old != nil {
		m.dropLocked(old, ReasonLogout)
	}
	m.session = nil
	m.retryAt = time.Time{}
	m.failures = 0
	if m.state != StateFailed {
		m.setStateLocked(StateNoSession)
	}
	m.mu.Unlock()

	if old == nil {
		return nil
	}

	var err error
	if old.Valid(m.clock.Now()) {
		if err = m.authenticator.Revoke(ctx, old); err != nil {
			m.log.Error(err, "failed to revoke session token", logger.KeySession, old.ID)
		}
	}
	m.release(old, ReasonLogout)
	m.notify()
	return err
}

// Reset leaves the Failed state so the next EnsureSession authenticates again.
func (m *LeaseManager) Reset() {
	m.mu.Lock()
	if m.state != StateFailed {
		m.mu.Unlock()
		return
	}
	m.failures = 0
	m.lastErr = nil
	m.retryAt = time.Time{}
	m.setStateLocked(StateNoSession)
	m.mu.Unlock()

	m.log.Info("lease manager reset")
	m.notify()
}

// State returns the current state.
func (m *LeaseManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the lease manager.
func (m *LeaseManager) Status() SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := SessionStatus{
		State:      m.state,
		RetryAt:    m.retryAt,
		RetryCount: m.failures,
	}
	if m.lastErr != nil {
		status.Error = m.lastErr.Error()
	}
	if s := m.session; s != nil {
		status.SessionID = s.ID
		status.Method = s.Method
		status.Role = s.Role
		status.Accessor = s.Accessor
		status.IssuedAt = s.IssuedAt
		status.ExpiresAt = s.ExpiresAt()
		status.RenewalCount = s.RenewalCount
		if m.retryAt.IsZero() {
			status.NextRenewal = s.RenewAt(m.cfg.RenewalFraction)
		}
	}
	return status
}

// run performs kind through singleflight. The operation itself is bounded by
// the manager's context and OperationTimeout; ctx only bounds the wait.
func (m *LeaseManager) run(ctx context.Context, kind cycleKind) (*Session, error) {
	ch := m.group.DoChan(sessionKey, func() (interface{}, error) {
		m.mu.Lock()
		base := m.baseCtx
		m.mu.Unlock()

		opCtx, cancel := context.WithTimeout(base, m.cfg.OperationTimeout)
		defer cancel()
		return m.cycle(opCtx, kind)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session).Clone(), nil
	case <-ctx.Done():
		return nil, sharederrors.NewBrokerUnreachableError(kind.operation(), ctx.Err())
	}
}

// cycle renews or authenticates once and records the outcome.
func (m *LeaseManager) cycle(ctx context.Context, kind cycleKind) (*Session, error) {
	m.mu.Lock()
	if m.state == StateFailed {
		err := sharederrors.NewNoValidSessionError(string(StateFailed), m.lastErr)
		m.mu.Unlock()
		return nil, err
	}
	now := m.clock.Now()
	gen := m.generation
	current := m.session
	if kind == cycleAuthenticate && current.Valid(now) && m.retryAt.IsZero() {
		// Another caller finished a login while this one was queued.
		s := current.Clone()
		m.mu.Unlock()
		return s, nil
	}
	if kind == cycleRenew && !(current.Valid(now) && current.CanRenew(now)) {
		kind = cycleAuthenticate
	}
	// Calls run on a copy: the managed session may be wiped while they are
	// in flight.
	snapshot := current.Clone()
	currentID := ""
	if snapshot != nil {
		currentID = snapshot.ID
	}
	if kind == cycleRenew {
		m.setStateLocked(StateRenewing)
	}
	m.mu.Unlock()

	if kind == cycleRenew {
		renewed, err := m.authenticator.Renew(ctx, snapshot, m.cfg.RenewIncrement)
		if err == nil {
			return m.onRenewed(current, renewed)
		}
		metrics.IncrementRenewal(false)
		if sharederrors.IsRetryable(err) {
			return nil, m.onFailure(kind, gen, currentID, err)
		}

		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return nil, sharederrors.NewNoValidSessionError(string(StateNoSession), errSuperseded)
		}
		if m.session == current {
			current.Renewable = false
		}
		m.mu.Unlock()

		// Revoked, not renewable or past max TTL: log in again now.
		m.log.Info("renewal rejected, re-authenticating",
			logger.KeySession, currentID, logger.KeyError, err.Error())
	}

	session, err := m.authenticate(ctx)
	if err != nil {
		return nil, m.onFailure(cycleAuthenticate, gen, currentID, err)
	}
	return m.onAuthenticated(ctx, gen, current, session)
}

func (m *LeaseManager) authenticate(ctx context.Context) (*Session, error) {
	proof, err := m.source.ObtainProof(ctx)
	if err != nil {
		return nil, err
	}
	return m.authenticator.Authenticate(ctx, proof, m.cfg.Role)
}

// onAuthenticated installs session if nothing changed since the cycle
// started from "from". Otherwise the new token is revoked and dropped.
func (m *LeaseManager) onAuthenticated(ctx context.Context, gen uint64, from, session *Session) (*Session, error) {
	m.mu.Lock()
	if m.generation != gen || (m.session != nil && m.session != from) {
		state := m.state
		m.mu.Unlock()
		m.discard(ctx, session)
		return nil, sharederrors.NewNoValidSessionError(string(state), errSuperseded)
	}
	old := m.session
	if old != nil {
		m.dropLocked(old, ReasonReplaced)
	}
	m.session = session
	m.retryAt = time.Time{}
	m.failures = 0
	m.lastErr = nil
	m.setStateLocked(StateActive)
	metrics.SetSessionExpiresAt(unixOrZero(session.ExpiresAt()))
	now := m.clock.Now()
	m.mu.Unlock()

	previousID := ""
	if old != nil {
		previousID = old.ID
		m.release(old, ReasonReplaced)
	}

	m.log.Info("session authenticated",
		logger.KeySession, session.ID,
		logger.KeyMethod, session.Method,
		logger.KeyRole, session.Role,
		"expiresAt", session.ExpiresAt(),
	)
	m.publish(events.NewSessionAuthenticated(now, session.ID, previousID,
		string(session.Method), session.Role, session.ExpiresAt()))
	m.notify()
	return session.Clone(), nil
}

// discard revokes a session that was never installed.
func (m *LeaseManager) discard(ctx context.Context, session *Session) {
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.OperationTimeout)
	defer cancel()

	if err := m.authenticator.Revoke(revokeCtx, session); err != nil {
		m.log.Error(err, "failed to revoke discarded session token", logger.KeySession, session.ID)
	}
	m.authenticator.Forget(session)
	m.log.Info("discarded session from a superseded login", logger.KeySession, session.ID)
	session.Zero()
}

func (m *LeaseManager) onRenewed(current, renewed *Session) (*Session, error) {
	m.mu.Lock()
	if m.session != current {
		m.mu.Unlock()
		return nil, sharederrors.NewNoValidSessionError(string(StateNoSession),
			fmt.Errorf("session %s was replaced during renewal", current.ID))
	}
	if !renewed.ExpiresAt().After(current.ExpiresAt()) {
		// Vault capped the TTL at the token's max TTL.
		renewed.Renewable = false
	}
	m.session = renewed
	m.retryAt = time.Time{}
	m.failures = 0
	m.lastErr = nil
	m.setStateLocked(StateActive)
	metrics.SetSessionExpiresAt(unixOrZero(renewed.ExpiresAt()))
	now := m.clock.Now()
	m.mu.Unlock()

	metrics.IncrementRenewal(true)
	m.log.V(1).Info("session renewed",
		logger.KeySession, renewed.ID,
		"expiresAt", renewed.ExpiresAt(),
		"renewalCount", renewed.RenewalCount,
	)
	m.publish(events.NewSessionRenewed(now, renewed.ID, renewed.ExpiresAt(), renewed.RenewalCount))
	m.notify()
	return renewed.Clone(), nil
}

// onFailure schedules a retry or moves to Failed and returns the error
// callers should see.
func (m *LeaseManager) onFailure(kind cycleKind, gen uint64, sessionID string, cause error) error {
	m.mu.Lock()
	if m.generation != gen {
		// Logged out meanwhile: nothing to retry.
		m.mu.Unlock()
		return sharederrors.NewNoValidSessionError(string(StateNoSession), cause)
	}
	now := m.clock.Now()
	decision := retry.Decide(cause, m.failures, m.cfg.Retry)
	m.failures = decision.Attempts
	m.lastErr = cause

	var (
		failed  *Session
		retryAt time.Time
	)
	if decision.GiveUp {
		m.retryAt = time.Time{}
		failed = m.session
		if failed != nil {
			m.dropLocked(failed, ReasonFailed)
		}
		m.session = nil
		m.setStateLocked(StateFailed)
	} else {
		retryAt = now.Add(decision.After)
		m.retryAt = retryAt
		if m.state == StateRenewing {
			m.setStateLocked(StateActive)
		}
	}
	m.mu.Unlock()

	log := m.log.WithValues(
		logger.KeyOperation, kind.operation(),
		logger.KeySession, sessionID,
		logger.KeyRetryCount, decision.Attempts,
	)

	if decision.GiveUp {
		log.Error(cause, "session failed, giving up")
		if failed != nil {
			m.release(failed, ReasonFailed)
		}
		m.publish(events.NewSessionFailed(now, cause.Error(), decision.Attempts))
		m.notify()
		return sharederrors.NewNoValidSessionError(string(StateFailed), cause)
	}

	log.Info("operation failed, retry scheduled", "retryAt", retryAt, logger.KeyError, cause.Error())
	m.publish(events.NewSessionRenewalFailed(now, sessionID, cause.Error(), decision.Attempts, true, retryAt))
	m.notify()
	return &sharederrors.BrokerUnreachableError{
		Operation: kind.operation(),
		Cause:     cause,
		RetryAt:   retryAt,
	}
}

// nextWakeup returns the earliest of renewal, retry and expiry.
func (m *LeaseManager) nextWakeup() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateFailed {
		return time.Time{}, false
	}

	var next time.Time
	consider := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}

	if !m.retryAt.IsZero() {
		consider(m.retryAt)
	} else if m.session != nil {
		consider(m.session.RenewAt(m.cfg.RenewalFraction))
	}
	if m.session != nil {
		consider(m.session.ExpiresAt())
	}
	return next, !next.IsZero()
}

// tick handles whatever is due at the current time.
func (m *LeaseManager) tick(ctx context.Context) {
	m.mu.Lock()
	now := m.clock.Now()

	var expired *Session
	if m.session != nil && m.session.TTL > 0 && !now.Before(m.session.ExpiresAt()) {
		expired = m.session
		m.dropLocked(expired, ReasonExpired)
		m.session = nil
		m.setStateLocked(StateExpired)
	}

	kind, due := cycleAuthenticate, false
	switch {
	case m.state == StateFailed:
	case !m.retryAt.IsZero():
		due = !now.Before(m.retryAt)
		if m.session.Valid(now) && m.session.CanRenew(now) {
			kind = cycleRenew
		}
	case expired != nil:
		due = true
	case m.session != nil && !now.Before(m.session.RenewAt(m.cfg.RenewalFraction)):
		due = true
		kind = cycleRenew
	}
	m.mu.Unlock()

	if expired != nil {
		metrics.IncrementSessionExpiration()
		m.log.Info("session expired", logger.KeySession, expired.ID)
		m.release(expired, ReasonExpired)
		m.publish(events.NewSessionExpired(now, expired.ID))
	}

	if due {
		// Errors are recorded in state; callers see them through EnsureSession.
		_, _ = m.run(ctx, kind)
	}
}

// dropLocked runs the invalidation hooks for s. It is called with m.mu held,
// before s stops being current, so no reader sees a dropped session whose
// cache entries are still live.
func (m *LeaseManager) dropLocked(s *Session, reason string) {
	for _, fn := range m.hooks {
		fn(s.ID, reason)
	}
}

// release frees the client of a dropped session and wipes its token.
func (m *LeaseManager) release(s *Session, reason string) {
	m.authenticator.Forget(s)
	m.publish(events.NewSessionInvalidated(m.clock.Now(), s.ID, reason))
	s.Zero()
}

func (m *LeaseManager) setStateLocked(state State) {
	m.state = state
	metrics.SetSessionState(string(state))
}

func (m *LeaseManager) publish(event events.Event) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(context.Background(), event)
}

// notify wakes the loop so it recomputes its schedule.
func (m *LeaseManager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
