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

package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func handlerCount(bus *EventBus, eventType string) int {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	return len(bus.handlers[eventType])
}

func TestNewEventBus(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	if bus == nil {
		t.Fatal("expected bus to be non-nil")
		return
	}

	if bus.handlers == nil {
		t.Error("expected handlers map to be initialized")
	}
}

func TestSubscribe(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error {
		return nil
	})

	count := handlerCount(bus, SessionRenewedType)
	if count != 1 {
		t.Errorf("expected 1 handler, got %d", count)
	}
}

func TestSubscribe_MultipleHandlers(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error { return nil })
	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error { return nil })
	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error { return nil })

	count := handlerCount(bus, SessionRenewedType)
	if count != 3 {
		t.Errorf("expected 3 handlers, got %d", count)
	}
}

func TestPublish_SessionRenewed(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	var received SessionRenewed
	Subscribe[SessionRenewed](bus, func(_ context.Context, e SessionRenewed) error {
		received = e
		return nil
	})

	event := NewSessionRenewed(time.Now(), "sess-1", time.Now().Add(time.Hour), 3)
	err := bus.Publish(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received.SessionID != "sess-1" {
		t.Errorf("expected SessionID 'sess-1', got %q", received.SessionID)
	}

	if received.RenewalCount != 3 {
		t.Errorf("expected RenewalCount 3, got %d", received.RenewalCount)
	}
}

func TestPublish_SessionInvalidated(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	var received SessionInvalidated
	Subscribe[SessionInvalidated](bus, func(_ context.Context, e SessionInvalidated) error {
		received = e
		return nil
	})

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := NewSessionInvalidated(at, "sess-7", "revoked")
	err := bus.Publish(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received.Reason != "revoked" {
		t.Errorf("expected Reason 'revoked', got %q", received.Reason)
	}

	if !received.Timestamp().Equal(at) {
		t.Errorf("expected timestamp %v, got %v", at, received.Timestamp())
	}
}

func TestPublish_SecretRotated(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	var received SecretRotated
	Subscribe[SecretRotated](bus, func(_ context.Context, e SecretRotated) error {
		received = e
		return nil
	})

	event := NewSecretRotated(time.Now(), "kv/data/app", 4, 3, "sess-1")
	err := bus.Publish(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if received.Path != "kv/data/app" {
		t.Errorf("expected Path 'kv/data/app', got %q", received.Path)
	}

	if received.Version != 4 || received.PreviousVersion != 3 {
		t.Errorf("expected versions 4/3, got %d/%d", received.Version, received.PreviousVersion)
	}
}

func TestPublish_EveryEventTypeIsRouted(t *testing.T) {
	bus := NewEventBus(logr.Discard())
	now := time.Now()

	var calls int32
	count := func() { atomic.AddInt32(&calls, 1) }
	Subscribe[SessionAuthenticated](bus, func(_ context.Context, _ SessionAuthenticated) error { count(); return nil })
	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error { count(); return nil })
	Subscribe[SessionRenewalFailed](bus, func(_ context.Context, _ SessionRenewalFailed) error { count(); return nil })
	Subscribe[SessionExpired](bus, func(_ context.Context, _ SessionExpired) error { count(); return nil })
	Subscribe[SessionInvalidated](bus, func(_ context.Context, _ SessionInvalidated) error { count(); return nil })
	Subscribe[SessionFailed](bus, func(_ context.Context, _ SessionFailed) error { count(); return nil })
	Subscribe[SecretRotated](bus, func(_ context.Context, _ SecretRotated) error { count(); return nil })
	Subscribe[SecretServedStale](bus, func(_ context.Context, _ SecretServedStale) error { count(); return nil })

	all := []Event{
		NewSessionAuthenticated(now, "s2", "s1", "kubernetes", "app", now.Add(time.Hour)),
		NewSessionRenewed(now, "s2", now.Add(time.Hour), 1),
		NewSessionRenewalFailed(now, "s2", "connection refused", 1, true, now.Add(time.Second)),
		NewSessionExpired(now, "s2"),
		NewSessionInvalidated(now, "s2", "logout"),
		NewSessionFailed(now, "permission denied", 1),
		NewSecretRotated(now, "kv/app", 2, 1, "s2"),
		NewSecretServedStale(now, "kv/app", 2, 5*time.Second, "broker unreachable"),
	}

	for _, event := range all {
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Errorf("publish %s: unexpected error: %v", event.Type(), err)
		}
	}

	if got := atomic.LoadInt32(&calls); int(got) != len(all) {
		t.Errorf("expected %d handler calls, got %d", len(all), got)
	}
}

func TestPublish_NoHandlers(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	event := NewSessionRenewed(time.Now(), "sess-1", time.Now().Add(time.Hour), 1)
	err := bus.Publish(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error for no handlers: %v", err)
	}
}

func TestPublish_TypeMismatch(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	called := false
	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error {
		called = true
		return nil
	})

	// A base event carrying the renewed type is not a SessionRenewed.
	err := bus.Publish(context.Background(), NewBaseEvent(SessionRenewedType))
	if err == nil {
		t.Fatal("expected an error for a mismatched event")
	}
	if called {
		t.Error("handler must not be called with a mismatched event")
	}
}

func TestPublish_HandlerError(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	expectedErr := errors.New("handler failed")
	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error {
		return expectedErr
	})

	event := NewSessionRenewed(time.Now(), "sess-1", time.Now().Add(time.Hour), 1)
	err := bus.Publish(context.Background(), event)

	// Should return the last error
	if err != expectedErr {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
}

func TestPublish_MultipleHandlers_ContinuesOnError(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	var callCount int32
	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error {
		atomic.AddInt32(&callCount, 1)
		return errors.New("first handler failed")
	})

	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error {
		atomic.AddInt32(&callCount, 1)
		return nil
	})

	Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error {
		atomic.AddInt32(&callCount, 1)
		return errors.New("third handler failed")
	})

	event := NewSessionRenewed(time.Now(), "sess-1", time.Now().Add(time.Hour), 1)
	_ = bus.Publish(context.Background(), event)

	// All handlers should be called despite errors
	if atomic.LoadInt32(&callCount) != 3 {
		t.Errorf("expected 3 handler calls, got %d", callCount)
	}
}

func TestEventBus_ThreadSafety(t *testing.T) {
	bus := NewEventBus(logr.Discard())

	var wg sync.WaitGroup
	var callCount int32

	// Subscribe concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error {
				atomic.AddInt32(&callCount, 1)
				return nil
			})
		}()
	}

	wg.Wait()

	// Verify all subscriptions were registered
	if handlerCount(bus, SessionRenewedType) != 10 {
		t.Errorf("expected 10 handlers, got %d", handlerCount(bus, SessionRenewedType))
	}

	// Publish concurrently
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event := NewSessionRenewed(time.Now(), "sess", time.Now().Add(time.Hour), 1)
			_ = bus.Publish(context.Background(), event)
		}()
	}

	wg.Wait()

	// Each publish should call all 10 handlers, so 5 publishes = 50 calls
	if atomic.LoadInt32(&callCount) != 50 {
		t.Errorf("expected 50 handler calls, got %d", callCount)
	}
}

func TestBaseEvent(t *testing.T) {
	event := NewBaseEvent("test.event")

	if event.Type() != "test.event" {
		t.Errorf("expected type 'test.event', got %q", event.Type())
	}

	if time.Since(event.Timestamp()) > time.Second {
		t.Error("expected timestamp to be recent")
	}
}

func TestNewBaseEventAt(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	event := NewBaseEventAt("test.event", at)

	if !event.Timestamp().Equal(at) {
		t.Errorf("expected timestamp %v, got %v", at, event.Timestamp())
	}
}

// Benchmark for Publish with multiple handlers.
func BenchmarkPublish(b *testing.B) {
	bus := NewEventBus(logr.Discard())

	for i := 0; i < 10; i++ {
		Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error {
			return nil
		})
	}

	event := NewSessionRenewed(time.Now(), "bench-sess", time.Now().Add(time.Hour), 1)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bus.Publish(ctx, event)
	}
}

// Benchmark for Subscribe.
func BenchmarkSubscribe(b *testing.B) {
	bus := NewEventBus(logr.Discard())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Subscribe[SessionRenewed](bus, func(_ context.Context, _ SessionRenewed) error {
			return nil
		})
	}
}
