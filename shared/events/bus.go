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
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Handler is a function that processes events of type T.
// Handlers run on the publisher's goroutine and must not block.
type Handler[T Event] func(ctx context.Context, event T) error

// dispatchFunc is a Handler with its event type erased.
type dispatchFunc func(ctx context.Context, event Event) error

// EventBus delivers session and secret lifecycle events to typed handlers.
// Handlers of one event type are called in subscription order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]dispatchFunc
	log      logr.Logger
}

// NewEventBus creates a new event bus with the given logger.
func NewEventBus(log logr.Logger) *EventBus {
	return &EventBus{
		handlers: make(map[string][]dispatchFunc),
		log:      log.WithName("events"),
	}
}

// Subscribe registers a handler for events of type T.
func Subscribe[T Event](bus *EventBus, handler Handler[T]) {
	var zero T
	eventType := zero.Type()

	dispatch := func(ctx context.Context, event Event) error {
		typed, ok := event.(T)
		if !ok {
			return fmt.Errorf("event %s is a %T, handler expects %T", eventType, event, zero)
		}
		return handler(ctx, typed)
	}

	bus.mu.Lock()
	bus.handlers[eventType] = append(bus.handlers[eventType], dispatch)
	bus.mu.Unlock()

	bus.log.V(1).Info("handler subscribed", "eventType", eventType)
}

// Publish calls every handler subscribed to the event's type.
// A failing handler is logged and the remaining handlers still run;
// the last failure is returned.
func (b *EventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := b.handlers[event.Type()]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	b.log.V(2).Info("publishing event", "type", event.Type(), "handlers", len(handlers))

	var lastErr error
	for i, dispatch := range handlers {
		if err := dispatch(ctx, event); err != nil {
			b.log.Error(err, "event handler failed", "type", event.Type(), "handlerIndex", i)
			lastErr = err
		}
	}
	return lastErr
}
