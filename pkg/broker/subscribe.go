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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/panteparak/vault-credential-broker/pkg/logger"
	"github.com/panteparak/vault-credential-broker/pkg/metrics"
	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
	"github.com/panteparak/vault-credential-broker/shared/events"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// Subscribe calls fn with every new value of path. Values of one path are
// delivered in order on a dedicated goroutine; there is no ordering across
// paths. fn must not block indefinitely and must not call the returned
// unsubscribe function.
func (c *Client) Subscribe(path string, fn func(*Result)) (func(), error) {
	if path == "" {
		return nil, sharederrors.NewValidationError("path", "", "must not be empty")
	}
	if fn == nil {
		return nil, sharederrors.NewValidationError("callback", "", "must not be nil")
	}

	c.psMu.RLock()
	if c.shutdown {
		c.psMu.RUnlock()
		return nil, ErrClosed
	}
	ch := c.ps.Sub(path)
	c.wg.Add(1)
	c.psMu.RUnlock()

	c.subsMu.Lock()
	c.subs[path]++
	c.subsMu.Unlock()

	var stopped atomic.Bool
	go func() {
		defer c.wg.Done()
		// Drain until pubsub closes the channel so its loop never blocks on us.
		for msg := range ch {
			if stopped.Load() {
				continue
			}
			if res, ok := msg.(*Result); ok {
				fn(res.clone())
			}
		}
	}()

	c.log.V(1).Info("subscribed", logger.KeyVaultPath, path)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)

			c.subsMu.Lock()
			if c.subs[path]--; c.subs[path] <= 0 {
				delete(c.subs, path)
			}
			c.subsMu.Unlock()

			c.psMu.RLock()
			defer c.psMu.RUnlock()
			if !c.shutdown {
				c.ps.Unsub(ch, path)
			}
		})
	}, nil
}

// notify fans a changed entry out to subscribers of its path.
func (c *Client) notify(ctx context.Context, e secret.Entry) {
	if e.Version > 1 {
		metrics.IncrementRotation()
		c.log.Info("secret rotated", logger.KeyVaultPath, e.Path, logger.KeyVersion, e.Version)
		c.publish(ctx, events.NewSecretRotated(c.clock.Now(), e.Path, e.Version, e.Version-1, e.SessionID))
	}

	if c.closed.Load() {
		return
	}
	c.psMu.RLock()
	defer c.psMu.RUnlock()
	if c.shutdown {
		return
	}
	c.ps.Pub(resultFrom(e, false), e.Path)
}

func (c *Client) subscribedPaths() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	paths := make([]string, 0, len(c.subs))
	for p := range c.subs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
