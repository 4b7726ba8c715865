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

package secret

import (
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/juju/clock"

	"github.com/panteparak/vault-credential-broker/pkg/logger"
	"github.com/panteparak/vault-credential-broker/pkg/metrics"
	"github.com/panteparak/vault-credential-broker/shared/hash"
)

// deadSessionRetention is how long an invalidated session ID is remembered
// so that reads still in flight for it are not cached as fresh.
const deadSessionRetention = 10 * time.Minute

type pathState struct {
	version     int64
	fingerprint string
}

// Cache holds the last fetched value of every path.
//
// Reads take a shared lock and never wait for the network. Versions are
// tracked per path independently of the entries, so a path whose dynamic
// entry was dropped still gets previous+1 on the next Put.
type Cache struct {
	cfg   Config
	clock clock.Clock
	log   logr.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	paths   map[string]pathState
	dead    map[string]time.Time
}

// NewCache creates a Cache. It fails if a rule is invalid.
func NewCache(cfg Config, clk clock.Clock, log logr.Logger) (*Cache, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Cache{
		cfg:     cfg,
		clock:   clk,
		log:     log.WithName("secret-cache"),
		entries: make(map[string]Entry),
		paths:   make(map[string]pathState),
		dead:    make(map[string]time.Time),
	}, nil
}

// ClassOf returns the configured class of p, ignoring leases.
func (c *Cache) ClassOf(p string) Class {
	for _, r := range c.cfg.Rules {
		if ok, _ := path.Match(r.Pattern, p); ok {
			return r.Class
		}
	}
	return c.cfg.DefaultClass
}

func (c *Cache) classify(e Entry) Class {
	if e.Leased() {
		return ClassDynamic
	}
	return c.ClassOf(e.Path)
}

// GraceWindow returns the configured stale grace window.
func (c *Cache) GraceWindow() time.Duration {
	return c.cfg.StaleGraceWindow
}

// Get returns the cached entry for p and how usable it is under f.
// A LookupStale entry has InvalidatedAt set; callers decide whether to
// serve it. The returned entry is a copy.
func (c *Cache) Get(p string, f Freshness) (Entry, Lookup) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[p]
	c.mu.RUnlock()

	if !ok {
		metrics.IncrementCacheLookup(metrics.CacheMiss)
		return Entry{}, LookupMiss
	}

	lookup, evict := c.evaluate(e, f, now)
	if evict {
		c.evict(p, e.Version)
	}
	metrics.IncrementCacheLookup(lookup.String())
	if lookup == LookupMiss {
		return Entry{}, LookupMiss
	}

	out := e.Clone()
	if lookup == LookupStale && out.InvalidatedAt.IsZero() {
		out.InvalidatedAt = out.LeaseExpiresAt()
	}
	return out, lookup
}

func (c *Cache) evaluate(e Entry, f Freshness, now time.Time) (Lookup, bool) {
	leaseEnd := e.LeaseExpiresAt()
	leaseOver := !leaseEnd.IsZero() && !now.Before(leaseEnd)

	if e.Class == ClassDynamic {
		if e.Invalidated() || leaseOver {
			return LookupMiss, true
		}
	} else {
		invalidatedAt := e.InvalidatedAt
		if invalidatedAt.IsZero() && leaseOver {
			invalidatedAt = leaseEnd
		}
		if !invalidatedAt.IsZero() {
			if now.Sub(invalidatedAt) > c.cfg.StaleGraceWindow {
				return LookupMiss, true
			}
			if f.MinVersion > e.Version {
				return LookupMiss, false
			}
			return LookupStale, false
		}
	}

	switch {
	case f.ForceRefresh:
		return LookupMiss, false
	case f.MinVersion > e.Version:
		return LookupMiss, false
	case f.MaxAge > 0 && now.Sub(e.FetchedAt) > f.MaxAge:
		return LookupMiss, false
	}
	return LookupHit, false
}

// evict removes p if it still holds version.
func (c *Cache) evict(p string, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[p]; ok && e.Version == version {
		delete(c.entries, p)
		metrics.SetCacheEntries(len(c.entries))
		c.log.V(1).Info("evicted cache entry", logger.KeyVaultPath, p, logger.KeyVersion, version)
	}
}

// Put stores e under p with the next version for p and returns the stored
// copy. A dynamic entry read with an already invalidated session is
// returned but not cached; a static one is cached as invalidated.
func (c *Cache) Put(p string, e Entry) Entry {
	now := c.clock.Now()

	e = e.Clone()
	e.Path = p
	e.Class = c.classify(e)
	e.InvalidatedAt = time.Time{}
	if e.FetchedAt.IsZero() {
		e.FetchedAt = now
	}
	e.Fingerprint = fingerprint(e.Data)

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.paths[p]
	e.Version = st.version + 1
	e.Changed = hash.Changed(st.fingerprint, e.Fingerprint)
	c.paths[p] = pathState{version: e.Version, fingerprint: e.Fingerprint}

	if deadAt, ok := c.dead[e.SessionID]; ok && e.SessionID != "" {
		if e.Class == ClassDynamic {
			delete(c.entries, p)
			metrics.SetCacheEntries(len(c.entries))
			return e.Clone()
		}
		e.InvalidatedAt = deadAt
	}

	c.entries[p] = e
	metrics.SetCacheEntries(len(c.entries))
	return e.Clone()
}

// Invalidate reacts to the loss of a session. Dynamic entries read with it
// are dropped; static entries are marked invalidated and age out after the
// grace window. It returns the number of entries affected.
func (c *Cache) Invalidate(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, at := range c.dead {
		if now.Sub(at) > deadSessionRetention {
			delete(c.dead, id)
		}
	}
	c.dead[sessionID] = now

	dropped, marked := 0, 0
	for p, e := range c.entries {
		if e.SessionID != sessionID {
			continue
		}
		if e.Class == ClassDynamic {
			delete(c.entries, p)
			dropped++
			continue
		}
		if e.InvalidatedAt.IsZero() {
			e.InvalidatedAt = now
			c.entries[p] = e
			marked++
		}
	}
	metrics.SetCacheEntries(len(c.entries))

	if dropped+marked > 0 {
		c.log.Info("invalidated cache entries",
			logger.KeySession, sessionID, "dropped", dropped, "markedStale", marked)
	}
	return dropped + marked
}

// Version returns the latest version issued for p, 0 if none.
func (c *Cache) Version(p string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paths[p].version
}

// Delete removes the entry for p. Its version counter is kept.
func (c *Cache) Delete(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, p)
	metrics.SetCacheEntries(len(c.entries))
}

// Paths returns the cached paths in sorted order.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear wipes every cached payload.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for p, e := range c.entries {
		for k := range e.Data {
			e.Data[k] = ""
		}
		delete(c.entries, p)
	}
	metrics.SetCacheEntries(0)
}

func fingerprint(data map[string]string) string {
	if data == nil {
		return ""
	}
	m := make(map[string]any, len(data))
	for k, v := range data {
		m[k] = v
	}
	return hash.Fingerprint(m)
}
