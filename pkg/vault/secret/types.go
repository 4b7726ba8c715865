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
	"fmt"
	"path"
	"time"

	"github.com/panteparak/vault-credential-broker/pkg/vault"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// DefaultStaleGraceWindow is how long an invalidated static entry may still
// be served to callers that allow stale reads.
const DefaultStaleGraceWindow = 30 * time.Second

// Class is the freshness class of a path.
type Class string

const (
	// ClassDynamic entries are lease-bound. They are dropped when their
	// session is invalidated or their lease runs out and never served stale.
	ClassDynamic Class = "dynamic"

	// ClassStatic entries are plain key/value data. They are kept after
	// invalidation and may be served stale inside the grace window.
	ClassStatic Class = "static"
)

// ParseClass validates a configured class name.
func ParseClass(s string) (Class, error) {
	switch c := Class(s); c {
	case ClassDynamic, ClassStatic:
		return c, nil
	default:
		return "", sharederrors.NewValidationError("class", s, "must be dynamic or static")
	}
}

// Rule assigns a class to every path matching Pattern (path.Match syntax).
type Rule struct {
	Pattern string
	Class   Class
}

// Validate checks the pattern syntax and the class.
func (r Rule) Validate() error {
	if r.Pattern == "" {
		return sharederrors.NewValidationError("pattern", "", "must not be empty")
	}
	if _, err := path.Match(r.Pattern, ""); err != nil {
		return sharederrors.NewValidationError("pattern", r.Pattern, err.Error())
	}
	if _, err := ParseClass(string(r.Class)); err != nil {
		return err
	}
	return nil
}

// Config configures a Cache.
type Config struct {
	// DefaultClass applies to paths no rule matches. Entries that carry a
	// lease are always dynamic.
	DefaultClass Class
	// StaleGraceWindow bounds how long invalidated static entries are kept
	StaleGraceWindow time.Duration
	// Rules are evaluated in order; the first match wins
	Rules []Rule
}

// WithDefaults fills in zero values.
func (c Config) WithDefaults() Config {
	if c.DefaultClass == "" {
		c.DefaultClass = ClassStatic
	}
	if c.StaleGraceWindow <= 0 {
		c.StaleGraceWindow = DefaultStaleGraceWindow
	}
	return c
}

// Validate checks every rule and the default class.
func (c Config) Validate() error {
	if _, err := ParseClass(string(c.DefaultClass)); err != nil {
		return err
	}
	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// Freshness states what a caller is willing to accept.
type Freshness struct {
	// AllowStale lets a static entry inside its grace window be served when
	// no fresh value can be fetched. The result is flagged stale.
	AllowStale bool
	// MinVersion is the lowest acceptable local version, 0 for any
	MinVersion int64
	// ForceRefresh bypasses the cache for this read
	ForceRefresh bool
	// MaxAge rejects cached entries fetched longer ago, 0 for no limit
	MaxAge time.Duration
}

// Lookup is the outcome of a cache read.
type Lookup int

const (
	// LookupMiss means nothing usable is cached
	LookupMiss Lookup = iota
	// LookupHit means the entry satisfies the caller's freshness
	LookupHit
	// LookupStale means only an invalidated static entry inside its grace
	// window is cached
	LookupStale
)

func (l Lookup) String() string {
	switch l {
	case LookupHit:
		return "hit"
	case LookupStale:
		return "stale"
	default:
		return "miss"
	}
}

// Entry is a cached secret.
type Entry struct {
	Path string
	// Data holds the secret fields and is never logged
	Data map[string]string
	// Version is the local version, monotonic per path
	Version int64
	// BrokerVersion is the KV v2 version reported by Vault, informational
	BrokerVersion int64
	FetchedAt     time.Time
	LeaseID       string
	LeaseDuration time.Duration
	Renewable     bool
	// SessionID is the session the entry was read with
	SessionID string
	Class     Class
	// Fingerprint is a hash of Data
	Fingerprint string
	// Changed reports whether Data differs from the previous version
	Changed bool
	// InvalidatedAt is set once the source session is gone
	InvalidatedAt time.Time
}

// NewEntry builds an entry from a Vault read.
func NewEntry(p string, data *vault.SecretData, sessionID string, fetchedAt time.Time) Entry {
	return Entry{
		Path:          p,
		Data:          data.Data,
		BrokerVersion: data.BrokerVersion,
		FetchedAt:     fetchedAt,
		LeaseID:       data.LeaseID,
		LeaseDuration: data.LeaseDuration,
		Renewable:     data.Renewable,
		SessionID:     sessionID,
	}
}

// Leased reports whether the entry is bound to a secret lease.
func (e Entry) Leased() bool {
	return e.LeaseID != ""
}

// LeaseExpiresAt returns when the lease runs out, zero if there is none.
func (e Entry) LeaseExpiresAt() time.Time {
	if e.LeaseDuration <= 0 {
		return time.Time{}
	}
	return e.FetchedAt.Add(e.LeaseDuration)
}

// Invalidated reports whether the source session is gone.
func (e Entry) Invalidated() bool {
	return !e.InvalidatedAt.IsZero()
}

// Clone returns a copy that does not share Data.
func (e Entry) Clone() Entry {
	if e.Data != nil {
		data := make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			data[k] = v
		}
		e.Data = data
	}
	return e
}

// String never includes Data.
func (e Entry) String() string {
	return fmt.Sprintf("Entry{path=%s, version=%d, class=%s, session=%s, fields=%d}",
		e.Path, e.Version, e.Class, e.SessionID, len(e.Data))
}
