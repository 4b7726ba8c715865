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

// Package token manages the broker's Vault session.
//
// # Overview
//
// A Session is the Vault token obtained by presenting an identity proof to an
// auth method. The LeaseManager owns the one live session of a client: it
// logs in on first use, renews the token at a fraction of its TTL, retries
// transient failures with backoff and logs in again when renewal is refused.
//
// # Key Types
//
//   - Authenticator: exchanges a proof for a Session and renews, looks up
//     and revokes it (VaultAuthenticator talks to Vault)
//   - LeaseManager: session state machine with a clock-driven renewal loop
//   - SessionStatus: point-in-time view of the manager for status output
//
// # Usage
//
//	authenticator := NewVaultAuthenticator(client, "kubernetes", clock.WallClock, log)
//	mgr := NewLeaseManager(source, authenticator, Config{Role: "app"}, clock.WallClock, bus, log)
//	mgr.OnInvalidate(cache.Invalidate)
//	go mgr.Start(ctx)
//
//	session, err := mgr.EnsureSession(ctx)
//
// # Session Flow
//
//	┌──────────────┐  ObtainProof  ┌───────────────┐  Login   ┌──────────┐
//	│ ProofSource  │ ────────────> │ Authenticator │ ───────> │ Session  │
//	└──────────────┘               └───────────────┘          └──────────┘
//	                                       ▲                        │
//	                                       │ Renew / re-login       ▼
//	                               ┌─────────────────────────────────────┐
//	                               │            LeaseManager             │
//	                               │  • renews at RenewalFraction of TTL │
//	                               │  • single in-flight operation       │
//	                               │  • invalidation hooks on drop       │
//	                               └─────────────────────────────────────┘
//
// # Failure Handling
//
// Errors are classified by type (see shared/infrastructure/errors). Transient
// failures schedule a retry and, while the session is still valid, callers
// keep using it. Without a valid session callers fail fast until the retry
// runs. AuthRejected or exhausted retries move the manager to Failed, which
// only Reset leaves.
package token
