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

// Package broker is the entry point application code uses to read secrets.
//
// A Client combines the lease manager (session), the secret cache and a
// Vault fetcher:
//
//	caller -> Client.Get -> secret.Cache (hit) -> return
//	                     -> LeaseManager.EnsureSession -> Fetcher.Read -> Cache.Put -> subscribers
//
// Subscribers receive every changed value of a path in order. An optional
// cron schedule re-reads subscribed paths so rotations made in Vault reach
// them without a caller asking.
package broker
