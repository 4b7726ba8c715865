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

// Package hash fingerprints secret payloads so rotation can be detected
// without keeping plaintext copies around for comparison.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// FromBytes calculates a SHA256 hash from bytes.
func FromBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint calculates a deterministic SHA256 hash of a secret payload.
// encoding/json writes map keys in sorted order, so equal payloads built
// through different code paths produce the same fingerprint.
// Returns empty string for a nil payload or if marshaling fails.
func Fingerprint(data map[string]any) string {
	if data == nil {
		return ""
	}
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return FromBytes(jsonBytes)
}

// Changed returns true if the two fingerprints differ.
// An empty previous fingerprint means nothing was seen before.
func Changed(previous, current string) bool {
	if previous == "" {
		return true
	}
	return previous != current
}
