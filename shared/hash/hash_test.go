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

package hash

import "testing"

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name      string
		a, b      map[string]any
		wantEqual bool
	}{
		{
			name:      "same content different insertion order",
			a:         map[string]any{"username": "app", "password": "s3cr3t"},
			b:         map[string]any{"password": "s3cr3t", "username": "app"},
			wantEqual: true,
		},
		{
			name:      "rotated value",
			a:         map[string]any{"password": "old"},
			b:         map[string]any{"password": "new"},
			wantEqual: false,
		},
		{
			name:      "nested maps",
			a:         map[string]any{"db": map[string]any{"host": "a", "port": 5432}},
			b:         map[string]any{"db": map[string]any{"port": 5432, "host": "a"}},
			wantEqual: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa, fb := Fingerprint(tt.a), Fingerprint(tt.b)
			if fa == "" || fb == "" {
				t.Fatal("expected non-empty fingerprints")
			}
			if (fa == fb) != tt.wantEqual {
				t.Errorf("Fingerprint equality = %v, want %v", fa == fb, tt.wantEqual)
			}
		})
	}
}

func TestFingerprintNil(t *testing.T) {
	if got := Fingerprint(nil); got != "" {
		t.Errorf("Fingerprint(nil) = %q, want empty", got)
	}
}

func TestChanged(t *testing.T) {
	tests := []struct {
		name     string
		previous string
		current  string
		expected bool
	}{
		{name: "no previous", previous: "", current: "abc", expected: true},
		{name: "same", previous: "abc", current: "abc", expected: false},
		{name: "different", previous: "abc", current: "def", expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Changed(tt.previous, tt.current); got != tt.expected {
				t.Errorf("Changed(%q, %q) = %v, want %v", tt.previous, tt.current, got, tt.expected)
			}
		})
	}
}
