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

package utils

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive,staticcheck
)

var (
	stepStartTime time.Time
	stepMu        sync.Mutex
)

// TimedBy wraps Ginkgo's By() with the time since the previous step:
// "step description [+123ms]".
func TimedBy(description string) {
	stepMu.Lock()
	elapsed := ""
	if !stepStartTime.IsZero() {
		elapsed = fmt.Sprintf(" [+%v]", time.Since(stepStartTime).Round(time.Millisecond))
	}
	stepStartTime = time.Now()
	stepMu.Unlock()

	By(description + elapsed)
}

// ResetStepTimer restarts the TimedBy clock.
func ResetStepTimer() {
	stepMu.Lock()
	stepStartTime = time.Time{}
	stepMu.Unlock()
}

// LogKeyValue writes a key-value pair to GinkgoWriter.
func LogKeyValue(key, value string) {
	fmt.Fprintf(GinkgoWriter, "  %s: %s\n", key, value)
}
