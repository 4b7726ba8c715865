//go:build integration

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

package integration

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	sharedTestEnv *TestEnvironment
	sharedCtx     context.Context
	sharedCancel  context.CancelFunc
	sharedMu      sync.RWMutex
)

// SetTestEnv sets the shared test environment (called from suite_test.go)
func SetTestEnv(env *TestEnvironment) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedTestEnv = env
}

// GetTestEnv returns the shared test environment
func GetTestEnv() *TestEnvironment {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return sharedTestEnv
}

// SetContext sets the shared context (called from suite_test.go)
func SetContext(ctx context.Context, cancel context.CancelFunc) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedCtx = ctx
	sharedCancel = cancel
}

// GetContext returns the shared context
func GetContext() context.Context {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return sharedCtx
}

// GetCancel returns the shared cancel function
func GetCancel() context.CancelFunc {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return sharedCancel
}

// UniqueName returns base with a short random suffix so specs never share
// roles or secret paths.
func UniqueName(base string) string {
	return base + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// IsDockerAvailable checks if Docker daemon is running and accessible.
func IsDockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}
