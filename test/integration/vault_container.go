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
	"fmt"
	"io"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/modules/vault"
)

// VaultTestContainer wraps a testcontainers Vault dev server.
type VaultTestContainer struct {
	*vault.VaultContainer
	rootToken string
	address   string
}

// VaultContainerOption configures a VaultTestContainer
type VaultContainerOption func(*vaultContainerOptions)

type vaultContainerOptions struct {
	imageTag       string
	rootToken      string
	initCommands   []string
	envVars        map[string]string
	startupTimeout time.Duration
	logLevel       string
}

func defaultOptions() *vaultContainerOptions {
	return &vaultContainerOptions{
		imageTag:       "1.17.2",
		rootToken:      "root-token",
		startupTimeout: 30 * time.Second,
		logLevel:       "info",
		envVars:        make(map[string]string),
	}
}

// WithImageTag sets the Vault image tag
func WithImageTag(tag string) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.imageTag = tag
	}
}

// WithRootToken sets a custom root token
func WithRootToken(token string) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.rootToken = token
	}
}

// WithStartupTimeout sets custom startup timeout
func WithStartupTimeout(timeout time.Duration) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.startupTimeout = timeout
	}
}

// WithLogLevel sets Vault log level (trace, debug, info, warn, err)
func WithLogLevel(level string) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.logLevel = level
	}
}

// WithEnvVar sets an environment variable for the container
func WithEnvVar(key, value string) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.envVars[key] = value
	}
}

// WithInitCommand runs a vault CLI command once the server is up.
func WithInitCommand(cmd string) VaultContainerOption {
	return func(o *vaultContainerOptions) {
		o.initCommands = append(o.initCommands, cmd)
	}
}

// NewVaultTestContainer creates and starts a new Vault test container
func NewVaultTestContainer(ctx context.Context, opts ...VaultContainerOption) (*VaultTestContainer, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	ctx, cancel := context.WithTimeout(ctx, options.startupTimeout)
	defer cancel()

	containerOpts := []testcontainers.ContainerCustomizer{
		vault.WithToken(options.rootToken),
	}
	// Use || true so reruns against a reused container stay idempotent
	for _, cmd := range options.initCommands {
		containerOpts = append(containerOpts, vault.WithInitCommand(cmd+" || true"))
	}
	if options.logLevel != "" {
		options.envVars["VAULT_LOG_LEVEL"] = options.logLevel
	}
	if len(options.envVars) > 0 {
		containerOpts = append(containerOpts, testcontainers.WithEnv(options.envVars))
	}

	container, err := vault.Run(ctx, "hashicorp/vault:"+options.imageTag, containerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start vault container: %w", err)
	}

	address, err := container.HttpHostAddress(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return nil, fmt.Errorf("failed to get vault address: %w", err)
	}

	return &VaultTestContainer{
		VaultContainer: container,
		rootToken:      options.rootToken,
		address:        address,
	}, nil
}

// Address returns the HTTP address of the Vault container
func (v *VaultTestContainer) Address() string {
	return v.address
}

// RootToken returns the root token
func (v *VaultTestContainer) RootToken() string {
	return v.rootToken
}

// Exec runs a vault CLI command inside the container.
func (v *VaultTestContainer) Exec(ctx context.Context, cmd []string) (int, string, error) {
	exitCode, reader, err := v.VaultContainer.Exec(ctx, append([]string{"vault"}, cmd...), exec.Multiplexed())
	if err != nil {
		return exitCode, "", fmt.Errorf("exec failed: %w", err)
	}

	var output string
	if reader != nil {
		data, err := io.ReadAll(reader)
		if err != nil {
			return exitCode, "", fmt.Errorf("failed to read exec output: %w", err)
		}
		output = string(data)
	}
	return exitCode, output, nil
}

// Health reports whether Vault is initialized and unsealed.
func (v *VaultTestContainer) Health(ctx context.Context) (bool, error) {
	exitCode, _, err := v.Exec(ctx, []string{"status"})
	if err != nil {
		return false, err
	}
	return exitCode == 0, nil
}

// Terminate stops and removes the container
func (v *VaultTestContainer) Terminate(ctx context.Context) error {
	if v.VaultContainer != nil {
		return v.VaultContainer.Terminate(ctx)
	}
	return nil
}
