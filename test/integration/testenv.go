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

// Package integration runs the broker client against a real Vault dev
// server started with testcontainers-go. Workloads log in with JWTs signed
// by a key generated per suite.
package integration

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive,staticcheck
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/panteparak/vault-credential-broker/internal/retry"
	"github.com/panteparak/vault-credential-broker/pkg/broker"
	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/auth"
	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
	"github.com/panteparak/vault-credential-broker/pkg/vault/token"
	"github.com/panteparak/vault-credential-broker/shared/events"
	"github.com/panteparak/vault-credential-broker/test/utils"
)

var setupLog = logf.Log.WithName("test-setup")

// KVv1Mount is the KV version 1 engine mounted for static secrets with a
// refresh interval. The dev server already has KV v2 at "secret".
const KVv1Mount = "kv1"

// TestEnvironment owns the Vault container and the identity issuer.
type TestEnvironment struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	VaultContainer *VaultTestContainer
	Admin          *utils.VaultAdmin
	JWT            *utils.JWTFixtures

	opts *testEnvOptions
}

// TestEnvOption configures TestEnvironment
type TestEnvOption func(*testEnvOptions)

type testEnvOptions struct {
	vaultOpts      []VaultContainerOption
	startupTimeout time.Duration
}

func defaultTestEnvOptions() *testEnvOptions {
	return &testEnvOptions{startupTimeout: 60 * time.Second}
}

// WithVaultOptions passes options through to the Vault container.
func WithVaultOptions(opts ...VaultContainerOption) TestEnvOption {
	return func(o *testEnvOptions) {
		o.vaultOpts = append(o.vaultOpts, opts...)
	}
}

// WithTestEnvTimeout bounds container startup and setup.
func WithTestEnvTimeout(timeout time.Duration) TestEnvOption {
	return func(o *testEnvOptions) {
		o.startupTimeout = timeout
	}
}

// NewTestEnvironment creates an environment; call Start before use.
func NewTestEnvironment(opts ...TestEnvOption) *TestEnvironment {
	options := defaultTestEnvOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &TestEnvironment{opts: options}
}

// Start launches Vault, mounts jwt auth and the KV v1 engine.
func (te *TestEnvironment) Start() error {
	logf.SetLogger(zap.New(zap.WriteTo(GinkgoWriter), zap.UseDevMode(true)))

	te.Ctx, te.Cancel = context.WithCancel(context.Background())
	ctx, cancel := context.WithTimeout(te.Ctx, te.opts.startupTimeout)
	defer cancel()

	container, err := NewVaultTestContainer(ctx, te.opts.vaultOpts...)
	if err != nil {
		return err
	}
	te.VaultContainer = container

	if err := te.configureVault(ctx); err != nil {
		container.Terminate(ctx) //nolint:errcheck
		return err
	}

	setupLog.Info("test environment started", "vault_address", te.VaultAddress())
	return nil
}

func (te *TestEnvironment) configureVault(ctx context.Context) error {
	admin, err := utils.NewVaultAdmin(te.VaultContainer.Address(), te.VaultContainer.RootToken())
	if err != nil {
		return err
	}
	te.Admin = admin

	fixtures, err := utils.NewJWTFixtures()
	if err != nil {
		return err
	}
	te.JWT = fixtures

	pubKey, err := fixtures.PublicKeyPEM()
	if err != nil {
		return err
	}
	if err := admin.EnableJWTAuth(ctx, utils.DefaultJWTAuthPath, utils.DefaultIssuer, pubKey); err != nil {
		return err
	}
	return admin.EnableKVv1(ctx, KVv1Mount)
}

// Stop tears down the test environment
func (te *TestEnvironment) Stop() error {
	if te.Cancel != nil {
		te.Cancel()
	}
	if te.VaultContainer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := te.VaultContainer.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to stop vault: %w", err)
	}
	setupLog.Info("test environment stopped")
	return nil
}

// VaultAddress returns the Vault HTTP address
func (te *TestEnvironment) VaultAddress() string {
	if te.VaultContainer != nil {
		return te.VaultContainer.Address()
	}
	return ""
}

// WaitForVaultHealthy waits for Vault to be healthy
func (te *TestEnvironment) WaitForVaultHealthy(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(te.Ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for vault to be healthy")
		case <-ticker.C:
			healthy, err := te.VaultContainer.Health(ctx)
			if err == nil && healthy {
				return nil
			}
		}
	}
}

// DumpVaultLogs writes the last 100 lines of Vault logs to GinkgoWriter.
func (te *TestEnvironment) DumpVaultLogs(ctx context.Context) {
	reader, err := te.VaultContainer.Logs(ctx)
	if err != nil {
		fmt.Fprintf(GinkgoWriter, "Failed to get Vault logs: %v\n", err)
		return
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		fmt.Fprintf(GinkgoWriter, "Failed to read Vault logs: %v\n", err)
		return
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > 100 {
		lines = lines[len(lines)-100:]
	}
	fmt.Fprintf(GinkgoWriter, "\n=== VAULT LOGS ===\n%s\n=== END VAULT LOGS ===\n", strings.Join(lines, "\n"))
}

// BrokerOptions describes the workload a test broker acts for.
type BrokerOptions struct {
	Role    string
	Subject string
	// TokenFile overrides the JWT file; by default one is minted for Subject.
	TokenFile       string
	RenewalFraction float64
	Cache           secret.Config
	RefreshSchedule string
}

// BrokerHandle is a running broker client plus the pieces tests inspect.
type BrokerHandle struct {
	Client   *broker.Client
	Sessions *token.LeaseManager
	Events   *events.EventBus
}

// NewBroker builds the full client stack against the container and starts
// it. It is closed automatically when the spec ends.
func (te *TestEnvironment) NewBroker(opts BrokerOptions) (*BrokerHandle, error) {
	tokenFile := opts.TokenFile
	if tokenFile == "" {
		jwt, err := te.JWT.CreateWorkloadJWT(opts.Subject, time.Hour)
		if err != nil {
			return nil, err
		}
		if tokenFile, err = utils.WriteTokenFile(GinkgoT().TempDir(), jwt); err != nil {
			return nil, err
		}
	}

	log := logf.Log.WithName("broker").WithValues("spec", CurrentSpecReport().LeafNodeText)

	source, err := auth.NewJWTFileSource(auth.JWTFileOptions{Path: tokenFile})
	if err != nil {
		return nil, err
	}
	vaultClient, err := vault.NewClient(vault.ClientConfig{Address: te.VaultAddress(), Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}

	bus := events.NewEventBus(log)
	sessions := token.NewLeaseManager(
		auth.WithTimeout(source, 5*time.Second),
		token.NewVaultAuthenticator(vaultClient, utils.DefaultJWTAuthPath, nil, log),
		token.Config{
			Role:            opts.Role,
			RenewalFraction: opts.RenewalFraction,
			Retry: retry.Config{
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     2 * time.Second,
				MaxAttempts:  3,
			},
		},
		nil, bus, log,
	)
	cache, err := secret.NewCache(opts.Cache, nil, log)
	if err != nil {
		return nil, err
	}
	client, err := broker.NewClient(sessions, vaultClient, cache, broker.Options{
		RefreshSchedule: opts.RefreshSchedule,
		Events:          bus,
		Log:             log,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(te.Ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Start(ctx)
	}()
	DeferCleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
		cancel()
		<-done
	})

	return &BrokerHandle{Client: client, Sessions: sessions, Events: bus}, nil
}

// CreateWorkloadRole creates a jwt role bound to subject with one policy
// granting read on paths.
func (te *TestEnvironment) CreateWorkloadRole(ctx context.Context, role, subject, ttl string, paths ...string) error {
	var hcl strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&hcl, "path %q {\n  capabilities = [\"read\"]\n}\n", p)
	}
	// lookup-self is in the default policy; keep it explicit for readers.
	hcl.WriteString("path \"auth/token/lookup-self\" {\n  capabilities = [\"read\"]\n}\n")

	if err := te.Admin.WritePolicy(ctx, role, hcl.String()); err != nil {
		return err
	}
	return te.Admin.CreateJWTRole(ctx, utils.DefaultJWTAuthPath, utils.JWTRoleConfig{
		Name:           role,
		BoundAudiences: []string{utils.DefaultAudience},
		BoundSubject:   subject,
		TokenPolicies:  []string{role},
		TokenTTL:       ttl,
	})
}
