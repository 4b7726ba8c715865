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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/juju/clock"

	"github.com/panteparak/vault-credential-broker/internal/config"
	"github.com/panteparak/vault-credential-broker/pkg/broker"
	"github.com/panteparak/vault-credential-broker/pkg/logger"
	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
	"github.com/panteparak/vault-credential-broker/pkg/vault/token"
	"github.com/panteparak/vault-credential-broker/shared/events"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

const shutdownTimeout = 10 * time.Second

// components holds everything a command needs, built once by setup and
// torn down by Close.
type components struct {
	Config   *config.Config
	Log      logr.Logger
	Vault    *vault.Client
	Sessions *token.LeaseManager
	Client   *broker.Client
	Events   *events.EventBus

	cancel context.CancelFunc
	done   chan error
}

func setup(ctx context.Context) (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return nil, sharederrors.NewValidationError("logging.level", cfg.Logging.Level, err.Error())
	}

	vaultClient, err := vault.NewClient(cfg.VaultClientConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	clk := clock.WallClock
	source, err := cfg.ProofSource(clk, nil)
	if err != nil {
		return nil, err
	}

	bus := events.NewEventBus(log)
	authenticator := token.NewVaultAuthenticator(vaultClient, cfg.Auth.MountPath, clk, log)
	sessions := token.NewLeaseManager(source, authenticator, cfg.TokenConfig(), clk, bus, log)

	cache, err := secret.NewCache(cfg.SecretConfig(), clk, log)
	if err != nil {
		return nil, err
	}

	client, err := broker.NewClient(sessions, vaultClient, cache, broker.Options{
		RefreshSchedule: cfg.RefreshSchedule,
		FetchTimeout:    cfg.FetchTimeout,
		Events:          bus,
		Clock:           clk,
		Log:             log,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &components{
		Config:   cfg,
		Log:      log,
		Vault:    vaultClient,
		Sessions: sessions,
		Client:   client,
		Events:   bus,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { c.done <- client.Start(runCtx) }()

	log.V(1).Info("broker client ready",
		"address", cfg.Vault.Address, logger.KeyMethod, cfg.Auth.Method, logger.KeyRole, cfg.Auth.Role)
	return c, nil
}

// Close revokes the session and stops background work.
func (c *components) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := c.Client.Close(ctx)
	c.cancel()
	if startErr := <-c.done; startErr != nil && !errors.Is(startErr, broker.ErrClosed) {
		c.Log.Error(startErr, "background loop stopped with error")
	}
	return err
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case sharederrors.IsValidationError(err):
		return ExitInvalidRequest
	case sharederrors.IsAuthRejected(err):
		return ExitAuthRejected
	case sharederrors.IsSecretNotFound(err):
		return ExitNotFound
	case sharederrors.IsNoValidSession(err), sharederrors.IsStaleDenied(err):
		return ExitNoSession
	case sharederrors.IsBrokerUnreachable(err), sharederrors.IsProofUnavailable(err):
		return ExitBrokerDown
	default:
		return ExitFailure
	}
}
