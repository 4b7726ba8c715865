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
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/panteparak/vault-credential-broker/pkg/broker"
	"github.com/panteparak/vault-credential-broker/pkg/logger"
	"github.com/panteparak/vault-credential-broker/pkg/metrics"
	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
	"github.com/panteparak/vault-credential-broker/shared/events"
)

var watchOutput string

var watchCmd = &cobra.Command{
	Use:   "watch <path>...",
	Short: "Print secrets and every later rotation until interrupted",
	Long: `Subscribe to one or more paths and print each new value. Subscribed
paths are re-read on refresh_schedule; the session is renewed in the
background. When metrics.enabled is set, Prometheus metrics are served on
metrics.address.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", formatJSON, "output format: text, json or yaml")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := validateFormat(watchOutput); err != nil {
		return err
	}
	ctx := cmd.Context()

	c, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	logSessionEvents(c.Events, c.Log)

	if c.Config.Metrics.Enabled {
		srv := serveMetrics(c.Config.Metrics.Address, c.Log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var mu sync.Mutex
	deliver := func(res *broker.Result) {
		mu.Lock()
		defer mu.Unlock()
		out := newSecretOutput(res)
		err := render(os.Stdout, watchOutput, out, func(w io.Writer) error {
			if _, err := fmt.Fprintf(w, "--- %s (version %d)\n", out.Path, out.Version); err != nil {
				return err
			}
			return writeSecretText(w, out)
		})
		if err != nil {
			c.Log.Error(err, "failed to print secret", logger.KeyVaultPath, res.Path)
		}
	}

	for _, path := range args {
		unsubscribe, err := c.Client.Subscribe(path, deliver)
		if err != nil {
			return err
		}
		defer unsubscribe()
	}

	// Prime every path; later values arrive through the subscriptions.
	var result *multierror.Error
	for _, path := range args {
		if _, err := c.Client.Get(ctx, path, secret.Freshness{AllowStale: true}); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	<-ctx.Done()
	c.Log.Info("watch stopped")
	return nil
}

func logSessionEvents(bus *events.EventBus, log logr.Logger) {
	log = log.WithName("events")
	events.Subscribe[events.SessionAuthenticated](bus, func(_ context.Context, e events.SessionAuthenticated) error {
		log.Info("session authenticated", logger.KeySession, e.SessionID, "expiresAt", e.ExpiresAt)
		return nil
	})
	events.Subscribe[events.SessionRenewalFailed](bus, func(_ context.Context, e events.SessionRenewalFailed) error {
		log.Info("session renewal failed", logger.KeySession, e.SessionID,
			logger.KeyRetryCount, e.RetryCount, "retryAt", e.RetryAt, logger.KeyError, e.Error)
		return nil
	})
	events.Subscribe[events.SessionFailed](bus, func(_ context.Context, e events.SessionFailed) error {
		log.Info("session failed, manual intervention required", "attempts", e.Attempts, logger.KeyError, e.Error)
		return nil
	})
	events.Subscribe[events.SecretServedStale](bus, func(_ context.Context, e events.SecretServedStale) error {
		log.Info("served stale secret", logger.KeyVaultPath, e.Path, "staleBy", e.StaleBy)
		return nil
	})
}

func serveMetrics(addr string, log logr.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server stopped")
		}
	}()
	return srv
}
