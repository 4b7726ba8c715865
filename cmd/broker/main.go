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

// Command broker fetches secrets from Vault using the workload's platform
// identity. It is a thin shell around pkg/broker for scripts and debugging.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitAuthRejected   = 2
	ExitNotFound       = 3
	ExitNoSession      = 4
	ExitBrokerDown     = 5
	ExitInvalidRequest = 64
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "Fetch Vault secrets with the workload's platform identity",
	Long: `broker authenticates to Vault with an identity proof from the platform
(Kubernetes, AWS, GCP, Azure, OCI or a JWT file), keeps the session renewed
and serves secrets from a local cache.

Configuration is read from --config and VCB_* environment variables;
a .env file in the working directory is loaded first.

Exit codes:
  0   success
  1   unexpected failure
  2   Vault rejected the identity or a policy denied the path
  3   secret not found
  4   no valid session
  5   Vault unreachable
  64  invalid configuration or arguments`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "broker.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.AddCommand(getCmd, watchCmd, statusCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
