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
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
)

var (
	getAllowStale bool
	getMinVersion int64
	getForce      bool
	getMaxAge     time.Duration
	getOutput     string
)

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Fetch one secret and print it",
	Long: `Fetch the secret at a Vault path and print its fields.

Examples:
  broker get kv/data/payments/api
  broker get database/creds/readonly -o json
  broker get kv/data/payments/api --allow-stale -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().BoolVar(&getAllowStale, "allow-stale", false, "accept a last-known-good value when Vault is unavailable")
	getCmd.Flags().Int64Var(&getMinVersion, "min-version", 0, "lowest acceptable local version")
	getCmd.Flags().BoolVar(&getForce, "force", false, "bypass the cache")
	getCmd.Flags().DurationVar(&getMaxAge, "max-age", 0, "reject cached values older than this")
	getCmd.Flags().StringVarP(&getOutput, "output", "o", formatText, "output format: text, json or yaml")
}

func runGet(cmd *cobra.Command, args []string) error {
	if err := validateFormat(getOutput); err != nil {
		return err
	}

	c, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	res, err := c.Client.Get(cmd.Context(), args[0], secret.Freshness{
		AllowStale:   getAllowStale,
		MinVersion:   getMinVersion,
		ForceRefresh: getForce,
		MaxAge:       getMaxAge,
	})
	if err != nil {
		return err
	}

	out := newSecretOutput(res)
	return render(os.Stdout, getOutput, out, func(w io.Writer) error {
		return writeSecretText(w, out)
	})
}
