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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/panteparak/vault-credential-broker/pkg/vault/token"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Authenticate and report the Vault session",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", formatText, "output format: text, json or yaml")
}

type statusOutputDoc struct {
	VaultAddress   string    `json:"vaultAddress" yaml:"vaultAddress"`
	VaultVersion   string    `json:"vaultVersion,omitempty" yaml:"vaultVersion,omitempty"`
	Healthy        bool      `json:"healthy" yaml:"healthy"`
	State          string    `json:"state" yaml:"state"`
	SessionID      string    `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	Method         string    `json:"method,omitempty" yaml:"method,omitempty"`
	Role           string    `json:"role,omitempty" yaml:"role,omitempty"`
	Accessor       string    `json:"accessor,omitempty" yaml:"accessor,omitempty"`
	IssuedAt       time.Time `json:"issuedAt,omitempty" yaml:"issuedAt,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	NextRenewal    time.Time `json:"nextRenewal,omitempty" yaml:"nextRenewal,omitempty"`
	SessionClients int       `json:"sessionClients" yaml:"sessionClients"`
	Error          string    `json:"error,omitempty" yaml:"error,omitempty"`
}

func newStatusOutput(addr string, healthy bool, version string, s token.SessionStatus) statusOutputDoc {
	return statusOutputDoc{
		VaultAddress: addr,
		VaultVersion: version,
		Healthy:      healthy,
		State:        string(s.State),
		SessionID:    s.SessionID,
		Method:       string(s.Method),
		Role:         s.Role,
		Accessor:     s.Accessor,
		IssuedAt:     s.IssuedAt,
		ExpiresAt:    s.ExpiresAt,
		NextRenewal:  s.NextRenewal,
		Error:        s.Error,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(statusOutput); err != nil {
		return err
	}
	ctx := cmd.Context()

	c, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	healthy, err := c.Vault.IsHealthy(ctx)
	if err != nil {
		c.Log.V(1).Info("health check failed", "error", err.Error())
	}
	version, _ := c.Vault.GetVersion(ctx)

	// A failed login still produces a useful status document.
	_, sessionErr := c.Sessions.EnsureSession(ctx)

	doc := newStatusOutput(c.Config.Vault.Address, healthy, version, c.Client.Status().Session)
	doc.SessionClients = c.Vault.SessionCount()
	if err := render(os.Stdout, statusOutput, doc, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "vault:    %s (healthy=%t %s)\nstate:    %s\nsession:  %s\nmethod:   %s role=%s\nexpires:  %s\nrenewal:  %s\n",
			doc.VaultAddress, doc.Healthy, doc.VaultVersion, doc.State, doc.SessionID,
			doc.Method, doc.Role, formatTime(doc.ExpiresAt), formatTime(doc.NextRenewal))
		return err
	}); err != nil {
		return err
	}
	return sessionErr
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
