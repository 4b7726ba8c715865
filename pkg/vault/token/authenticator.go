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

package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/vault/api"
	"github.com/juju/clock"

	"github.com/panteparak/vault-credential-broker/pkg/logger"
	"github.com/panteparak/vault-credential-broker/pkg/metrics"
	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/auth"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// VaultAuthenticator implements Authenticator against a Vault server.
type VaultAuthenticator struct {
	client    *vault.Client
	mountPath string
	clock     clock.Clock
	log       logr.Logger
}

var _ Authenticator = (*VaultAuthenticator)(nil)

// NewVaultAuthenticator creates an authenticator. An empty mountPath uses
// the default mount of each proof's method.
func NewVaultAuthenticator(client *vault.Client, mountPath string, clk clock.Clock, log logr.Logger) *VaultAuthenticator {
	if clk == nil {
		clk = clock.WallClock
	}
	return &VaultAuthenticator{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		clock:     clk,
		log:       log.WithName("authenticator"),
	}
}

// LoginPath returns the login endpoint for method and role.
// OCI carries the role in the path; every other method posts it in the body.
func (a *VaultAuthenticator) LoginPath(method auth.Method, role string) string {
	mount := a.mountPath
	if mount == "" {
		mount = method.DefaultMountPath()
	}
	if method == auth.MethodOCI {
		return fmt.Sprintf("auth/%s/login/%s", mount, url.PathEscape(role))
	}
	return fmt.Sprintf("auth/%s/login", mount)
}

// Authenticate logs in to Vault with the proof's payload.
func (a *VaultAuthenticator) Authenticate(ctx context.Context, proof *auth.IdentityProof, role string) (*Session, error) {
	if proof == nil {
		return nil, sharederrors.NewProofUnavailableError("unknown", fmt.Errorf("no identity proof"))
	}

	data, err := proof.LoginData()
	if err != nil {
		return nil, sharederrors.NewProofUnavailableError(proof.Source, err)
	}
	if proof.Method != auth.MethodOCI {
		data["role"] = role
	}

	path := a.LoginPath(proof.Method, role)
	log := a.log.WithValues(logger.KeyMethod, proof.Method, logger.KeyRole, role)
	start := a.clock.Now()

	secretAuth, err := a.client.Login(ctx, path, data)
	if err != nil {
		err = withIdentity(err, proof.Method, role)
		result := metrics.ResultFailure
		if sharederrors.IsAuthRejected(err) {
			result = metrics.ResultRejected
		}
		metrics.IncrementAuthentication(string(proof.Method), result)
		log.Error(err, "vault login failed", "path", path)
		return nil, err
	}
	metrics.IncrementAuthentication(string(proof.Method), metrics.ResultSuccess)

	now := a.clock.Now()
	session := &Session{
		ID:        uuid.NewString(),
		Token:     secretAuth.ClientToken,
		Accessor:  secretAuth.Accessor,
		Policies:  policies(secretAuth),
		IssuedAt:  now,
		TTL:       time.Duration(secretAuth.LeaseDuration) * time.Second,
		Renewable: secretAuth.Renewable,
		CreatedAt: now,
		Method:    proof.Method,
		Role:      role,
	}

	logger.WithDuration(log, now.Sub(start)).Info("vault login succeeded",
		logger.KeySession, session.ID,
		"ttl", session.TTL,
		"renewable", session.Renewable,
	)
	return session, nil
}

// Renew extends the session token with renew-self.
func (a *VaultAuthenticator) Renew(ctx context.Context, session *Session, increment time.Duration) (*Session, error) {
	secretAuth, err := a.client.RenewSelf(ctx, session.SessionToken(), increment)
	if err != nil {
		return nil, withIdentity(err, session.Method, session.Role)
	}

	renewed := session.Clone()
	renewed.IssuedAt = a.clock.Now()
	renewed.TTL = time.Duration(secretAuth.LeaseDuration) * time.Second
	renewed.Renewable = secretAuth.Renewable
	renewed.RenewalCount++
	if secretAuth.ClientToken != "" {
		renewed.Token = secretAuth.ClientToken
	}
	if p := policies(secretAuth); len(p) > 0 {
		renewed.Policies = p
	}
	return renewed, nil
}

// Lookup returns the token's metadata from lookup-self.
func (a *VaultAuthenticator) Lookup(ctx context.Context, session *Session) (*vault.TokenInfo, error) {
	info, err := a.client.LookupSelf(ctx, session.SessionToken())
	if err != nil {
		return nil, withIdentity(err, session.Method, session.Role)
	}
	return info, nil
}

// Revoke revokes the session token with revoke-self.
func (a *VaultAuthenticator) Revoke(ctx context.Context, session *Session) error {
	if err := a.client.RevokeSelf(ctx, session.SessionToken()); err != nil {
		return withIdentity(err, session.Method, session.Role)
	}
	a.log.V(1).Info("revoked vault token", logger.KeySession, session.ID)
	return nil
}

// Forget drops the cached Vault client of the session.
func (a *VaultAuthenticator) Forget(session *Session) {
	a.client.ForgetSession(session.ID)
}

// withIdentity fills in the method and role of an AuthRejectedError.
func withIdentity(err error, method auth.Method, role string) error {
	var rejected *sharederrors.AuthRejectedError
	if errors.As(err, &rejected) {
		if rejected.Method == "" {
			rejected.Method = string(method)
		}
		if rejected.Role == "" {
			rejected.Role = role
		}
	}
	return err
}

func policies(secretAuth *api.SecretAuth) []string {
	if len(secretAuth.TokenPolicies) > 0 {
		return append([]string(nil), secretAuth.TokenPolicies...)
	}
	return append([]string(nil), secretAuth.Policies...)
}
