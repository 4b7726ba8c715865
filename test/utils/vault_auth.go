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
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// DefaultJWTAuthPath is where tests mount the jwt auth method.
const DefaultJWTAuthPath = "jwt"

// VaultAdmin prepares a Vault server for broker tests using a root token.
type VaultAdmin struct {
	client *vault.Client
}

// NewVaultAdmin connects to address with token.
func NewVaultAdmin(address, token string) (*VaultAdmin, error) {
	config := vault.DefaultConfig()
	config.Address = address
	config.MaxRetries = 0

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultAdmin{client: client}, nil
}

// Client returns the root Vault client.
func (a *VaultAdmin) Client() *vault.Client {
	return a.client
}

// JWTRoleConfig contains configuration for a JWT role
type JWTRoleConfig struct {
	Name string
	// BoundAudiences restricts the "aud" claim
	BoundAudiences []string
	// BoundSubject restricts the "sub" claim
	BoundSubject string
	// TokenPolicies are the policies to attach to the token
	TokenPolicies []string
	// TokenTTL is the default token TTL, e.g. "1h"
	TokenTTL string
	// TokenMaxTTL caps renewals, e.g. "2h"
	TokenMaxTTL string
}

// EnableJWTAuth mounts the jwt auth method at path (idempotent) and trusts
// tokens from issuer signed by pubKeyPEM.
func (a *VaultAdmin) EnableJWTAuth(ctx context.Context, path, issuer, pubKeyPEM string) error {
	if path == "" {
		path = DefaultJWTAuthPath
	}

	mounts, err := a.client.Sys().ListAuthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to list auth mounts: %w", err)
	}
	if _, ok := mounts[path+"/"]; !ok {
		if err := a.client.Sys().EnableAuthWithOptionsWithContext(ctx, path, &vault.MountInput{
			Type:        "jwt",
			Description: "workload identity for broker tests",
		}); err != nil {
			return fmt.Errorf("failed to enable JWT auth: %w", err)
		}
	}

	_, err = a.client.Logical().WriteWithContext(ctx, fmt.Sprintf("auth/%s/config", path), map[string]interface{}{
		"bound_issuer":           issuer,
		"jwt_validation_pubkeys": []string{pubKeyPEM},
	})
	if err != nil {
		return fmt.Errorf("failed to configure JWT auth: %w", err)
	}
	return nil
}

// CreateJWTRole creates or replaces a jwt role.
func (a *VaultAdmin) CreateJWTRole(ctx context.Context, path string, config JWTRoleConfig) error {
	if path == "" {
		path = DefaultJWTAuthPath
	}

	data := map[string]interface{}{
		"role_type":       "jwt",
		"user_claim":      "sub",
		"bound_audiences": config.BoundAudiences,
		"token_policies":  config.TokenPolicies,
	}
	if config.BoundSubject != "" {
		data["bound_subject"] = config.BoundSubject
	}
	if config.TokenTTL != "" {
		data["token_ttl"] = config.TokenTTL
	}
	if config.TokenMaxTTL != "" {
		data["token_max_ttl"] = config.TokenMaxTTL
	}

	_, err := a.client.Logical().WriteWithContext(ctx, fmt.Sprintf("auth/%s/role/%s", path, config.Name), data)
	if err != nil {
		return fmt.Errorf("failed to create JWT role: %w", err)
	}
	return nil
}

// WritePolicy writes an ACL policy.
func (a *VaultAdmin) WritePolicy(ctx context.Context, name, hcl string) error {
	if err := a.client.Sys().PutPolicyWithContext(ctx, name, hcl); err != nil {
		return fmt.Errorf("failed to write policy %s: %w", name, err)
	}
	return nil
}

// EnableKVv1 mounts a KV version 1 engine at path (idempotent).
func (a *VaultAdmin) EnableKVv1(ctx context.Context, path string) error {
	mounts, err := a.client.Sys().ListMountsWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mounts: %w", err)
	}
	if _, ok := mounts[path+"/"]; ok {
		return nil
	}
	if err := a.client.Sys().MountWithContext(ctx, path, &vault.MountInput{
		Type:    "kv",
		Options: map[string]string{"version": "1"},
	}); err != nil {
		return fmt.Errorf("failed to mount kv at %s: %w", path, err)
	}
	return nil
}

// PutKVv2 writes a new version of a KV v2 secret and returns its version.
func (a *VaultAdmin) PutKVv2(ctx context.Context, mount, path string, data map[string]interface{}) (int, error) {
	s, err := a.client.KVv2(mount).Put(ctx, path, data)
	if err != nil {
		return 0, fmt.Errorf("failed to write %s/%s: %w", mount, path, err)
	}
	return s.VersionMetadata.Version, nil
}

// PutKVv1 writes a KV v1 secret.
func (a *VaultAdmin) PutKVv1(ctx context.Context, mount, path string, data map[string]interface{}) error {
	if err := a.client.KVv1(mount).Put(ctx, path, data); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", mount, path, err)
	}
	return nil
}

// RevokeAccessor revokes the token behind accessor, simulating an operator
// revoking a workload's session.
func (a *VaultAdmin) RevokeAccessor(ctx context.Context, accessor string) error {
	_, err := a.client.Logical().WriteWithContext(ctx, "auth/token/revoke-accessor", map[string]interface{}{
		"accessor": accessor,
	})
	if err != nil {
		return fmt.Errorf("failed to revoke accessor: %w", err)
	}
	return nil
}
