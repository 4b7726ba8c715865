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

package config

import (
	"fmt"
	"os"

	"github.com/juju/clock"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/panteparak/vault-credential-broker/pkg/vault"
	"github.com/panteparak/vault-credential-broker/pkg/vault/auth"
)

// KubeClientFunc returns a Kubernetes client for TokenRequest-backed JWT
// proofs. It is only called when one is needed.
type KubeClientFunc func() (kubernetes.Interface, error)

// InClusterKubeClient builds a client from the pod's service account.
func InClusterKubeClient() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

// VaultClientConfig returns the Vault transport configuration.
func (c *Config) VaultClientConfig() vault.ClientConfig {
	cfg := vault.ClientConfig{
		Address: c.Vault.Address,
		Timeout: c.Vault.Timeout,
	}
	if c.Vault.CACert != "" || c.Vault.SkipVerify {
		cfg.TLSConfig = &vault.TLSConfig{
			CACert:     c.Vault.CACert,
			SkipVerify: c.Vault.SkipVerify,
		}
	}
	return cfg
}

// ProofSource builds the configured identity source, bounded by
// auth.proof_timeout. Fallback methods are chained after the primary one.
func (c *Config) ProofSource(clk clock.Clock, kubeClient KubeClientFunc) (auth.ProofSource, error) {
	if kubeClient == nil {
		kubeClient = InClusterKubeClient
	}

	methods := append([]string{c.Auth.Method}, c.Auth.Fallback...)
	sources := make([]auth.ProofSource, 0, len(methods))
	for _, name := range methods {
		method, err := auth.ParseMethod(name)
		if err != nil {
			return nil, err
		}
		src, err := c.sourceFor(method, clk, kubeClient)
		if err != nil {
			return nil, fmt.Errorf("failed to configure %s identity source: %w", method, err)
		}
		sources = append(sources, src)
	}

	var src auth.ProofSource = sources[0]
	if len(sources) > 1 {
		src = auth.NewChainSource(sources...)
	}
	return auth.WithTimeout(src, c.Auth.ProofTimeout), nil
}

func (c *Config) sourceFor(method auth.Method, clk clock.Clock, kubeClient KubeClientFunc) (auth.ProofSource, error) {
	switch method {
	case auth.MethodKubernetes:
		return auth.NewKubernetesSource(auth.KubernetesOptions{
			TokenPath: c.Auth.Kubernetes.TokenPath,
			Clock:     clk,
		}), nil

	case auth.MethodJWT:
		if c.Auth.JWT.TokenPath != "" {
			return auth.NewJWTFileSource(auth.JWTFileOptions{
				Path:  c.Auth.JWT.TokenPath,
				Clock: clk,
			})
		}
		client, err := kubeClient()
		if err != nil {
			return nil, err
		}
		return auth.NewTokenRequestSource(client, auth.JWTTokenOptions{
			Audiences:               c.Auth.JWT.Audiences,
			Duration:                c.Auth.JWT.Duration,
			ServiceAccountName:      c.Auth.JWT.ServiceAccount,
			ServiceAccountNamespace: c.Auth.JWT.Namespace,
		})

	case auth.MethodAWS:
		return auth.NewAWSSource(auth.AWSAuthOptions{
			Region:                 c.Auth.AWS.Region,
			STSEndpoint:            c.Auth.AWS.STSEndpoint,
			IAMServerIDHeaderValue: c.Auth.AWS.ServerIDHeader,
			Clock:                  clk,
		}), nil

	case auth.MethodGCP:
		opts := auth.GCPAuthOptions{
			AuthType:            c.Auth.GCP.Type,
			Role:                c.Auth.Role,
			ServiceAccountEmail: c.Auth.GCP.ServiceAccountEmail,
			Clock:               clk,
		}
		if c.Auth.GCP.CredentialsFile != "" {
			data, err := os.ReadFile(c.Auth.GCP.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read gcp credentials: %w", err)
			}
			opts.CredentialsJSON = data
		}
		return auth.NewGCPSource(opts)

	case auth.MethodAzure:
		return auth.NewAzureSource(auth.AzureAuthOptions{
			Resource: c.Auth.Azure.Resource,
			ClientID: c.Auth.Azure.ClientID,
			Clock:    clk,
		})

	case auth.MethodOCI:
		return auth.NewOCISource(auth.OCIAuthOptions{
			VaultAddress: c.Vault.Address,
			MountPath:    c.Auth.MountPath,
			Role:         c.Auth.Role,
			Clock:        clk,
		})
	}
	return nil, fmt.Errorf("unsupported auth method %q", method)
}
