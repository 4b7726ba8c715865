/*
Package auth produces platform identity proofs for Vault login.

This file implements the Kubernetes source, which reads the projected
service account token mounted into the pod.
*/
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/juju/clock"
)

const (
	// DefaultKubernetesTokenPath is the default path for mounted service account tokens
	DefaultKubernetesTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

	// DefaultKubernetesNamespacePath is the path to the mounted namespace file
	DefaultKubernetesNamespacePath = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

// KubernetesOptions contains options for the Kubernetes source
type KubernetesOptions struct {
	// TokenPath is the path to the service account token file
	TokenPath string

	// Clock is used to reject expired tokens (default: wall clock)
	Clock clock.Clock
}

// KubernetesSource reads the pod's projected service account token.
type KubernetesSource struct {
	tokenPath string
	clock     clock.Clock
}

var _ ProofSource = (*KubernetesSource)(nil)

// NewKubernetesSource creates a source reading the service account token.
func NewKubernetesSource(opts KubernetesOptions) *KubernetesSource {
	if opts.TokenPath == "" {
		opts.TokenPath = DefaultKubernetesTokenPath
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &KubernetesSource{tokenPath: opts.TokenPath, clock: opts.Clock}
}

// Name returns the source name.
func (s *KubernetesSource) Name() string {
	return string(MethodKubernetes)
}

// ObtainProof reads the token fresh from disk; kubelet rotates it in place.
func (s *KubernetesSource) ObtainProof(ctx context.Context) (*IdentityProof, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(s.Name(), err)
	}

	token, err := GetServiceAccountTokenFromPath(s.tokenPath)
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}

	proof, err := proofFromJWT(MethodKubernetes, s.Name(), token, s.clock.Now())
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}
	return proof, nil
}

// GetServiceAccountTokenFromPath reads a service account token from a custom path.
func GetServiceAccountTokenFromPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read service account token from %s: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("service account token at %s is empty", path)
	}
	return token, nil
}

// GetCurrentNamespace returns the namespace of the current pod.
// It first checks the POD_NAMESPACE environment variable,
// then falls back to the mounted namespace file.
func GetCurrentNamespace() (string, error) {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns, nil
	}

	data, err := os.ReadFile(DefaultKubernetesNamespacePath)
	if err != nil {
		return "", fmt.Errorf("failed to read namespace from %s: %w", DefaultKubernetesNamespacePath, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// IsRunningInKubernetes checks if the code is running inside a Kubernetes pod
// by checking for the existence of the service account token file.
func IsRunningInKubernetes() bool {
	_, err := os.Stat(DefaultKubernetesTokenPath)
	return err == nil
}
