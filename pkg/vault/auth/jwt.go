/*
Package auth produces platform identity proofs for Vault login.

This file provides JWT sources for Vault's JWT/OIDC auth method: a token read
from a file (CI systems, external OIDC providers) or a short-lived token
minted through the Kubernetes TokenRequest API.
*/
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/juju/clock"
	authv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// DefaultJWTAudiences are the default audiences for JWT auth
var DefaultJWTAudiences = []string{"vault"}

// DefaultTokenDuration is the default token duration for TokenRequest
const DefaultTokenDuration = 10 * time.Minute

// JWTFileOptions contains options for reading a JWT from disk
type JWTFileOptions struct {
	// Path is the file holding the JWT
	Path string

	// Method selects the Vault login method (default: jwt)
	Method Method

	// Clock is used to reject expired tokens (default: wall clock)
	Clock clock.Clock
}

// JWTFileSource reads a JWT from a file on every call.
type JWTFileSource struct {
	path   string
	method Method
	clock  clock.Clock
}

var _ ProofSource = (*JWTFileSource)(nil)

// NewJWTFileSource creates a source reading a JWT from opts.Path.
func NewJWTFileSource(opts JWTFileOptions) (*JWTFileSource, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("jwt file path is required")
	}
	if opts.Method == "" {
		opts.Method = MethodJWT
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &JWTFileSource{path: opts.Path, method: opts.Method, clock: opts.Clock}, nil
}

// Name returns the source name.
func (s *JWTFileSource) Name() string {
	return "jwt-file"
}

// ObtainProof reads and pre-validates the JWT.
func (s *JWTFileSource) ObtainProof(ctx context.Context) (*IdentityProof, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(s.Name(), err)
	}

	token, err := GetJWTFromFile(s.path)
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}

	proof, err := proofFromJWT(s.method, s.Name(), token, s.clock.Now())
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}
	return proof, nil
}

// GetJWTFromFile reads a JWT token from a file path.
func GetJWTFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read JWT from file %s: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("JWT file %s is empty", path)
	}
	return token, nil
}

// JWTTokenOptions contains options for JWT token acquisition via TokenRequest
type JWTTokenOptions struct {
	// Audiences is the list of audiences for the token
	// Maps to the 'aud' claim in the JWT
	Audiences []string

	// Duration is the requested token lifetime
	Duration time.Duration

	// ServiceAccountName is the name of the service account
	ServiceAccountName string

	// ServiceAccountNamespace is the namespace of the service account
	// If empty, uses the pod's namespace
	ServiceAccountNamespace string

	// Method selects the Vault login method (default: jwt)
	Method Method
}

// TokenRequestSource mints a fresh JWT for every proof through the
// Kubernetes TokenRequest API.
type TokenRequestSource struct {
	client kubernetes.Interface
	opts   JWTTokenOptions
}

var _ ProofSource = (*TokenRequestSource)(nil)

// NewTokenRequestSource creates a TokenRequest-backed source.
func NewTokenRequestSource(client kubernetes.Interface, opts JWTTokenOptions) (*TokenRequestSource, error) {
	if client == nil {
		return nil, fmt.Errorf("kubernetes client is required")
	}
	if opts.ServiceAccountName == "" {
		return nil, fmt.Errorf("service account name is required")
	}
	if len(opts.Audiences) == 0 {
		opts.Audiences = DefaultJWTAudiences
	}
	if opts.Duration == 0 {
		opts.Duration = DefaultTokenDuration
	}
	if opts.Method == "" {
		opts.Method = MethodJWT
	}
	if opts.ServiceAccountNamespace == "" {
		ns, err := GetCurrentNamespace()
		if err != nil {
			return nil, fmt.Errorf("service account namespace is required outside a pod: %w", err)
		}
		opts.ServiceAccountNamespace = ns
	}
	return &TokenRequestSource{client: client, opts: opts}, nil
}

// Name returns the source name.
func (s *TokenRequestSource) Name() string {
	return "token-request"
}

// ObtainProof requests a new service account token.
func (s *TokenRequestSource) ObtainProof(ctx context.Context) (*IdentityProof, error) {
	token, expiry, err := GetJWTFromTokenRequest(ctx, s.client, s.opts)
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}

	proof := NewIdentityProof(s.opts.Method, s.Name(), map[string]interface{}{"jwt": token})
	proof.ExpiresAt = expiry
	if claims, err := ParseClaims(token); err == nil {
		proof.Issuer = claims.Issuer
		proof.Subject = claims.Subject
		proof.IssuedAt = claims.IssuedAt
	}
	if proof.Subject == "" {
		proof.Subject = fmt.Sprintf("system:serviceaccount:%s:%s",
			s.opts.ServiceAccountNamespace, s.opts.ServiceAccountName)
	}
	return proof, nil
}

// GetJWTFromTokenRequest creates a JWT token using Kubernetes TokenRequest API.
// This provides short-lived tokens suitable for JWT/OIDC authentication.
func GetJWTFromTokenRequest(
	ctx context.Context,
	client kubernetes.Interface,
	opts JWTTokenOptions,
) (string, time.Time, error) {
	expirationSeconds := int64(opts.Duration.Seconds())

	tokenRequest := &authv1.TokenRequest{
		Spec: authv1.TokenRequestSpec{
			Audiences:         opts.Audiences,
			ExpirationSeconds: &expirationSeconds,
		},
	}

	result, err := client.CoreV1().ServiceAccounts(opts.ServiceAccountNamespace).
		CreateToken(ctx, opts.ServiceAccountName, tokenRequest, metav1.CreateOptions{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token request: %w", err)
	}

	if result.Status.Token == "" {
		return "", time.Time{}, fmt.Errorf("token request for %s/%s returned no token",
			opts.ServiceAccountNamespace, opts.ServiceAccountName)
	}

	return result.Status.Token, result.Status.ExpirationTimestamp.Time, nil
}
