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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Defaults for workload identity tokens minted in tests.
const (
	DefaultIssuer   = "https://issuer.broker.test"
	DefaultAudience = "vault"
)

// JWTFixtures signs workload identity tokens with a throwaway RSA key.
// Vault's jwt auth method is configured with the matching public key, so
// tests can log in without a real identity provider.
type JWTFixtures struct {
	privateKey *rsa.PrivateKey
	keyID      string
}

// NewJWTFixtures creates a new JWTFixtures instance with a generated RSA key pair.
func NewJWTFixtures() (*JWTFixtures, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &JWTFixtures{privateKey: privateKey, keyID: "test-key-1"}, nil
}

// JWTOptions configures JWT generation
type JWTOptions struct {
	// Issuer claim (iss)
	Issuer string
	// Subject claim (sub)
	Subject string
	// Audience claim (aud)
	Audience []string
	// Expiration duration from IssuedAt
	ExpiresIn time.Duration
	// IssuedAt time (defaults to now)
	IssuedAt time.Time
	// Custom claims to add
	CustomClaims map[string]interface{}
}

// CreateJWT generates a signed JWT with the given options.
func (f *JWTFixtures) CreateJWT(opts JWTOptions) (string, error) {
	now := opts.IssuedAt
	if now.IsZero() {
		now = time.Now()
	}
	if opts.Issuer == "" {
		opts.Issuer = DefaultIssuer
	}
	if len(opts.Audience) == 0 {
		opts.Audience = []string{DefaultAudience}
	}
	if opts.ExpiresIn == 0 {
		opts.ExpiresIn = time.Hour
	}

	claims := jwt.MapClaims{
		"iss": opts.Issuer,
		"sub": opts.Subject,
		"aud": opts.Audience,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(opts.ExpiresIn).Unix(),
	}
	for k, v := range opts.CustomClaims {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.keyID
	return token.SignedString(f.privateKey)
}

// CreateWorkloadJWT mints a token for subject with default issuer and audience.
func (f *JWTFixtures) CreateWorkloadJWT(subject string, ttl time.Duration) (string, error) {
	return f.CreateJWT(JWTOptions{Subject: subject, ExpiresIn: ttl})
}

// PublicKeyPEM returns the public key in PEM format for jwt_validation_pubkeys.
func (f *JWTFixtures) PublicKeyPEM() (string, error) {
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&f.privateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubKeyBytes})), nil
}

// WriteTokenFile writes token to dir/token the way a projected volume would.
func WriteTokenFile(dir, token string) (string, error) {
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("failed to write token file: %w", err)
	}
	return path, nil
}
