/*
Package auth produces platform identity proofs for Vault login.

This file extracts registered claims from JWT proofs without verifying them.
Vault performs the cryptographic check; the broker only needs the expiry and
subject for logging and for refusing tokens that are already stale.
*/
package auth

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the registered claims of a JWT proof.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseClaims reads the registered claims of token without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	registered := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, registered); err != nil {
		return nil, fmt.Errorf("failed to parse JWT claims: %w", err)
	}

	c := &Claims{
		Issuer:   registered.Issuer,
		Subject:  registered.Subject,
		Audience: registered.Audience,
	}
	if registered.IssuedAt != nil {
		c.IssuedAt = registered.IssuedAt.Time
	}
	if registered.ExpiresAt != nil {
		c.ExpiresAt = registered.ExpiresAt.Time
	}
	return c, nil
}

// ValidateJWTClaims performs basic validation of JWT claims.
// This is a pre-flight check before sending to Vault.
func ValidateJWTClaims(token, expectedIssuer, expectedAudience string, now time.Time) (*Claims, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return nil, err
	}

	if expectedIssuer != "" && claims.Issuer != expectedIssuer {
		return nil, fmt.Errorf("JWT issuer mismatch: got %q, expected %q", claims.Issuer, expectedIssuer)
	}

	if expectedAudience != "" && !slices.Contains(claims.Audience, expectedAudience) {
		return nil, fmt.Errorf("JWT audience mismatch: expected %q", expectedAudience)
	}

	if !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt) {
		return nil, fmt.Errorf("JWT expired at %s", claims.ExpiresAt.Format(time.RFC3339))
	}

	return claims, nil
}

// proofFromJWT builds a proof for a JWT-based login, carrying its claims.
func proofFromJWT(method Method, source, token string, now time.Time) (*IdentityProof, error) {
	claims, err := ValidateJWTClaims(token, "", "", now)
	if err != nil {
		return nil, err
	}

	proof := NewIdentityProof(method, source, map[string]interface{}{"jwt": token})
	proof.Issuer = claims.Issuer
	proof.Subject = claims.Subject
	proof.IssuedAt = claims.IssuedAt
	if proof.IssuedAt.IsZero() {
		proof.IssuedAt = now
	}
	proof.ExpiresAt = claims.ExpiresAt
	return proof, nil
}
