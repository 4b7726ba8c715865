/*
Package auth produces platform identity proofs for Vault login.

This file defines the proof type, the source contract and the closed set of
auth methods.
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// Method is a Vault auth method the broker can log in with.
type Method string

// Supported auth methods.
const (
	MethodKubernetes Method = "kubernetes"
	MethodJWT        Method = "jwt"
	MethodAWS        Method = "aws"
	MethodGCP        Method = "gcp"
	MethodAzure      Method = "azure"
	MethodOCI        Method = "oci"
)

// DefaultProofTimeout bounds a single ObtainProof call.
const DefaultProofTimeout = 5 * time.Second

// Methods lists every supported method.
var Methods = []Method{MethodKubernetes, MethodJWT, MethodAWS, MethodGCP, MethodAzure, MethodOCI}

// ParseMethod validates a configured method name.
func ParseMethod(s string) (Method, error) {
	for _, m := range Methods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", sharederrors.NewValidationError("auth.method", s, fmt.Sprintf("unsupported auth method %q", s))
}

// DefaultMountPath returns the conventional Vault mount path for the method.
func (m Method) DefaultMountPath() string {
	return string(m)
}

// ErrProofConsumed is returned when a proof's payload is requested twice.
var ErrProofConsumed = errors.New("identity proof already consumed")

// IdentityProof is a signed, short-lived statement of workload identity.
// It is single use: LoginData hands the payload out once and wipes it.
type IdentityProof struct {
	// Method is the Vault auth method the payload is meant for
	Method Method
	// Source names the source that produced the proof, e.g. "gcp-gce"
	Source string
	// Issuer is the platform authority that signed the proof
	Issuer string
	// Subject is the workload identity asserted by the proof, if known
	Subject string
	// IssuedAt is when the proof was produced
	IssuedAt time.Time
	// ExpiresAt is when the platform stops honouring the proof, zero if unknown
	ExpiresAt time.Time

	mu       sync.Mutex
	payload  map[string]interface{}
	consumed bool
}

// NewIdentityProof creates a proof carrying the login payload.
func NewIdentityProof(method Method, source string, payload map[string]interface{}) *IdentityProof {
	return &IdentityProof{
		Method:  method,
		Source:  source,
		payload: payload,
	}
}

// LoginData returns the login payload and wipes it from the proof.
// A second call fails with ErrProofConsumed.
func (p *IdentityProof) LoginData() (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.consumed {
		return nil, ErrProofConsumed
	}
	p.consumed = true

	out := make(map[string]interface{}, len(p.payload))
	for k, v := range p.payload {
		out[k] = v
	}
	p.payload = nil
	return out, nil
}

// Consumed reports whether the payload has been handed out.
func (p *IdentityProof) Consumed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed
}

// Expired reports whether the proof is past its expiry at now.
func (p *IdentityProof) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// String describes the proof without its payload.
func (p *IdentityProof) String() string {
	return fmt.Sprintf("IdentityProof{method=%s source=%s issuer=%q subject=%q expires=%s payload=<redacted>}",
		p.Method, p.Source, p.Issuer, p.Subject, p.ExpiresAt.Format(time.RFC3339))
}

// ProofSource obtains identity proofs from the platform.
// Every call returns a fresh proof; failures are ProofUnavailableError.
type ProofSource interface {
	// Name identifies the source in logs, metrics and errors
	Name() string
	// ObtainProof fetches a new proof
	ObtainProof(ctx context.Context) (*IdentityProof, error)
}
