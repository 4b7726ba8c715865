/*
Package auth produces platform identity proofs for Vault login.

This file bounds proof sources with a timeout and normalises their failures.
*/
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/panteparak/vault-credential-broker/pkg/metrics"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// boundedSource enforces a per-call timeout on another source.
type boundedSource struct {
	inner   ProofSource
	timeout time.Duration
}

// WithTimeout bounds every ObtainProof call of src by timeout.
// Any failure is reported as a ProofUnavailableError and counted.
func WithTimeout(src ProofSource, timeout time.Duration) ProofSource {
	if timeout <= 0 {
		timeout = DefaultProofTimeout
	}
	return &boundedSource{inner: src, timeout: timeout}
}

func (b *boundedSource) Name() string {
	return b.inner.Name()
}

func (b *boundedSource) ObtainProof(ctx context.Context) (*IdentityProof, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	proof, err := b.inner.ObtainProof(ctx)
	if err == nil && proof == nil {
		err = fmt.Errorf("source returned no proof")
	}
	if err != nil {
		metrics.IncrementProofFailure(b.inner.Name())
		return nil, unavailable(b.inner.Name(), err)
	}
	return proof, nil
}

// unavailable wraps err as a ProofUnavailableError unless it already is one.
func unavailable(source string, err error) error {
	if sharederrors.IsProofUnavailable(err) {
		return err
	}
	return sharederrors.NewProofUnavailableError(source, err)
}
