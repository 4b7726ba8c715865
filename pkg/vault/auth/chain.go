/*
Package auth produces platform identity proofs for Vault login.

This file implements an ordered fallback over several sources.
*/
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// ChainSource tries each source in order and returns the first proof.
type ChainSource struct {
	sources []ProofSource
}

var _ ProofSource = (*ChainSource)(nil)

// NewChainSource creates a chain over sources.
func NewChainSource(sources ...ProofSource) *ChainSource {
	return &ChainSource{sources: sources}
}

// Name joins the names of the chained sources.
func (c *ChainSource) Name() string {
	names := make([]string, 0, len(c.sources))
	for _, s := range c.sources {
		names = append(names, s.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// ObtainProof returns the first successful proof. When every source fails
// the individual failures are reported together.
func (c *ChainSource) ObtainProof(ctx context.Context) (*IdentityProof, error) {
	var result *multierror.Error
	for _, s := range c.sources {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		proof, err := s.ObtainProof(ctx)
		if err == nil && proof != nil {
			return proof, nil
		}
		if err == nil {
			err = fmt.Errorf("%s returned no proof", s.Name())
		}
		result = multierror.Append(result, err)
	}
	if result == nil {
		result = multierror.Append(result, fmt.Errorf("no proof sources configured"))
	}
	return nil, sharederrors.NewProofUnavailableError(c.Name(), result)
}
