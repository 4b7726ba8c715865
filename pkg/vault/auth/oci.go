/*
Package auth produces platform identity proofs for Vault login.

This file implements the OCI source: a login request signed with the
instance principal (or any configured OCI key) that Vault's oci backend
verifies against the identity service.
*/
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/clock"
	ociCommon "github.com/oracle/oci-go-sdk/v65/common"
	ociAuth "github.com/oracle/oci-go-sdk/v65/common/auth"
)

// OCIAuthOptions contains options for OCI authentication
type OCIAuthOptions struct {
	// VaultAddress is the Vault URL the signed request targets
	VaultAddress string

	// MountPath is the oci auth mount (default: "oci")
	MountPath string

	// Role is the Vault role; it is part of the signed request path
	Role string

	// Provider overrides the instance principal configuration provider
	Provider ociCommon.ConfigurationProvider

	// Clock stamps the Date header (default: wall clock)
	Clock clock.Clock
}

// OCISource signs a login request with an OCI key.
type OCISource struct {
	opts OCIAuthOptions
}

var _ ProofSource = (*OCISource)(nil)

// NewOCISource creates an OCI source. Without an explicit provider the
// instance principal of the current compute instance is used.
func NewOCISource(opts OCIAuthOptions) (*OCISource, error) {
	if opts.VaultAddress == "" {
		return nil, fmt.Errorf("vault address is required for OCI authentication")
	}
	if opts.Role == "" {
		return nil, fmt.Errorf("role is required for OCI authentication")
	}
	if opts.MountPath == "" {
		opts.MountPath = MethodOCI.DefaultMountPath()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Provider == nil {
		provider, err := ociAuth.InstancePrincipalConfigurationProvider()
		if err != nil {
			return nil, fmt.Errorf("failed to create instance principal provider: %w", err)
		}
		opts.Provider = provider
	}
	return &OCISource{opts: opts}, nil
}

// Name returns the source name.
func (s *OCISource) Name() string {
	return string(MethodOCI)
}

// LoginURL returns the URL the signed request is addressed to.
func (s *OCISource) LoginURL() string {
	return fmt.Sprintf("%s/v1/auth/%s/login/%s",
		strings.TrimRight(s.opts.VaultAddress, "/"),
		strings.Trim(s.opts.MountPath, "/"),
		url.PathEscape(s.opts.Role))
}

// ObtainProof signs a GET of the login URL and returns its headers.
func (s *OCISource) ObtainProof(ctx context.Context) (*IdentityProof, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.LoginURL(), nil)
	if err != nil {
		return nil, unavailable(s.Name(), fmt.Errorf("failed to build login request: %w", err))
	}

	now := s.opts.Clock.Now()
	req.Header.Set("Date", now.UTC().Format(http.TimeFormat))

	if err := ociCommon.DefaultRequestSigner(s.opts.Provider).Sign(req); err != nil {
		return nil, unavailable(s.Name(), fmt.Errorf("failed to sign login request: %w", err))
	}

	headers := make(map[string][]string, len(req.Header)+2)
	for k, v := range req.Header {
		headers[strings.ToLower(k)] = v
	}
	headers["host"] = []string{req.URL.Host}
	headers["(request-target)"] = []string{"get " + req.URL.RequestURI()}

	proof := NewIdentityProof(MethodOCI, s.Name(), map[string]interface{}{
		"request_headers": headers,
	})
	proof.IssuedAt = now
	if tenancy, err := s.opts.Provider.TenancyOCID(); err == nil {
		proof.Issuer = tenancy
	}
	if keyID, err := s.opts.Provider.KeyID(); err == nil {
		proof.Subject = keyID
	}
	return proof, nil
}
