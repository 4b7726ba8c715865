/*
Package auth produces platform identity proofs for Vault login.

This file implements the GCP source, supporting:
- GCE instance identity tokens from the metadata server
- IAM-signed JWTs (Workload Identity, service account keys, ADC)
*/
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// GCP auth flavours.
const (
	GCPAuthTypeGCE = "gce"
	GCPAuthTypeIAM = "iam"
)

// DefaultGCPMetadataURL is the GCE metadata server base URL
const DefaultGCPMetadataURL = "http://metadata.google.internal/computeMetadata/v1"

// gcpIAMJWTLifetime is the expiry requested for IAM-signed JWTs.
// Vault's gcp backend rejects JWTs valid for longer than its max_jwt_exp.
const gcpIAMJWTLifetime = 15 * time.Minute

// GCPAuthOptions contains options for GCP authentication
type GCPAuthOptions struct {
	// AuthType is "gce" or "iam"
	AuthType string

	// Role is the Vault role; it is baked into the JWT audience
	Role string

	// ServiceAccountEmail is the GCP service account email (iam)
	// If empty, attempts to auto-detect from credentials or the metadata server
	ServiceAccountEmail string

	// CredentialsJSON is optional GCP credentials JSON (iam)
	// If empty, uses Application Default Credentials or Workload Identity
	CredentialsJSON []byte

	// MetadataURL overrides the metadata server base URL
	MetadataURL string

	// IAMEndpoint overrides the IAM Credentials API endpoint
	IAMEndpoint string

	// HTTPClient is used for metadata requests (default: 5s timeout client)
	HTTPClient *http.Client

	// Clock provides claim timestamps (default: wall clock)
	Clock clock.Clock
}

// GCPSource produces GCE identity tokens or IAM-signed JWTs.
type GCPSource struct {
	opts GCPAuthOptions
	// iamHTTPClient is set only when the caller supplied an HTTP client;
	// the IAM API otherwise builds its own authenticated transport.
	iamHTTPClient *http.Client
}

var _ ProofSource = (*GCPSource)(nil)

// NewGCPSource creates a GCP source.
func NewGCPSource(opts GCPAuthOptions) (*GCPSource, error) {
	if opts.Role == "" {
		return nil, fmt.Errorf("gcp source requires the vault role for the JWT audience")
	}
	switch opts.AuthType {
	case "":
		opts.AuthType = GCPAuthTypeGCE
	case GCPAuthTypeGCE, GCPAuthTypeIAM:
	default:
		return nil, fmt.Errorf("unsupported gcp auth type %q", opts.AuthType)
	}
	if opts.MetadataURL == "" {
		opts.MetadataURL = DefaultGCPMetadataURL
	}
	iamHTTPClient := opts.HTTPClient
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &GCPSource{opts: opts, iamHTTPClient: iamHTTPClient}, nil
}

// Name returns the source name.
func (s *GCPSource) Name() string {
	return "gcp-" + s.opts.AuthType
}

// ObtainProof fetches a new identity token or signed JWT.
func (s *GCPSource) ObtainProof(ctx context.Context) (*IdentityProof, error) {
	var (
		token string
		err   error
	)

	switch s.opts.AuthType {
	case GCPAuthTypeIAM:
		token, err = s.signIAMJWT(ctx)
	default:
		token, err = s.gceIdentityToken(ctx)
	}
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}

	proof, err := proofFromJWT(MethodGCP, s.Name(), token, s.opts.Clock.Now())
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}
	return proof, nil
}

// signIAMJWT generates a JWT signed by GCP's IAM service to prove identity.
func (s *GCPSource) signIAMJWT(ctx context.Context) (string, error) {
	saEmail := s.opts.ServiceAccountEmail
	if saEmail == "" {
		var err error
		saEmail, err = s.serviceAccountEmail(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to determine service account email: %w", err)
		}
	}

	var clientOpts []option.ClientOption
	if len(s.opts.CredentialsJSON) > 0 {
		creds, err := google.CredentialsFromJSON(ctx, s.opts.CredentialsJSON,
			iamcredentials.CloudPlatformScope)
		if err != nil {
			return "", fmt.Errorf("failed to parse credentials JSON: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentials(creds))
	}
	if s.opts.IAMEndpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(s.opts.IAMEndpoint))
	}
	if s.iamHTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(s.iamHTTPClient))
	}

	iamService, err := iamcredentials.NewService(ctx, clientOpts...)
	if err != nil {
		return "", fmt.Errorf("failed to create IAM credentials service: %w", err)
	}

	now := s.opts.Clock.Now()
	claims := map[string]interface{}{
		"aud": fmt.Sprintf("vault/%s", s.opts.Role),
		"sub": saEmail,
		"iat": now.Unix(),
		"exp": now.Add(gcpIAMJWTLifetime).Unix(),
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JWT claims: %w", err)
	}

	name := fmt.Sprintf("projects/-/serviceAccounts/%s", saEmail)
	signResp, err := iamService.Projects.ServiceAccounts.SignJwt(name, &iamcredentials.SignJwtRequest{
		Payload: string(claimsJSON),
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return signResp.SignedJwt, nil
}

// serviceAccountEmail retrieves the service account email from credentials
// or the metadata server.
func (s *GCPSource) serviceAccountEmail(ctx context.Context) (string, error) {
	if len(s.opts.CredentialsJSON) > 0 {
		var credData struct {
			ClientEmail string `json:"client_email"`
		}
		if json.Unmarshal(s.opts.CredentialsJSON, &credData) == nil && credData.ClientEmail != "" {
			return credData.ClientEmail, nil
		}
	}

	return s.metadata(ctx, "instance/service-accounts/default/email", nil)
}

// gceIdentityToken retrieves an instance identity token from the metadata server
func (s *GCPSource) gceIdentityToken(ctx context.Context) (string, error) {
	query := url.Values{}
	query.Set("audience", fmt.Sprintf("vault/%s", s.opts.Role))
	query.Set("format", "full")
	return s.metadata(ctx, "instance/service-accounts/default/identity", query)
}

func (s *GCPSource) metadata(ctx context.Context, path string, query url.Values) (string, error) {
	metadataURL := strings.TrimRight(s.opts.MetadataURL, "/") + "/" + path
	if len(query) > 0 {
		metadataURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("metadata request for %s returned status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}

	value := strings.TrimSpace(string(body))
	if value == "" {
		return "", fmt.Errorf("empty metadata response for %s", path)
	}
	return value, nil
}
