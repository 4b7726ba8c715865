/*
Package auth produces platform identity proofs for Vault login.

This file implements the Azure source: a managed identity access token plus
the instance metadata Vault's azure backend binds roles to.
*/
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/juju/clock"
)

const (
	// DefaultAzureResource is the audience Vault's azure backend expects by default
	DefaultAzureResource = "https://management.azure.com/"

	// DefaultAzureMetadataURL is the Azure instance metadata endpoint
	DefaultAzureMetadataURL = "http://169.254.169.254/metadata/instance"

	azureMetadataAPIVersion = "2021-05-01"
)

// AzureAuthOptions contains options for Azure managed identity authentication
type AzureAuthOptions struct {
	// Resource is the token audience (default: Azure Resource Manager)
	Resource string

	// ClientID selects a user-assigned managed identity
	ClientID string

	// MetadataURL overrides the instance metadata endpoint
	MetadataURL string

	// Credential overrides the managed identity credential
	Credential azcore.TokenCredential

	// HTTPClient is used for metadata requests (default: 5s timeout client)
	HTTPClient *http.Client

	// Clock stamps the proof (default: wall clock)
	Clock clock.Clock
}

// azureComputeMetadata is the subset of IMDS compute metadata Vault needs.
type azureComputeMetadata struct {
	SubscriptionID    string `json:"subscriptionId"`
	ResourceGroupName string `json:"resourceGroupName"`
	Name              string `json:"name"`
	VMScaleSetName    string `json:"vmScaleSetName"`
}

// AzureSource combines a managed identity token with instance metadata.
type AzureSource struct {
	opts AzureAuthOptions
}

var _ ProofSource = (*AzureSource)(nil)

// NewAzureSource creates an Azure source.
func NewAzureSource(opts AzureAuthOptions) (*AzureSource, error) {
	if opts.Resource == "" {
		opts.Resource = DefaultAzureResource
	}
	if opts.MetadataURL == "" {
		opts.MetadataURL = DefaultAzureMetadataURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Credential == nil {
		var miOpts *azidentity.ManagedIdentityCredentialOptions
		if opts.ClientID != "" {
			miOpts = &azidentity.ManagedIdentityCredentialOptions{ID: azidentity.ClientID(opts.ClientID)}
		}
		cred, err := azidentity.NewManagedIdentityCredential(miOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create managed identity credential: %w", err)
		}
		opts.Credential = cred
	}
	return &AzureSource{opts: opts}, nil
}

// Name returns the source name.
func (s *AzureSource) Name() string {
	return string(MethodAzure)
}

// ObtainProof fetches an access token and the instance metadata.
func (s *AzureSource) ObtainProof(ctx context.Context) (*IdentityProof, error) {
	scope := strings.TrimSuffix(s.opts.Resource, "/") + "/.default"
	token, err := s.opts.Credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scope}})
	if err != nil {
		return nil, unavailable(s.Name(), fmt.Errorf("failed to get managed identity token: %w", err))
	}

	compute, err := s.computeMetadata(ctx)
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}

	payload := map[string]interface{}{
		"jwt":                 token.Token,
		"subscription_id":     compute.SubscriptionID,
		"resource_group_name": compute.ResourceGroupName,
	}
	if compute.VMScaleSetName != "" {
		payload["vmss_name"] = compute.VMScaleSetName
	} else {
		payload["vm_name"] = compute.Name
	}

	proof := NewIdentityProof(MethodAzure, s.Name(), payload)
	proof.IssuedAt = s.opts.Clock.Now()
	proof.ExpiresAt = token.ExpiresOn
	if claims, err := ParseClaims(token.Token); err == nil {
		proof.Issuer = claims.Issuer
		proof.Subject = claims.Subject
	}
	return proof, nil
}

func (s *AzureSource) computeMetadata(ctx context.Context) (*azureComputeMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.MetadataURL, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("api-version", azureMetadataAPIVersion)
	q.Set("format", "json")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Metadata", "true")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instance metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("instance metadata request returned status %d", resp.StatusCode)
	}

	var body struct {
		Compute azureComputeMetadata `json:"compute"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode instance metadata: %w", err)
	}
	if body.Compute.SubscriptionID == "" || body.Compute.ResourceGroupName == "" {
		return nil, fmt.Errorf("instance metadata is missing subscription or resource group")
	}
	return &body.Compute, nil
}
