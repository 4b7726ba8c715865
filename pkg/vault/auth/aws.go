/*
Package auth produces platform identity proofs for Vault login.

This file implements the AWS IAM source, supporting both:
- IAM Roles for Service Accounts (IRSA) on EKS
- EC2 instance profiles and IAM roles
*/
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/juju/clock"
)

const (
	// IAMServerIDHeader is checked by Vault against its iam_server_id_header_value
	IAMServerIDHeader = "X-Vault-AWS-IAM-Server-ID"

	// DefaultSTSRegion is the signing region Vault assumes for the global endpoint
	DefaultSTSRegion = "us-east-1"

	globalSTSEndpoint       = "https://sts.amazonaws.com/"
	getCallerIdentityBody   = "Action=GetCallerIdentity&Version=2011-06-15"
	awsSignedRequestMaxSkew = 15 * time.Minute
)

// AWSAuthOptions contains options for AWS IAM authentication
type AWSAuthOptions struct {
	// Region is the signing region (default: us-east-1 with the global endpoint)
	Region string

	// STSEndpoint overrides the default STS endpoint
	STSEndpoint string

	// IAMServerIDHeaderValue sets the X-Vault-AWS-IAM-Server-ID header
	// This must match the value configured in Vault's AWS auth backend
	IAMServerIDHeaderValue string

	// Credentials overrides the SDK default credential chain
	Credentials aws.CredentialsProvider

	// Clock provides the signing time (default: wall clock)
	Clock clock.Clock
}

// AWSSource signs an STS GetCallerIdentity request for every proof.
type AWSSource struct {
	opts AWSAuthOptions
}

var _ ProofSource = (*AWSSource)(nil)

// NewAWSSource creates an AWS IAM source.
func NewAWSSource(opts AWSAuthOptions) *AWSSource {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &AWSSource{opts: opts}
}

// Name returns the source name.
func (s *AWSSource) Name() string {
	return string(MethodAWS)
}

// ObtainProof signs a fresh GetCallerIdentity request.
func (s *AWSSource) ObtainProof(ctx context.Context) (*IdentityProof, error) {
	signedAt := s.opts.Clock.Now().UTC()

	loginData, err := GenerateAWSIAMLoginData(ctx, s.opts, signedAt)
	if err != nil {
		return nil, unavailable(s.Name(), err)
	}

	proof := NewIdentityProof(MethodAWS, s.Name(), loginData)
	proof.Issuer = "sts.amazonaws.com"
	proof.IssuedAt = signedAt
	proof.ExpiresAt = signedAt.Add(awsSignedRequestMaxSkew)
	return proof, nil
}

// GenerateAWSIAMLoginData generates the login data for Vault's AWS IAM auth method.
// This creates a signed STS GetCallerIdentity request that Vault replays to verify
// the AWS identity.
func GenerateAWSIAMLoginData(ctx context.Context, opts AWSAuthOptions, signedAt time.Time) (map[string]interface{}, error) {
	provider := opts.Credentials
	region := opts.Region

	if provider == nil {
		awsCfg, err := loadAWSConfig(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		provider = awsCfg.Credentials
	}
	if region == "" {
		region = DefaultSTSRegion
	}

	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	endpoint := stsEndpoint(opts.STSEndpoint, region)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(getCallerIdentityBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build GetCallerIdentity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	if opts.IAMServerIDHeaderValue != "" {
		req.Header.Set(IAMServerIDHeader, opts.IAMServerIDHeaderValue)
	}

	payloadHash := sha256.Sum256([]byte(getCallerIdentityBody))
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, req, hex.EncodeToString(payloadHash[:]), "sts", region, signedAt); err != nil {
		return nil, fmt.Errorf("failed to sign GetCallerIdentity: %w", err)
	}

	headers, err := buildIAMRequestHeaders(req)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"iam_http_request_method": http.MethodPost,
		"iam_request_url":         base64.StdEncoding.EncodeToString([]byte(endpoint)),
		"iam_request_body":        base64.StdEncoding.EncodeToString([]byte(getCallerIdentityBody)),
		"iam_request_headers":     headers,
	}, nil
}

func stsEndpoint(override, region string) string {
	if override != "" {
		return override
	}
	if region == DefaultSTSRegion {
		return globalSTSEndpoint
	}
	return (&url.URL{Scheme: "https", Host: fmt.Sprintf("sts.%s.amazonaws.com", region), Path: "/"}).String()
}

// buildIAMRequestHeaders encodes the signed headers for Vault, adding Host,
// which net/http keeps outside the header map.
func buildIAMRequestHeaders(req *http.Request) (string, error) {
	headers := req.Header.Clone()
	headers.Set("Host", req.URL.Host)

	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("failed to encode IAM request headers: %w", err)
	}
	return base64.StdEncoding.EncodeToString(headersJSON), nil
}

// loadAWSConfig loads AWS configuration with support for IRSA
func loadAWSConfig(ctx context.Context, opts AWSAuthOptions) (aws.Config, error) {
	var configOpts []func(*config.LoadOptions) error

	if opts.Region != "" {
		configOpts = append(configOpts, config.WithRegion(opts.Region))
	}

	// IRSA injects AWS_WEB_IDENTITY_TOKEN_FILE and AWS_ROLE_ARN
	if tokenFile := os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE"); tokenFile != "" {
		roleARN := os.Getenv("AWS_ROLE_ARN")
		if roleARN == "" {
			return aws.Config{}, fmt.Errorf("AWS_ROLE_ARN not set but AWS_WEB_IDENTITY_TOKEN_FILE is present")
		}

		baseCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return aws.Config{}, fmt.Errorf("failed to load base AWS config: %w", err)
		}

		stsClient := sts.NewFromConfig(baseCfg)

		webIdentityProvider := stscreds.NewWebIdentityRoleProvider(
			stsClient,
			roleARN,
			stscreds.IdentityTokenFile(tokenFile),
			func(o *stscreds.WebIdentityRoleOptions) {
				if sessionName := os.Getenv("AWS_ROLE_SESSION_NAME"); sessionName != "" {
					o.RoleSessionName = sessionName
				}
			},
		)

		configOpts = append(configOpts, config.WithCredentialsProvider(aws.NewCredentialsCache(webIdentityProvider)))
	}

	return config.LoadDefaultConfig(ctx, configOpts...)
}
