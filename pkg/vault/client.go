package vault

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
)

// Vault endpoints used by the broker.
const (
	PathRenewSelf  = "auth/token/renew-self"
	PathLookupSelf = "auth/token/lookup-self"
	PathRevokeSelf = "auth/token/revoke-self"
)

// Client wraps the Vault API client. The wrapped client never carries a token;
// every authenticated call goes through a per-session clone held in the
// session client cache.
type Client struct {
	*api.Client
	sessions *ClientCache
}

// ClientConfig holds configuration for creating a Vault client
type ClientConfig struct {
	Address   string
	TLSConfig *TLSConfig
	Timeout   time.Duration
	// MaxRetries is the number of retries the Vault SDK performs on 5xx and 429
	// responses. The lease manager owns retry policy, so this defaults to 0.
	MaxRetries int
}

// TLSConfig holds TLS configuration for Vault client
type TLSConfig struct {
	CACert     string
	SkipVerify bool
}

// SessionToken identifies the session a call is made on behalf of.
// SessionID keys the client cache; Token is sent to Vault and never logged.
type SessionToken struct {
	SessionID string
	Token     string
}

// NewClient creates a new Vault client with the given configuration
func NewClient(cfg ClientConfig) (*Client, error) {
	config := api.DefaultConfig()
	if cfg.Address != "" {
		config.Address = cfg.Address
	}

	if cfg.Timeout > 0 {
		config.Timeout = cfg.Timeout
	}
	config.MaxRetries = cfg.MaxRetries

	if cfg.TLSConfig != nil {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: cfg.TLSConfig.SkipVerify, //nolint:gosec // operator opt-in
		}

		if cfg.TLSConfig.CACert != "" {
			if err := config.ConfigureTLS(&api.TLSConfig{
				CACert:   cfg.TLSConfig.CACert,
				Insecure: cfg.TLSConfig.SkipVerify,
			}); err != nil {
				return nil, fmt.Errorf("failed to configure TLS: %w", err)
			}
		} else if cfg.TLSConfig.SkipVerify {
			config.HttpClient.Transport = &http.Transport{
				TLSClientConfig: tlsConfig,
			}
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	// api.NewClient picks up VAULT_TOKEN from the environment. The broker only
	// ever uses tokens it obtained itself.
	client.ClearToken()

	return &Client{
		Client:   client,
		sessions: NewClientCache(),
	}, nil
}

// IsHealthy checks if Vault is healthy and the client can connect
func (c *Client) IsHealthy(ctx context.Context) (bool, error) {
	health, err := c.Sys().HealthWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("vault health check failed: %w", err)
	}

	// Vault is healthy if initialized and unsealed
	return health.Initialized && !health.Sealed, nil
}

// GetVersion returns the Vault server version
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	health, err := c.Sys().HealthWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get vault version: %w", err)
	}
	return health.Version, nil
}

// Login posts an identity payload to an auth mount and returns the auth block.
// path is relative to the API root, e.g. "auth/kubernetes/login".
func (c *Client) Login(ctx context.Context, path string, data map[string]interface{}) (*api.SecretAuth, error) {
	anon, err := c.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone vault client: %w", err)
	}
	anon.ClearToken()

	secret, err := anon.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, ClassifyError(OpLogin, path, err)
	}

	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return nil, ClassifyError(OpLogin, path, fmt.Errorf("login to %s returned no token", path))
	}

	return secret.Auth, nil
}

// RenewSelf extends the TTL of the session token.
func (c *Client) RenewSelf(ctx context.Context, st SessionToken, increment time.Duration) (*api.SecretAuth, error) {
	client, err := c.forSession(st)
	if err != nil {
		return nil, err
	}

	secret, err := client.Auth().Token().RenewSelfWithContext(ctx, int(increment.Seconds()))
	if err != nil {
		return nil, ClassifyError(OpRenew, PathRenewSelf, err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, ClassifyError(OpRenew, PathRenewSelf, fmt.Errorf("renew-self returned no auth data"))
	}
	return secret.Auth, nil
}

// LookupSelf returns the token's own metadata.
func (c *Client) LookupSelf(ctx context.Context, st SessionToken) (*TokenInfo, error) {
	client, err := c.forSession(st)
	if err != nil {
		return nil, err
	}

	secret, err := client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return nil, ClassifyError(OpLookup, PathLookupSelf, err)
	}
	if secret == nil {
		return nil, ClassifyError(OpLookup, PathLookupSelf, fmt.Errorf("lookup-self returned no data"))
	}
	return parseTokenInfo(secret)
}

// RevokeSelf revokes the session token and drops its cached client.
func (c *Client) RevokeSelf(ctx context.Context, st SessionToken) error {
	defer c.ForgetSession(st.SessionID)

	client, err := c.forSession(st)
	if err != nil {
		return err
	}

	if err := client.Auth().Token().RevokeSelfWithContext(ctx, ""); err != nil {
		return ClassifyError(OpRevoke, PathRevokeSelf, err)
	}
	return nil
}

// Read performs a logical read of path with the session token.
// A missing path yields a SecretNotFoundError.
func (c *Client) Read(ctx context.Context, st SessionToken, path string) (*SecretData, error) {
	client, err := c.forSession(st)
	if err != nil {
		return nil, err
	}

	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, ClassifyError(OpRead, path, err)
	}

	return ParseSecret(path, secret)
}

// ForgetSession drops the cached client for a session that is no longer in use.
func (c *Client) ForgetSession(sessionID string) {
	c.sessions.Delete(sessionID)
}

// SessionCount returns the number of sessions with a cached client.
func (c *Client) SessionCount() int {
	return c.sessions.Size()
}

func (c *Client) forSession(st SessionToken) (*api.Client, error) {
	if st.SessionID == "" || st.Token == "" {
		return nil, fmt.Errorf("session token is required")
	}

	return c.sessions.GetOrCreate(st.SessionID, func() (*api.Client, error) {
		clone, err := c.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone vault client: %w", err)
		}
		clone.SetToken(st.Token)
		return clone, nil
	})
}
