package vault

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"

	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// SecretData is a Vault read flattened for the cache.
type SecretData struct {
	// Data holds the secret fields. Non-string values are JSON encoded.
	Data map[string]string
	// BrokerVersion is the KV v2 metadata version, 0 for other engines
	BrokerVersion int64
	// LeaseID is set for dynamic secrets
	LeaseID string
	// LeaseDuration is how long a dynamic secret is valid
	LeaseDuration time.Duration
	// Renewable reports whether the lease can be extended
	Renewable bool
}

// TokenInfo is the subset of lookup-self the broker needs.
type TokenInfo struct {
	Accessor  string
	Policies  []string
	TTL       time.Duration
	Renewable bool
}

// ParseSecret converts a logical read into SecretData.
// KV v2 responses ("data" and "metadata" maps) are unwrapped; a nil response
// or a deleted/destroyed KV v2 version is reported as not found.
func ParseSecret(path string, secret *api.Secret) (*SecretData, error) {
	if secret == nil {
		return nil, sharederrors.NewSecretNotFoundError(path)
	}

	out := &SecretData{
		LeaseID:       secret.LeaseID,
		LeaseDuration: time.Duration(secret.LeaseDuration) * time.Second,
		Renewable:     secret.Renewable,
	}

	raw := secret.Data
	if inner, metadata, ok := kvV2(secret.Data); ok {
		if inner == nil {
			return nil, sharederrors.NewSecretNotFoundError(path)
		}
		raw = inner
		out.BrokerVersion = toInt64(metadata["version"])
	}

	if raw == nil {
		return nil, sharederrors.NewSecretNotFoundError(path)
	}

	out.Data = make(map[string]string, len(raw))
	for k, v := range raw {
		s, err := stringify(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode field %q of %s: %w", k, path, err)
		}
		out.Data[k] = s
	}

	return out, nil
}

func kvV2(data map[string]interface{}) (map[string]interface{}, map[string]interface{}, bool) {
	if len(data) != 2 {
		return nil, nil, false
	}
	metadata, ok := data["metadata"].(map[string]interface{})
	if !ok {
		return nil, nil, false
	}
	rawInner, present := data["data"]
	if !present {
		return nil, nil, false
	}
	if rawInner == nil {
		return nil, metadata, true
	}
	inner, ok := rawInner.(map[string]interface{})
	if !ok {
		return nil, nil, false
	}
	return inner, metadata, true
}

func stringify(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case json.Number:
		n, _ := t.Int64()
		return n
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}

func parseTokenInfo(secret *api.Secret) (*TokenInfo, error) {
	ttl, err := secret.TokenTTL()
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ttl: %w", err)
	}
	renewable, err := secret.TokenIsRenewable()
	if err != nil {
		return nil, fmt.Errorf("failed to parse token renewable flag: %w", err)
	}
	policies, err := secret.TokenPolicies()
	if err != nil {
		return nil, fmt.Errorf("failed to parse token policies: %w", err)
	}
	accessor, err := secret.TokenAccessor()
	if err != nil {
		return nil, fmt.Errorf("failed to parse token accessor: %w", err)
	}

	return &TokenInfo{
		Accessor:  accessor,
		Policies:  policies,
		TTL:       ttl,
		Renewable: renewable,
	}, nil
}
