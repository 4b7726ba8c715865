package vault

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hashicorp/vault/api"

	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// Operation names the Vault call an error came from.
type Operation string

// Vault operations performed by the broker.
const (
	OpLogin  Operation = "authenticate"
	OpRenew  Operation = "renew"
	OpLookup Operation = "lookup"
	OpRevoke Operation = "revoke"
	OpRead   Operation = "fetch"
)

// ClassifyError maps a Vault API failure onto the broker error taxonomy.
// The decision uses the HTTP status code of api.ResponseError and never the
// message text; anything that is not a Vault response is a transport failure.
//
//   - 400/401/403: AuthRejectedError
//   - 404 on read: SecretNotFoundError
//   - 404 elsewhere: AuthRejectedError (mount or role missing)
//   - 412/429/5xx and transport errors: BrokerUnreachableError
func ClassifyError(op Operation, target string, err error) error {
	if err == nil {
		return nil
	}

	// Already classified further down the stack.
	if sharederrors.IsAuthRejected(err) || sharederrors.IsBrokerUnreachable(err) ||
		sharederrors.IsSecretNotFound(err) {
		return err
	}

	var respErr *api.ResponseError
	if !errors.As(err, &respErr) {
		return sharederrors.NewBrokerUnreachableError(string(op), err)
	}

	switch code := respErr.StatusCode; {
	case code == http.StatusNotFound && op == OpRead:
		return sharederrors.NewSecretNotFoundError(target)
	case code == http.StatusPreconditionFailed,
		code == http.StatusTooManyRequests,
		code >= http.StatusInternalServerError:
		return sharederrors.NewBrokerUnreachableError(string(op), err)
	default:
		return sharederrors.NewAuthRejectedError("", "", reason(respErr), code, err)
	}
}

// IsPermissionDenied reports whether Vault answered 403.
func IsPermissionDenied(err error) bool {
	return StatusCode(err) == http.StatusForbidden
}

// StatusCode returns the HTTP status of a Vault response error, or 0.
func StatusCode(err error) int {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	var rejected *sharederrors.AuthRejectedError
	if errors.As(err, &rejected) {
		return rejected.StatusCode
	}
	return 0
}

func reason(respErr *api.ResponseError) string {
	if len(respErr.Errors) == 0 {
		return http.StatusText(respErr.StatusCode)
	}
	return strings.Join(respErr.Errors, "; ")
}
