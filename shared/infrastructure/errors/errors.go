/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors provides the broker's error taxonomy.
// Each failure mode is a distinct type so callers can decide between
// retrying, failing fast, or asking an operator for help without ever
// inspecting message text.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ProofUnavailableError indicates the platform identity endpoint could not
// produce a usable proof (unreachable, timed out, or malformed response).
type ProofUnavailableError struct {
	Source string // e.g., "aws", "gcp", "kubernetes"
	Cause  error
}

func (e *ProofUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("identity proof from %s unavailable: %v", e.Source, e.Cause)
	}
	return fmt.Sprintf("identity proof from %s unavailable", e.Source)
}

// Unwrap returns the underlying cause for errors.As/Is support.
func (e *ProofUnavailableError) Unwrap() error {
	return e.Cause
}

// NewProofUnavailableError creates a ProofUnavailableError.
func NewProofUnavailableError(source string, cause error) *ProofUnavailableError {
	return &ProofUnavailableError{
		Source: source,
		Cause:  cause,
	}
}

// IsProofUnavailable returns true if the error is a ProofUnavailableError.
func IsProofUnavailable(err error) bool {
	var proofErr *ProofUnavailableError
	return errors.As(err, &proofErr)
}

// AuthRejectedError indicates the broker refused the identity/role pairing
// or a policy denies the requested path. Retrying with the same identity
// will not help; an operator has to change the broker configuration.
type AuthRejectedError struct {
	Role       string // Role presented to the broker
	Method     string // Auth method, e.g., "kubernetes"
	StatusCode int    // Broker status code, 0 if unknown
	Reason     string // Short reason reported by the broker
	Cause      error
}

func (e *AuthRejectedError) Error() string {
	msg := fmt.Sprintf("broker rejected %s identity for role %q", e.Method, e.Role)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.As/Is support.
func (e *AuthRejectedError) Unwrap() error {
	return e.Cause
}

// NewAuthRejectedError creates an AuthRejectedError.
func NewAuthRejectedError(method, role, reason string, statusCode int, cause error) *AuthRejectedError {
	return &AuthRejectedError{
		Method:     method,
		Role:       role,
		Reason:     reason,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// IsAuthRejected returns true if the error is an AuthRejectedError.
func IsAuthRejected(err error) bool {
	var rejectedErr *AuthRejectedError
	return errors.As(err, &rejectedErr)
}

// BrokerUnreachableError indicates a transient network or service failure
// during authentication, renewal, or fetch. It is eligible for backoff retry.
type BrokerUnreachableError struct {
	Operation string    // authenticate, renew, fetch, lookup
	Cause     error     // The underlying error
	RetryAt   time.Time // When the next background attempt is scheduled, zero if none
}

func (e *BrokerUnreachableError) Error() string {
	msg := fmt.Sprintf("broker unreachable during %s", e.Operation)
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	if !e.RetryAt.IsZero() {
		msg += fmt.Sprintf(" (next attempt at %s)", e.RetryAt.Format(time.RFC3339))
	}
	return msg
}

// Unwrap returns the underlying cause for errors.As/Is support.
func (e *BrokerUnreachableError) Unwrap() error {
	return e.Cause
}

// NewBrokerUnreachableError creates a BrokerUnreachableError.
func NewBrokerUnreachableError(operation string, cause error) *BrokerUnreachableError {
	return &BrokerUnreachableError{
		Operation: operation,
		Cause:     cause,
	}
}

// IsBrokerUnreachable returns true if the error is a BrokerUnreachableError.
func IsBrokerUnreachable(err error) bool {
	var unreachableErr *BrokerUnreachableError
	return errors.As(err, &unreachableErr)
}

// SecretNotFoundError indicates the path does not exist at the broker, or the
// requested minimum version is not available. It is never retried.
type SecretNotFoundError struct {
	Path       string
	MinVersion int64 // Requested minimum version, 0 if any
}

func (e *SecretNotFoundError) Error() string {
	if e.MinVersion > 0 {
		return fmt.Sprintf("secret %q not found at version >= %d", e.Path, e.MinVersion)
	}
	return fmt.Sprintf("secret %q not found", e.Path)
}

// NewSecretNotFoundError creates a SecretNotFoundError.
func NewSecretNotFoundError(path string) *SecretNotFoundError {
	return &SecretNotFoundError{Path: path}
}

// IsSecretNotFound returns true if the error is a SecretNotFoundError.
func IsSecretNotFound(err error) bool {
	var notFoundErr *SecretNotFoundError
	return errors.As(err, &notFoundErr)
}

// NoValidSessionError indicates there is no usable session and none can be
// obtained right now. Callers get it immediately instead of blocking.
type NoValidSessionError struct {
	State string // Lease manager state when the call was made
	Cause error  // Last failure that led to this state, if any
}

func (e *NoValidSessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("no valid session (state %s): %v", e.State, e.Cause)
	}
	return fmt.Sprintf("no valid session (state %s)", e.State)
}

// Unwrap returns the underlying cause for errors.As/Is support.
func (e *NoValidSessionError) Unwrap() error {
	return e.Cause
}

// NewNoValidSessionError creates a NoValidSessionError.
func NewNoValidSessionError(state string, cause error) *NoValidSessionError {
	return &NoValidSessionError{
		State: state,
		Cause: cause,
	}
}

// IsNoValidSession returns true if the error is a NoValidSessionError.
func IsNoValidSession(err error) bool {
	var sessionErr *NoValidSessionError
	return errors.As(err, &sessionErr)
}

// StaleDeniedError indicates a last-known-good value exists inside its grace
// window but the caller did not opt into stale reads.
type StaleDeniedError struct {
	Path    string
	StaleBy time.Duration // How long ago the entry was invalidated
	Cause   error         // Why a fresh value could not be fetched
}

func (e *StaleDeniedError) Error() string {
	return fmt.Sprintf("secret %q is only available stale (invalidated %s ago) and stale reads were not allowed: %v",
		e.Path, e.StaleBy.Round(time.Millisecond), e.Cause)
}

// Unwrap returns the underlying cause for errors.As/Is support.
func (e *StaleDeniedError) Unwrap() error {
	return e.Cause
}

// NewStaleDeniedError creates a StaleDeniedError.
func NewStaleDeniedError(path string, staleBy time.Duration, cause error) *StaleDeniedError {
	return &StaleDeniedError{
		Path:    path,
		StaleBy: staleBy,
		Cause:   cause,
	}
}

// IsStaleDenied returns true if the error is a StaleDeniedError.
func IsStaleDenied(err error) bool {
	var staleErr *StaleDeniedError
	return errors.As(err, &staleErr)
}

// ValidationError indicates invalid configuration or input.
// This is a permanent error - retrying won't help without user correction.
type ValidationError struct {
	Field   string // The field that failed validation
	Value   string // The invalid value (may be redacted for sensitive data)
	Message string // Why validation failed
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsRetryable reports whether a background retry may succeed without
// operator intervention. The decision is made on error types only.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Permanent failures win over anything they wrap.
	if IsAuthRejected(err) || IsSecretNotFound(err) || IsValidationError(err) {
		return false
	}

	if IsBrokerUnreachable(err) || IsProofUnavailable(err) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
