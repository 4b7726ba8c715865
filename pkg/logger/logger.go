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

// Package logger provides structured logging utilities for the credential broker.
// It defines standard log fields and helper functions for consistent logging across
// the lease manager, the secret cache and the broker client.
package logger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Standard log field keys for consistent structured logging across the broker.
// Token and secret values are never logged under any key.
const (
	// KeyComponent identifies the component emitting the log line
	KeyComponent = "component"

	// KeyVaultPath identifies the Vault path being accessed
	KeyVaultPath = "vaultPath"

	// KeySession identifies the local session ID (never the token)
	KeySession = "session"

	// KeyMethod identifies the auth method
	KeyMethod = "method"

	// KeyRole identifies the broker role
	KeyRole = "role"

	// KeyState identifies the lease manager state
	KeyState = "state"

	// KeyOperation identifies the operation being performed
	KeyOperation = "operation"

	// KeyDuration records the time taken for an operation
	KeyDuration = "duration"

	// KeyVersion identifies the local secret version
	KeyVersion = "version"

	// KeyRetryCount tracks retry attempts
	KeyRetryCount = "retryCount"

	// KeyError includes error details
	KeyError = "error"
)

// Operation types for logging
const (
	OpAuthenticate = "authenticate"
	OpRenew        = "renew"
	OpFetch        = "fetch"
	OpLookup       = "lookup"
	OpRevoke       = "revoke"
	OpProof        = "proof"
	OpRefresh      = "refresh"
)

// Options configures the process-wide logger built by New.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Development enables human-friendly console output and stack traces on warnings.
	Development bool
}

// New builds a logr.Logger backed by zap, the same backend controller-runtime uses.
func New(opts Options) (logr.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return logr.Discard(), err
	}

	return ctrlzap.New(
		ctrlzap.UseDevMode(opts.Development),
		ctrlzap.Level(zap.NewAtomicLevelAt(level)),
	), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// OperationLogger wraps a logr.Logger with timing for a single broker operation.
type OperationLogger struct {
	logr.Logger
	startTime time.Time
}

// NewOperationLogger creates a logger with standard operation context.
// This should be called at the beginning of each externally visible operation.
func NewOperationLogger(ctx context.Context, component, op string) *OperationLogger {
	l := log.FromContext(ctx).WithValues(
		KeyComponent, component,
		KeyOperation, op,
	)

	return &OperationLogger{
		Logger:    l,
		startTime: time.Now(),
	}
}

// WithVaultPath returns a new logger with Vault path context added.
func (o *OperationLogger) WithVaultPath(path string) *OperationLogger {
	return &OperationLogger{
		Logger:    o.Logger.WithValues(KeyVaultPath, path),
		startTime: o.startTime,
	}
}

// WithSession returns a new logger with the local session ID added.
func (o *OperationLogger) WithSession(sessionID string) *OperationLogger {
	return &OperationLogger{
		Logger:    o.Logger.WithValues(KeySession, sessionID),
		startTime: o.startTime,
	}
}

// WithRetryCount returns a new logger with retry count added.
func (o *OperationLogger) WithRetryCount(count int) *OperationLogger {
	return &OperationLogger{
		Logger:    o.Logger.WithValues(KeyRetryCount, count),
		startTime: o.startTime,
	}
}

// Duration returns the elapsed time since the logger was created.
func (o *OperationLogger) Duration() time.Duration {
	return time.Since(o.startTime)
}

// InfoWithDuration logs an info message with the elapsed duration.
func (o *OperationLogger) InfoWithDuration(msg string, keysAndValues ...interface{}) {
	o.Info(msg, append(keysAndValues, KeyDuration, o.Duration().String())...)
}

// ErrorWithDuration logs an error with the elapsed duration.
func (o *OperationLogger) ErrorWithDuration(err error, msg string, keysAndValues ...interface{}) {
	o.Error(err, msg, append(keysAndValues, KeyDuration, o.Duration().String())...)
}

// FromContext extracts a logger from context.
// Falls back to a background logger if none is found.
func FromContext(ctx context.Context, keysAndValues ...interface{}) logr.Logger {
	return log.FromContext(ctx, keysAndValues...)
}

// IntoContext returns a context carrying the given logger.
func IntoContext(ctx context.Context, l logr.Logger) context.Context {
	return log.IntoContext(ctx, l)
}

// WithOperation adds operation context to an existing logger.
func WithOperation(l logr.Logger, op string) logr.Logger {
	return l.WithValues(KeyOperation, op)
}

// WithVaultPath adds Vault path context to an existing logger.
func WithVaultPath(l logr.Logger, path string) logr.Logger {
	return l.WithValues(KeyVaultPath, path)
}

// WithSession adds the local session ID to an existing logger.
func WithSession(l logr.Logger, sessionID string) logr.Logger {
	return l.WithValues(KeySession, sessionID)
}

// WithDuration adds duration context to an existing logger.
func WithDuration(l logr.Logger, d time.Duration) logr.Logger {
	return l.WithValues(KeyDuration, d.String())
}
