// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the typed errors used across the engine.
//
// Every error type carries a stable machine-readable code (see codes.go)
// that ends up in the Step record and in API responses. Handlers raise
// these types; the block executor classifies anything else as
// CodeInternal.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents rejected block inputs or malformed requests.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Code implements Coder.
func (e *ValidationError) Code() string { return CodeValidation }

// NotFoundError represents a missing resource (run, workflow, block).
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "workflow", "block")
	Resource string

	// ID is the identifier that was not found
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Code implements Coder. The code depends on the resource kind so that
// API handlers can map it to the right status without string matching.
func (e *NotFoundError) Code() string {
	switch e.Resource {
	case "run":
		return CodeRunNotFound
	case "workflow":
		return CodeWorkflowNotFound
	case "block":
		return CodeGotoTargetNotFound
	default:
		return CodeRunNotFound
	}
}

// TimeoutError represents a per-block or per-run deadline being exceeded.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "block fetch_1", "run")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Run marks the timeout as a run-level timeout (RUN_TIMEOUT) rather
	// than a block-level one (TIMEOUT)
	Run bool

	// Cause is the underlying error (if any)
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Code implements Coder.
func (e *TimeoutError) Code() string {
	if e.Run {
		return CodeRunTimeout
	}
	return CodeTimeout
}

// UpstreamError represents a failure of an external service contacted by
// a handler: a non-accepted HTTP status, a network failure, or a broken
// FTP session.
type UpstreamError struct {
	// Service names the upstream (e.g., "fetch", "ftp", "agent")
	Service string

	// StatusCode is the HTTP status code, when applicable
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Retryable marks the error as safe to retry
	Retryable bool

	// Cause is the underlying error
	Cause error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s error", e.Service)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// Code implements Coder.
func (e *UpstreamError) Code() string { return CodeUpstream }

// IsRetryable implements Retryabler.
func (e *UpstreamError) IsRetryable() bool { return e.Retryable }

// BlockedError represents a request refused by policy before any network
// traffic was issued, such as a fetch target in a private address range.
type BlockedError struct {
	// Target is the host or address that was refused
	Target string

	// Reason explains which policy matched
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("request to %s blocked: %s", e.Target, e.Reason)
}

// Code implements Coder.
func (e *BlockedError) Code() string { return CodeSSRFBlocked }

// SandboxError represents a code block that violated sandbox policy or
// raised an uncaught exception.
type SandboxError struct {
	// Message is the human-readable error description
	Message string

	// Cause is the underlying error (interpreter exception, OOM, …)
	Cause error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox error: %s", e.Message)
}

func (e *SandboxError) Unwrap() error { return e.Cause }

// Code implements Coder.
func (e *SandboxError) Code() string { return CodeSandbox }

// CapabilityError is raised by unsupported-stub handlers: the block type
// is known but the current platform cannot execute it.
type CapabilityError struct {
	// BlockType is the block type that was requested
	BlockType string

	// Platform is the adapter's platform name
	Platform string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("block type %q is not supported on platform %q", e.BlockType, e.Platform)
}

// Code implements Coder.
func (e *CapabilityError) Code() string { return CodeCapabilityUnavailable }

// CancelledError represents cooperative cancellation observed by a
// handler or by the interpreter between blocks.
type CancelledError struct {
	// Operation describes what was interrupted
	Operation string

	// Cause is usually context.Canceled
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s cancelled", e.Operation)
	}
	return "cancelled"
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// Code implements Coder.
func (e *CancelledError) Code() string { return CodeCancelled }

// ConfigError represents configuration problems: missing settings,
// unparseable files, or invalid values.
type ConfigError struct {
	// Key is the configuration key that has the problem
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Code implements Coder.
func (e *ConfigError) Code() string { return CodeInternal }

// FlowError represents a control-flow violation inside a run: a goto to
// an unknown block, or a loop exceeding its iteration cap.
type FlowError struct {
	// ErrCode is one of CodeGotoTargetNotFound or CodeLoopLimitExceeded
	ErrCode string

	// Message is the human-readable error description
	Message string
}

func (e *FlowError) Error() string { return e.Message }

// Code implements Coder.
func (e *FlowError) Code() string { return e.ErrCode }

// ServiceError represents a trigger or action refused by the execution
// service before any block was dispatched.
type ServiceError struct {
	// ErrCode is one of the service-level codes (RESTRICTED_BLOCK_TYPE,
	// RATE_LIMITED, WORKFLOW_DISABLED, NO_PUBLISHED_VERSION, ACTION_FAILED)
	ErrCode string

	// Message is the human-readable error description
	Message string

	// RetryAfter is set for RATE_LIMITED errors
	RetryAfter time.Duration
}

func (e *ServiceError) Error() string { return e.Message }

// Code implements Coder.
func (e *ServiceError) Code() string { return e.ErrCode }
