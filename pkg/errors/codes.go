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

package errors

import (
	"context"
	"errors"
)

// Machine-readable error codes surfaced in Step.Error.Code and in API
// error payloads.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeTimeout               = "TIMEOUT"
	CodeUpstream              = "UPSTREAM_ERROR"
	CodeSSRFBlocked           = "SSRF_BLOCKED"
	CodeSandbox               = "SANDBOX_ERROR"
	CodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	CodeInternal              = "INTERNAL_ERROR"
	CodeCancelled             = "CANCELLED"
	CodeRunTimeout            = "RUN_TIMEOUT"
	CodeUnknownBlockType      = "UNKNOWN_BLOCK_TYPE"
	CodeGotoTargetNotFound    = "GOTO_TARGET_NOT_FOUND"
	CodeLoopLimitExceeded     = "LOOP_LIMIT_EXCEEDED"
	CodeRunNotFound           = "RUN_NOT_FOUND"
	CodeWorkflowNotFound      = "WORKFLOW_NOT_FOUND"
	CodeWorkflowDisabled      = "WORKFLOW_DISABLED"
	CodeNoPublishedVersion    = "NO_PUBLISHED_VERSION"
	CodeRestrictedBlockType   = "RESTRICTED_BLOCK_TYPE"
	CodeRateLimited           = "RATE_LIMITED"
	CodeActionFailed          = "ACTION_FAILED"
)

// Coder is implemented by errors that carry a stable code.
type Coder interface {
	error
	Code() string
}

// Retryabler is implemented by errors that declare themselves safe to
// retry. The block executor consults this before applying retry policy.
type Retryabler interface {
	IsRetryable() bool
}

// Classify maps an arbitrary error to a stable code. Typed errors report
// their own code; context errors map to CANCELLED and TIMEOUT; anything
// else is INTERNAL_ERROR.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var coder Coder
	if errors.As(err, &coder) {
		return coder.Code()
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// IsRetryable reports whether err declares itself retryable.
func IsRetryable(err error) bool {
	var r Retryabler
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// Fatal reports whether the code denotes an error that cannot be
// recovered by per-block on_error handling or resume.
func Fatal(code string) bool {
	switch code {
	case CodeLoopLimitExceeded, CodeRunTimeout, CodeInternal:
		return true
	default:
		return false
	}
}

// Re-exported stdlib helpers so callers don't need both imports.

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
