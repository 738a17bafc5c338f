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

// Package api provides the HTTP API for the cascade daemon: trigger
// and run management on the control plane plus the public slug surface.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/cascade/pkg/errors"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// errorBody is the envelope every error response uses.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps a service error to an HTTP status by its code and
// writes the {code, message} envelope.
func writeError(w http.ResponseWriter, err error) {
	code := errors.Classify(err)
	writeJSON(w, statusFor(code), errorBody{Code: code, Message: err.Error()})
}

func writeErrorCode(w http.ResponseWriter, code, message string) {
	writeJSON(w, statusFor(code), errorBody{Code: code, Message: message})
}

func statusFor(code string) int {
	switch code {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeRunNotFound, errors.CodeWorkflowNotFound:
		return http.StatusNotFound
	case errors.CodeWorkflowDisabled, errors.CodeNoPublishedVersion:
		return http.StatusConflict
	case errors.CodeRestrictedBlockType:
		return http.StatusForbidden
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeActionFailed:
		return http.StatusUnprocessableEntity
	case errors.CodeTimeout, errors.CodeRunTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
