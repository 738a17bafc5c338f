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

package secrets

import (
	"context"
	"os"
	"strings"
)

// DefaultEnvPrefix namespaces the environment variables the env
// provider reads, so a workflow cannot reach arbitrary process state.
const DefaultEnvPrefix = "CASCADE_SECRET_"

// EnvProvider reads secrets from prefixed environment variables. The
// key "api-token" maps to CASCADE_SECRET_API_TOKEN.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider builds an env provider. An empty prefix selects
// DefaultEnvPrefix.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvProvider{prefix: prefix}
}

func (e *EnvProvider) Name() string    { return "env" }
func (e *EnvProvider) Available() bool { return true }
func (e *EnvProvider) Priority() int   { return 100 }

// Get maps the key to its environment variable name: uppercased, with
// dashes and dots folded to underscores.
func (e *EnvProvider) Get(_ context.Context, key string) (string, error) {
	name := e.prefix + envName(key)
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func envName(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', ' ':
			return '_'
		default:
			return r
		}
	}, key)
	return strings.ToUpper(mapped)
}
