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

// Package secrets resolves the values behind $secrets references.
// Providers are queried in priority order; resolution happens once per
// run, before the first block executes, and the materialized map lives
// only in the run context, never in snapshots or run records.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned when no provider holds the requested key.
var ErrNotFound = errors.New("secret not found")

// Provider is one source of secret values.
type Provider interface {
	// Name identifies the provider in errors and logs.
	Name() string

	// Get retrieves a secret by key. Returns ErrNotFound when the key
	// does not exist in this provider.
	Get(ctx context.Context, key string) (string, error)

	// Available reports whether the provider is usable in the current
	// environment.
	Available() bool

	// Priority orders resolution, higher first. Standard priorities:
	// env 100, keyring 50, file 25.
	Priority() int
}

// Resolver queries a chain of providers in priority order.
type Resolver struct {
	providers []Provider
}

// NewResolver builds a resolver over the available providers, sorted by
// descending priority.
func NewResolver(providers ...Provider) *Resolver {
	avail := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p.Available() {
			avail = append(avail, p)
		}
	}
	sort.SliceStable(avail, func(i, j int) bool {
		return avail[i].Priority() > avail[j].Priority()
	})
	return &Resolver{providers: avail}
}

// Get returns the first provider's value for key. A provider error
// other than ErrNotFound stops the chain.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	for _, p := range r.providers {
		value, err := p.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("secret %q via %s: %w", key, p.Name(), err)
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, key)
}

// Materialize resolves every key into a map for the run context.
// Missing keys are omitted rather than failing the run; a reference to
// an absent secret then resolves to nil, the same as any other missing
// path.
func (r *Resolver) Materialize(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		value, err := r.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

// Providers returns the active provider names in resolution order.
func (r *Resolver) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}
