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
	"errors"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the OS keyring service name entries live
// under.
const DefaultKeyringService = "cascade"

// KeyringProvider reads secrets from the operating system keyring
// (Keychain Access, Secret Service, Credential Manager).
type KeyringProvider struct {
	service   string
	available bool
}

// NewKeyringProvider builds a keyring provider, probing the keyring
// once to decide availability. An empty service selects
// DefaultKeyringService.
func NewKeyringProvider(service string) *KeyringProvider {
	if service == "" {
		service = DefaultKeyringService
	}
	p := &KeyringProvider{service: service, available: true}
	if _, err := keyring.Get(service, "__cascade_probe__"); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		p.available = false
	}
	return p
}

func (k *KeyringProvider) Name() string    { return "keyring" }
func (k *KeyringProvider) Available() bool { return k.available }
func (k *KeyringProvider) Priority() int   { return 50 }

func (k *KeyringProvider) Get(_ context.Context, key string) (string, error) {
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return value, nil
}
