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
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileProvider reads secrets from a YAML file of key: value pairs. The
// file is loaded lazily on first Get and held for the process lifetime.
type FileProvider struct {
	path string

	once    sync.Once
	values  map[string]string
	loadErr error
}

// NewFileProvider builds a file provider over path. The provider is
// unavailable when path is empty or the file does not exist.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (f *FileProvider) Name() string  { return "file" }
func (f *FileProvider) Priority() int { return 25 }

// Available reports whether the secrets file exists.
func (f *FileProvider) Available() bool {
	if f.path == "" {
		return false
	}
	_, err := os.Stat(f.path)
	return err == nil
}

func (f *FileProvider) Get(_ context.Context, key string) (string, error) {
	f.once.Do(f.load)
	if f.loadErr != nil {
		return "", f.loadErr
	}
	value, ok := f.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (f *FileProvider) load() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		f.loadErr = fmt.Errorf("read secrets file: %w", err)
		return
	}
	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		f.loadErr = fmt.Errorf("parse secrets file %s: %w", f.path, err)
		return
	}
	f.values = values
}
