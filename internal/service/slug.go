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

package service

import (
	"strings"

	"github.com/google/uuid"
)

const (
	slugSuffixLen   = 4
	slugAttempts    = 5
	slugFallbackLen = 12
	slugMaxBaseLen  = 40
)

// GenerateSlug derives a unique public slug from a workflow name:
// base-slug plus a short random suffix, retried a few times against
// taken, then a fully random fallback that cannot realistically
// collide.
func GenerateSlug(name string, taken func(slug string) bool) string {
	base := slugify(name)
	if base != "" {
		for i := 0; i < slugAttempts; i++ {
			candidate := base + "-" + randomSlug(slugSuffixLen)
			if !taken(candidate) {
				return candidate
			}
		}
	}
	for {
		candidate := randomSlug(slugFallbackLen)
		if !taken(candidate) {
			return candidate
		}
	}
}

// slugify lowercases the name and folds every non-alphanumeric run
// into a single dash.
func slugify(name string) string {
	var b strings.Builder
	dash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > slugMaxBaseLen {
		s = strings.Trim(s[:slugMaxBaseLen], "-")
	}
	return s
}

// randomSlug returns n hex characters of fresh randomness.
func randomSlug(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	for len(s) < n {
		s += strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return s[:n]
}
