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
	"regexp"
	"sort"

	"github.com/tombee/cascade/pkg/block"
)

// secretRef matches both reference forms a definition can carry:
// "$secrets.key.path" and "{{secrets.key.path}}". Only the first path
// segment names the secret; deeper segments address into its value.
var secretRef = regexp.MustCompile(`\$secrets\.([A-Za-z0-9_-]+)|\{\{\s*secrets\.([A-Za-z0-9_-]+)`)

// ReferencedKeys scans a workflow version for the secret keys its
// blocks reference, so the resolver materializes exactly what the run
// can read.
func ReferencedKeys(v *block.WorkflowVersion) []string {
	seen := make(map[string]bool)
	for i := range v.Blocks {
		b := &v.Blocks[i]
		scanValue(b.Logic, seen)
		scanString(b.Condition, seen)
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scanValue(v any, seen map[string]bool) {
	switch t := v.(type) {
	case string:
		scanString(t, seen)
	case map[string]any:
		for _, e := range t {
			scanValue(e, seen)
		}
	case map[any]any:
		for _, e := range t {
			scanValue(e, seen)
		}
	case []any:
		for _, e := range t {
			scanValue(e, seen)
		}
	}
}

func scanString(s string, seen map[string]bool) {
	for _, m := range secretRef.FindAllStringSubmatch(s, -1) {
		if m[1] != "" {
			seen[m[1]] = true
		} else if m[2] != "" {
			seen[m[2]] = true
		}
	}
}
