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

// Package adapter assembles the block-handler registries for the three
// execution platforms. Every adapter registers an entry for every known
// block type, so a lookup never falls through: types the platform
// cannot execute get unsupported stubs that fail with
// CAPABILITY_UNAVAILABLE, and the interpreter surfaces that as an
// ordinary block failure.
package adapter

import (
	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/handler/code"
	"github.com/tombee/cascade/internal/handler/data"
	"github.com/tombee/cascade/internal/handler/fetch"
	"github.com/tombee/cascade/internal/handler/flow"
	"github.com/tombee/cascade/internal/handler/transform"
	"github.com/tombee/cascade/internal/handler/validation"
	"github.com/tombee/cascade/pkg/block"
)

// Platform names, recorded on runs and in capability errors.
const (
	PlatformServer      = "server"
	PlatformMobile      = "mobile"
	PlatformCloudWorker = "cloud-worker"
)

// Options carries the platform-supplied resources handlers need.
// Zero-value fields degrade gracefully: handlers that depend on an
// unset resource fail with CAPABILITY_UNAVAILABLE at execution time.
type Options struct {
	// FilesRoot is the directory the filesystem, image, and video
	// blocks are confined to. Empty disables those blocks.
	FilesRoot string

	// Agent completes agent block prompts. Nil disables the block.
	Agent flow.AgentClient

	// Location supplies device position fixes. Nil disables the block.
	Location flow.LocationSource
}

// registerCore binds the compute and control-flow handlers every
// platform shares.
func registerCore(reg *registry.Registry, opts Options) {
	reg.Register(block.TypeObject, data.Object())
	reg.Register(block.TypeString, data.String())
	reg.Register(block.TypeArray, data.Array())
	reg.Register(block.TypeMath, data.Math())
	reg.Register(block.TypeDate, data.Date())
	reg.Register(block.TypeNormalize, transform.Normalize())
	reg.Register(block.TypeFetch, fetch.Fetch())
	reg.Register(block.TypeCode, code.Code())
	reg.Register(block.TypeGoto, flow.Goto())
	reg.Register(block.TypeSleep, flow.Sleep())
	reg.Register(block.TypeValidation, validation.Validation())
	reg.Register(block.TypeAgent, flow.Agent(opts.Agent))
}

// stubRemaining fills every unregistered type with an unsupported stub.
func stubRemaining(reg *registry.Registry) {
	for _, t := range block.AllTypes {
		if !reg.Has(t) {
			reg.RegisterUnsupported(t)
		}
	}
}
