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

package adapter

import (
	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/handler/code"
	"github.com/tombee/cascade/internal/handler/data"
	"github.com/tombee/cascade/internal/handler/flow"
	"github.com/tombee/cascade/internal/handler/transform"
	"github.com/tombee/cascade/internal/handler/validation"
	"github.com/tombee/cascade/pkg/block"
)

// CloudWorker builds the registry for the headless compute platform.
// Only pure computation runs here: data shaping, jq, the JS sandbox,
// and control flow. Network and host I/O blocks are unsupported stubs,
// and ui_* blocks pass through as empty deltas since there is nothing
// to render.
func CloudWorker(opts Options) *registry.Registry {
	reg := registry.New(PlatformCloudWorker, registry.Capabilities{})

	reg.Register(block.TypeObject, data.Object())
	reg.Register(block.TypeString, data.String())
	reg.Register(block.TypeArray, data.Array())
	reg.Register(block.TypeMath, data.Math())
	reg.Register(block.TypeDate, data.Date())
	reg.Register(block.TypeNormalize, transform.Normalize())
	reg.Register(block.TypeCode, code.Code())
	reg.Register(block.TypeGoto, flow.Goto())
	reg.Register(block.TypeSleep, flow.Sleep())
	reg.Register(block.TypeValidation, validation.Validation())
	reg.Register(block.TypeAgent, flow.Agent(opts.Agent))

	reg.RegisterPassthrough(block.TypeUIForm)
	reg.RegisterPassthrough(block.TypeUITable)
	reg.RegisterPassthrough(block.TypeUIDetails)

	stubRemaining(reg)
	return reg
}
