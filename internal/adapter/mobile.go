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
	"github.com/tombee/cascade/internal/handler/flow"
	"github.com/tombee/cascade/pkg/block"
)

// Mobile builds the registry for the on-device platform. All four ui_*
// types pause the run for the native screens, including the camera
// capture sheet, and location reads the device fix. There is no
// workflow-visible filesystem, so the file, FTP, and media blocks stay
// unsupported.
func Mobile(opts Options) *registry.Registry {
	reg := registry.New(PlatformMobile, registry.Capabilities{
		HasCamera:   true,
		HasLocation: true,
		HasUI:       true,
	})
	registerCore(reg, opts)

	reg.Register(block.TypeLocation, flow.Location(opts.Location))

	pause := flow.Pause()
	reg.Register(block.TypeUICamera, pause)
	reg.Register(block.TypeUIForm, pause)
	reg.Register(block.TypeUITable, pause)
	reg.Register(block.TypeUIDetails, pause)

	stubRemaining(reg)
	return reg
}
