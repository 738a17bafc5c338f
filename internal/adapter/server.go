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
	"github.com/tombee/cascade/internal/handler/fsops"
	"github.com/tombee/cascade/internal/handler/media"
	"github.com/tombee/cascade/pkg/block"
)

// Server builds the registry for the daemon platform. It has the full
// I/O surface (filesystem sandbox, FTP, media inspection) and renders
// form-style UI blocks through the public run pages, so ui_form,
// ui_table, and ui_details pause the run for a browser submission.
// ui_camera and location need a device and stay unsupported.
func Server(opts Options) *registry.Registry {
	reg := registry.New(PlatformServer, registry.Capabilities{
		HasFilesystem: opts.FilesRoot != "",
		HasFtp:        true,
		HasVideo:      true,
		HasUI:         true,
	})
	registerCore(reg, opts)

	reg.Register(block.TypeFilesystem, fsops.Filesystem(opts.FilesRoot))
	reg.Register(block.TypeFTP, fsops.FTP())
	reg.Register(block.TypeImage, media.Image(opts.FilesRoot))
	reg.Register(block.TypeVideo, media.Video(opts.FilesRoot))

	pause := flow.Pause()
	reg.Register(block.TypeUIForm, pause)
	reg.Register(block.TypeUITable, pause)
	reg.Register(block.TypeUIDetails, pause)

	stubRemaining(reg)
	return reg
}
