// Package media implements the image and video block handlers on
// platforms with filesystem access. Both operate on files inside the
// adapter's sandbox root and register their outputs as run artifacts.
package media

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

// Image builds the image block handler rooted at root.
//
//	image_path — image file relative to the sandbox root
//	bind_to    — binding key, default image_result
//
// The handler decodes the header for format and dimensions and
// registers the file as an artifact.
func Image(root string) registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		path, rel, err := mediaPath(root, wctx, blk, "image_path", block.TypeImage)
		if err != nil {
			return nil, err
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, mediaError("image", rel, err)
		}
		defer f.Close()

		cfg, format, err := image.DecodeConfig(f)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "image_path",
				Message: fmt.Sprintf("cannot decode %s: %s", rel, err.Error()),
			}
		}
		info, err := f.Stat()
		if err != nil {
			return nil, mediaError("image", rel, err)
		}

		key := block.BindKey(blk.Logic, "image_result")
		return &wfcontext.Result{
			StateDelta: map[string]any{key: map[string]any{
				"format": format,
				"width":  cfg.Width,
				"height": cfg.Height,
				"bytes":  info.Size(),
			}},
			Artifacts: []wfcontext.Artifact{{
				ID:       uuid.NewString(),
				Type:     "image",
				Name:     filepath.Base(rel),
				FilePath: path,
				Metadata: map[string]any{"format": format, "width": cfg.Width, "height": cfg.Height},
			}},
		}, nil
	})
}

// videoExtensions are the containers the video block recognizes.
var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".webm": true, ".mkv": true, ".avi": true,
}

// Video builds the video block handler rooted at root. Without a media
// toolchain on the host the handler validates the container by
// extension, reports file metadata, and registers the artifact.
func Video(root string) registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		path, rel, err := mediaPath(root, wctx, blk, "video_path", block.TypeVideo)
		if err != nil {
			return nil, err
		}

		ext := strings.ToLower(filepath.Ext(rel))
		if !videoExtensions[ext] {
			return nil, &errors.ValidationError{
				Field:      "video_path",
				Message:    fmt.Sprintf("unrecognized video container %q", ext),
				Suggestion: "use one of: mp4, mov, webm, mkv, avi",
			}
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, mediaError("video", rel, err)
		}

		key := block.BindKey(blk.Logic, "video_result")
		return &wfcontext.Result{
			StateDelta: map[string]any{key: map[string]any{
				"container": strings.TrimPrefix(ext, "."),
				"bytes":     info.Size(),
			}},
			Artifacts: []wfcontext.Artifact{{
				ID:       uuid.NewString(),
				Type:     "video",
				Name:     filepath.Base(rel),
				FilePath: path,
				Metadata: map[string]any{"container": strings.TrimPrefix(ext, ".")},
			}},
		}, nil
	})
}

func mediaPath(root string, wctx *wfcontext.Context, blk *block.Block, field string, bt block.Type) (abs, rel string, err error) {
	if root == "" {
		return "", "", &errors.CapabilityError{BlockType: string(bt), Platform: wctx.Run.Platform}
	}
	rel = fmt.Sprintf("%v", wctx.Resolve(block.String(blk.Logic, field, "")))
	if rel == "" || rel == "<nil>" {
		return "", "", &errors.ValidationError{Field: field, Message: field + " is required"}
	}
	abs = filepath.Join(root, filepath.Clean("/"+rel))
	return abs, rel, nil
}

func mediaError(kind, path string, err error) error {
	if os.IsNotExist(err) {
		return &errors.ValidationError{
			Field:   kind + "_path",
			Message: "no such file: " + path,
		}
	}
	return &errors.UpstreamError{Service: kind, Message: path + ": " + err.Error(), Cause: err}
}
