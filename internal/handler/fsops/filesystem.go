// Package fsops implements the filesystem and ftp block handlers.
// Both operate behind a sandbox root so a workflow can only touch paths
// inside the directory its adapter hands out.
package fsops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

// maxFileSize caps reads and writes (20MB).
const maxFileSize = 20 * 1024 * 1024

// Filesystem builds the filesystem block handler rooted at root.
//
//	filesystem_operation — read | write | list | delete | exists
//	filesystem_path      — path relative to the sandbox root
//	filesystem_content   — write payload
//	bind_to              — binding key, default fs_result
func Filesystem(root string) registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		if root == "" {
			return nil, &errors.CapabilityError{BlockType: string(block.TypeFilesystem), Platform: wctx.Run.Platform}
		}
		op := block.String(blk.Logic, "filesystem_operation", "")
		rel := fmt.Sprintf("%v", wctx.Resolve(block.String(blk.Logic, "filesystem_path", "")))
		path, err := securePath(root, rel)
		if err != nil {
			return nil, err
		}
		key := block.BindKey(blk.Logic, "fs_result")

		switch op {
		case "read":
			info, err := os.Stat(path)
			if err != nil {
				return nil, fsError("read", rel, err)
			}
			if info.Size() > maxFileSize {
				return nil, &errors.ValidationError{
					Field:   "filesystem_path",
					Message: fmt.Sprintf("file %s exceeds the %d byte limit", rel, maxFileSize),
				}
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fsError("read", rel, err)
			}
			return &wfcontext.Result{StateDelta: map[string]any{key: string(raw)}}, nil

		case "write":
			content := fmt.Sprintf("%v", wctx.Resolve(block.String(blk.Logic, "filesystem_content", "")))
			if len(content) > maxFileSize {
				return nil, &errors.ValidationError{
					Field:   "filesystem_content",
					Message: fmt.Sprintf("content exceeds the %d byte limit", maxFileSize),
				}
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fsError("write", rel, err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fsError("write", rel, err)
			}
			return &wfcontext.Result{
				StateDelta: map[string]any{key: map[string]any{"path": rel, "bytes": len(content)}},
				Artifacts: []wfcontext.Artifact{{
					ID:       uuid.NewString(),
					Type:     "file",
					Name:     filepath.Base(rel),
					FilePath: path,
				}},
			}, nil

		case "list":
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fsError("list", rel, err)
			}
			names := make([]any, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			return &wfcontext.Result{StateDelta: map[string]any{key: names}}, nil

		case "delete":
			if err := os.Remove(path); err != nil {
				return nil, fsError("delete", rel, err)
			}
			return &wfcontext.Result{StateDelta: map[string]any{key: true}}, nil

		case "exists":
			_, err := os.Stat(path)
			return &wfcontext.Result{StateDelta: map[string]any{key: err == nil}}, nil

		default:
			return nil, &errors.ValidationError{
				Field:      "filesystem_operation",
				Message:    fmt.Sprintf("unknown operation %q", op),
				Suggestion: "use one of: read, write, list, delete, exists",
			}
		}
	})
}

// securePath joins rel under root and rejects traversal outside it.
func securePath(root, rel string) (string, error) {
	if rel == "" {
		return "", &errors.ValidationError{Field: "filesystem_path", Message: "filesystem_path is required"}
	}
	path := filepath.Join(root, filepath.Clean("/"+rel))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", &errors.ValidationError{
			Field:   "filesystem_path",
			Message: "path escapes the sandbox root",
		}
	}
	return path, nil
}

func fsError(op, path string, err error) error {
	if os.IsNotExist(err) {
		return &errors.ValidationError{
			Field:   "filesystem_path",
			Message: "no such file or directory: " + path,
		}
	}
	return &errors.UpstreamError{Service: "filesystem", Message: op + " " + path + ": " + err.Error(), Cause: err}
}
