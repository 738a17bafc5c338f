package media

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

func mediaContext() *wfcontext.Context {
	return wfcontext.New(wfcontext.RunMeta{ID: "run-1", Platform: "server"}, nil, nil, nil)
}

func writePNG(t *testing.T, root, name string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	require.NoError(t, os.WriteFile(filepath.Join(root, name), buf.Bytes(), 0o644))
}

func TestImageDecodesDimensions(t *testing.T) {
	root := t.TempDir()
	writePNG(t, root, "shot.png", 64, 48)

	res, err := Image(root).Execute(context.Background(), mediaContext(), &block.Block{Logic: map[string]any{
		"image_path": "shot.png",
	}})
	require.NoError(t, err)

	out := res.StateDelta["image_result"].(map[string]any)
	assert.Equal(t, "png", out["format"])
	assert.Equal(t, 64, out["width"])
	assert.Equal(t, 48, out["height"])
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "image", res.Artifacts[0].Type)
}

func TestImageRejectsNonImage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "junk.png"), []byte("not an image"), 0o644))

	_, err := Image(root).Execute(context.Background(), mediaContext(), &block.Block{Logic: map[string]any{
		"image_path": "junk.png",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

func TestImageWithoutRootIsCapabilityError(t *testing.T) {
	_, err := Image("").Execute(context.Background(), mediaContext(), &block.Block{Logic: map[string]any{
		"image_path": "x.png",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCapabilityUnavailable, errors.Classify(err))
}

func TestVideoReportsContainer(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "clip.mp4"), []byte("fake"), 0o644))

	res, err := Video(root).Execute(context.Background(), mediaContext(), &block.Block{Logic: map[string]any{
		"video_path": "clip.mp4",
	}})
	require.NoError(t, err)
	out := res.StateDelta["video_result"].(map[string]any)
	assert.Equal(t, "mp4", out["container"])
	assert.Equal(t, int64(4), out["bytes"])
}

func TestVideoRejectsUnknownContainer(t *testing.T) {
	root := t.TempDir()
	_, err := Video(root).Execute(context.Background(), mediaContext(), &block.Block{Logic: map[string]any{
		"video_path": "clip.xyz",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}
