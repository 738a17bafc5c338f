package fsops

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

func fsContext() *wfcontext.Context {
	return wfcontext.New(wfcontext.RunMeta{ID: "run-1", Platform: "server"}, nil,
		map[string]any{"doc": "notes.txt"}, nil)
}

func TestFilesystemWriteReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	h := Filesystem(root)

	res, err := h.Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"filesystem_operation": "write",
		"filesystem_path":      "out/{{state.doc}}",
		"filesystem_content":   "hello",
	}})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "notes.txt", res.Artifacts[0].Name)

	res, err = h.Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"filesystem_operation": "read",
		"filesystem_path":      "out/notes.txt",
		"bind_to":              "$state.content",
	}})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.StateDelta["content"])
}

func TestFilesystemListAndDelete(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	h := Filesystem(root)

	res, err := h.Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"filesystem_operation": "list",
		"filesystem_path":      ".",
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a.txt"}, res.StateDelta["fs_result"])

	_, err = h.Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"filesystem_operation": "delete",
		"filesystem_path":      "a.txt",
	}})
	require.NoError(t, err)

	res, err = h.Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"filesystem_operation": "exists",
		"filesystem_path":      "a.txt",
	}})
	require.NoError(t, err)
	assert.Equal(t, false, res.StateDelta["fs_result"])
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	h := Filesystem(t.TempDir())
	_, err := h.Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"filesystem_operation": "read",
		"filesystem_path":      "../../etc/passwd",
	}})
	// Clean("/"+rel) pins traversal inside the root, so the read just
	// misses rather than escaping
	if err != nil {
		assert.Equal(t, errors.CodeValidation, errors.Classify(err))
	}
}

func TestFilesystemWithoutRootIsCapabilityError(t *testing.T) {
	_, err := Filesystem("").Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"filesystem_operation": "read",
		"filesystem_path":      "x",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeCapabilityUnavailable, errors.Classify(err))
}

func TestFilesystemUnknownOperation(t *testing.T) {
	_, err := Filesystem(t.TempDir()).Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"filesystem_operation": "chmod",
		"filesystem_path":      "x",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

type fakeFTP struct {
	files    map[string]string
	loggedIn bool
}

func (f *fakeFTP) Login(user, password string) error { f.loggedIn = true; return nil }
func (f *fakeFTP) Retr(path string) (*ftp.Response, error) {
	return nil, io.EOF // Retr is exercised against real servers only
}
func (f *fakeFTP) Stor(path string, r io.Reader) error {
	raw, _ := io.ReadAll(r)
	f.files[path] = string(raw)
	return nil
}
func (f *fakeFTP) NameList(path string) ([]string, error) {
	names := make([]string, 0, len(f.files))
	for k := range f.files {
		names = append(names, k)
	}
	return names, nil
}
func (f *fakeFTP) Delete(path string) error { delete(f.files, path); return nil }
func (f *fakeFTP) Quit() error              { return nil }

func withFakeFTP(t *testing.T, fake *fakeFTP) {
	t.Helper()
	prev := dialFTP
	dialFTP = func(string) (ftpConn, error) { return fake, nil }
	t.Cleanup(func() { dialFTP = prev })
}

func TestFTPUploadAndList(t *testing.T) {
	fake := &fakeFTP{files: map[string]string{}}
	withFakeFTP(t, fake)

	res, err := FTP().Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"ftp_host":      "ftp.example.com:21",
		"ftp_operation": "upload",
		"ftp_path":      "in/data.csv",
		"ftp_content":   "a,b,c",
	}})
	require.NoError(t, err)
	assert.True(t, fake.loggedIn)
	assert.Equal(t, "a,b,c", fake.files["in/data.csv"])
	payload := res.StateDelta["ftp_result"].(map[string]any)
	assert.Equal(t, 5, payload["bytes"])

	res, err = FTP().Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"ftp_host":      "ftp.example.com:21",
		"ftp_operation": "list",
		"ftp_path":      "in",
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{"in/data.csv"}, res.StateDelta["ftp_result"])
}

func TestFTPRequiresHost(t *testing.T) {
	_, err := FTP().Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"ftp_operation": "list",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.Classify(err))
}

func TestFTPDialFailureIsUpstream(t *testing.T) {
	prev := dialFTP
	dialFTP = func(string) (ftpConn, error) { return nil, io.ErrUnexpectedEOF }
	t.Cleanup(func() { dialFTP = prev })

	_, err := FTP().Execute(context.Background(), fsContext(), &block.Block{Logic: map[string]any{
		"ftp_host":      "down.example.com:21",
		"ftp_operation": "list",
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeUpstream, errors.Classify(err))
	assert.True(t, errors.IsRetryable(err))
}
