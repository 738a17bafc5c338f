package fsops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

// ftpDialTimeout bounds connection establishment; transfers run under
// the block deadline.
const ftpDialTimeout = 15 * time.Second

// dialFTP is swapped out by tests.
var dialFTP = func(addr string) (ftpConn, error) {
	return ftp.Dial(addr, ftp.DialWithTimeout(ftpDialTimeout))
}

// ftpConn is the slice of *ftp.ServerConn the handler needs.
type ftpConn interface {
	Login(user, password string) error
	Retr(path string) (*ftp.Response, error)
	Stor(path string, r io.Reader) error
	NameList(path string) ([]string, error)
	Delete(path string) error
	Quit() error
}

// FTP builds the ftp block handler.
//
//	ftp_host      — host:port (required)
//	ftp_user      — username; usually a $secrets reference
//	ftp_password  — password; usually a $secrets reference
//	ftp_operation — download | upload | list | delete
//	ftp_path      — remote path
//	ftp_content   — upload payload
//	bind_to       — binding key, default ftp_result
func FTP() registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		host := fmt.Sprintf("%v", wctx.Resolve(block.String(blk.Logic, "ftp_host", "")))
		if host == "" || host == "<nil>" {
			return nil, &errors.ValidationError{Field: "ftp_host", Message: "ftp_host is required"}
		}
		op := block.String(blk.Logic, "ftp_operation", "")
		path := fmt.Sprintf("%v", wctx.Resolve(block.String(blk.Logic, "ftp_path", "")))
		key := block.BindKey(blk.Logic, "ftp_result")

		conn, err := dialFTP(host)
		if err != nil {
			return nil, &errors.UpstreamError{Service: "ftp://" + host, Message: err.Error(), Retryable: true, Cause: err}
		}
		defer conn.Quit()

		user := fmt.Sprintf("%v", wctx.Resolve(block.String(blk.Logic, "ftp_user", "anonymous")))
		pass := fmt.Sprintf("%v", wctx.Resolve(block.String(blk.Logic, "ftp_password", "anonymous")))
		if err := conn.Login(user, pass); err != nil {
			return nil, &errors.UpstreamError{Service: "ftp://" + host, Message: "login failed: " + err.Error(), Cause: err}
		}

		if err := ctx.Err(); err != nil {
			return nil, &errors.CancelledError{Operation: "ftp", Cause: err}
		}

		switch op {
		case "download":
			resp, err := conn.Retr(path)
			if err != nil {
				return nil, ftpError(host, "download "+path, err)
			}
			defer resp.Close()
			raw, err := io.ReadAll(io.LimitReader(resp, maxFileSize))
			if err != nil {
				return nil, ftpError(host, "download "+path, err)
			}
			return &wfcontext.Result{StateDelta: map[string]any{key: string(raw)}}, nil

		case "upload":
			content := fmt.Sprintf("%v", wctx.Resolve(block.String(blk.Logic, "ftp_content", "")))
			if err := conn.Stor(path, bytes.NewReader([]byte(content))); err != nil {
				return nil, ftpError(host, "upload "+path, err)
			}
			return &wfcontext.Result{StateDelta: map[string]any{key: map[string]any{
				"path": path, "bytes": len(content),
			}}}, nil

		case "list":
			names, err := conn.NameList(path)
			if err != nil {
				return nil, ftpError(host, "list "+path, err)
			}
			out := make([]any, len(names))
			for i, n := range names {
				out[i] = n
			}
			return &wfcontext.Result{StateDelta: map[string]any{key: out}}, nil

		case "delete":
			if err := conn.Delete(path); err != nil {
				return nil, ftpError(host, "delete "+path, err)
			}
			return &wfcontext.Result{StateDelta: map[string]any{key: true}}, nil

		default:
			return nil, &errors.ValidationError{
				Field:      "ftp_operation",
				Message:    fmt.Sprintf("unknown operation %q", op),
				Suggestion: "use one of: download, upload, list, delete",
			}
		}
	})
}

func ftpError(host, op string, err error) error {
	return &errors.UpstreamError{
		Service: "ftp://" + host,
		Message: op + ": " + err.Error(),
		Cause:   err,
	}
}
