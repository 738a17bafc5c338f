// Package fetch implements the fetch block handler: outbound HTTP with
// an SSRF guard, response acceptance patterns, per-block retries, and
// JSON auto-parsing.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/tombee/cascade/internal/engine/registry"
	"github.com/tombee/cascade/internal/engine/wfcontext"
	"github.com/tombee/cascade/pkg/block"
	"github.com/tombee/cascade/pkg/errors"
)

const (
	// DefaultTimeout bounds one fetch attempt when fetch_timeout_ms is
	// unset. The executor's block deadline still applies on top.
	DefaultTimeout = 30 * time.Second

	// maxResponseBody caps how much of a response is read (5MB).
	maxResponseBody = 5 * 1024 * 1024
)

// client dials with a connect-time address check so DNS rebinding
// between the pre-flight guard and the actual request cannot reach a
// blocked range.
var client = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
			Control: func(_, address string, _ syscall.RawConn) error {
				host, _, err := net.SplitHostPort(address)
				if err != nil {
					return err
				}
				if ip := net.ParseIP(host); ip != nil {
					return checkIP(host, ip)
				}
				return nil
			},
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// checkTarget is swapped out by tests that need a local listener.
var checkTarget = CheckTarget

// Fetch builds the fetch block handler.
func Fetch() registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, wctx *wfcontext.Context, blk *block.Block) (*wfcontext.Result, error) {
		resolved, _ := wctx.ResolveDynamic(blk.Logic).(map[string]any)
		logic, err := block.ParseFetchLogic(resolved)
		if err != nil {
			return nil, &errors.ValidationError{Field: "fetch_url", Message: err.Error()}
		}

		if err := checkTarget(logic.URL); err != nil {
			return nil, err
		}

		timeout := DefaultTimeout
		if logic.TimeoutMs > 0 {
			timeout = time.Duration(logic.TimeoutMs) * time.Millisecond
		}

		var lastErr error
		for attempt := 0; attempt <= logic.MaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, &errors.CancelledError{Operation: "fetch", Cause: ctx.Err()}
				case <-time.After(time.Duration(logic.RetryDelayMs) * time.Millisecond):
				}
			}

			payload, err := attemptFetch(ctx, logic, timeout)
			if err == nil {
				return &wfcontext.Result{StateDelta: map[string]any{logic.BindKey: payload}}, nil
			}
			lastErr = err
			if !errors.IsRetryable(err) || ctx.Err() != nil {
				return nil, err
			}
		}
		return nil, lastErr
	})
}

func attemptFetch(ctx context.Context, logic *block.FetchLogic, timeout time.Duration) (map[string]any, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if logic.Body != "" {
		body = strings.NewReader(logic.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, logic.Method, logic.URL, body)
	if err != nil {
		return nil, &errors.ValidationError{Field: "fetch_url", Message: err.Error()}
	}
	for k, v := range logic.Headers {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	resp, err := client.Do(req)
	if err != nil {
		var blocked *errors.BlockedError
		if errors.As(err, &blocked) {
			return nil, blocked
		}
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{Operation: "fetch " + logic.URL, Duration: timeout, Cause: err}
		}
		if ctx.Err() != nil {
			return nil, &errors.CancelledError{Operation: "fetch", Cause: ctx.Err()}
		}
		return nil, &errors.UpstreamError{
			Service:   logic.URL,
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &errors.UpstreamError{
			Service:   logic.URL,
			Message:   "reading response: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}

	if !Accepted(resp.StatusCode, logic.Accept) {
		return nil, &errors.UpstreamError{
			Service:    logic.URL,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d not accepted by %v", resp.StatusCode, logic.Accept),
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	return responsePayload(resp, raw), nil
}

// responsePayload shapes the bound output: status, statusText, headers,
// and the body, parsed when the content type is JSON.
func responsePayload(resp *http.Response, raw []byte) map[string]any {
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	var parsed any = string(raw)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			parsed = v
		}
	}

	return map[string]any{
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"headers":    headers,
		"body":       parsed,
	}
}

// Accepted reports whether a status code matches any acceptance
// pattern. Patterns are three characters with "x" as a per-digit
// wildcard: "2xx", "30x", "404".
func Accepted(status int, patterns []string) bool {
	code := fmt.Sprintf("%03d", status)
	for _, pattern := range patterns {
		if len(pattern) != 3 {
			continue
		}
		p := strings.ToLower(pattern)
		match := true
		for i := 0; i < 3; i++ {
			if p[i] != 'x' && p[i] != code[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
