package block

import (
	"fmt"
	"strings"
)

// Option accessors. Block logic maps come from YAML/JSON so numbers may
// arrive as int, int64, or float64; these helpers coerce consistently.

// String returns logic[key] as a string, or def when absent or not a
// string.
func String(logic map[string]any, key, def string) string {
	if v, ok := logic[key].(string); ok {
		return v
	}
	return def
}

// Int returns logic[key] coerced to int64, or def when absent or not
// numeric.
func Int(logic map[string]any, key string, def int64) int64 {
	switch n := logic[key].(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return def
	}
}

// Bool returns logic[key] as a bool, or def when absent or not a bool.
func Bool(logic map[string]any, key string, def bool) bool {
	if v, ok := logic[key].(bool); ok {
		return v
	}
	return def
}

// StringSlice returns logic[key] as a []string, coercing []any
// elements. Returns nil when absent.
func StringSlice(logic map[string]any, key string) []string {
	switch v := logic[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Map returns logic[key] as a map[string]any, coercing map[any]any keys
// produced by YAML. Returns nil when absent.
func Map(logic map[string]any, key string) map[string]any {
	switch v := logic[key].(type) {
	case map[string]any:
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			if s, ok := k.(string); ok {
				out[s] = e
			}
		}
		return out
	default:
		return nil
	}
}

// BindKey strips the "$state." prefix from a bind_to path and returns
// the state key outputs are assigned to. An empty bind_to returns def.
func BindKey(logic map[string]any, def string) string {
	bind := String(logic, "bind_to", "")
	if bind == "" {
		return def
	}
	return strings.TrimPrefix(bind, "$state.")
}

// FetchLogic is the typed view over a fetch block's options.
type FetchLogic struct {
	URL          string
	Method       string
	Headers      map[string]any
	Body         string
	TimeoutMs    int64
	MaxRetries   int
	RetryDelayMs int64
	// Accept lists status acceptance patterns; "x" wildcards one digit.
	Accept  []string
	BindKey string
}

// ParseFetchLogic validates and extracts a fetch block's options.
// The URL may still contain reference strings at parse time.
func ParseFetchLogic(logic map[string]any) (*FetchLogic, error) {
	url := String(logic, "fetch_url", "")
	if url == "" {
		return nil, fmt.Errorf("fetch_url is required")
	}
	f := &FetchLogic{
		URL:          url,
		Method:       strings.ToUpper(String(logic, "fetch_method", "GET")),
		Headers:      Map(logic, "fetch_headers"),
		Body:         String(logic, "fetch_body", ""),
		TimeoutMs:    Int(logic, "fetch_timeout_ms", 0),
		MaxRetries:   int(Int(logic, "fetch_max_retries", 0)),
		RetryDelayMs: Int(logic, "fetch_retry_delay_ms", 1000),
		Accept:       StringSlice(logic, "fetch_accept"),
		BindKey:      BindKey(logic, "fetch_result"),
	}
	if len(f.Accept) == 0 {
		f.Accept = []string{"2xx"}
	}
	if f.MaxRetries < 0 {
		f.MaxRetries = 0
	}
	return f, nil
}

// GotoLogic is the typed view over a goto block's options.
type GotoLogic struct {
	Target        string
	Defer         bool
	MaxConcurrent int
	LoopName      string
	// MaxIterations caps a named loop; zero means uncapped.
	MaxIterations int
}

// ParseGotoLogic validates and extracts a goto block's options.
func ParseGotoLogic(logic map[string]any) (*GotoLogic, error) {
	target := String(logic, "goto_target", "")
	if target == "" {
		return nil, fmt.Errorf("goto_target is required")
	}
	g := &GotoLogic{
		Target:        target,
		Defer:         Bool(logic, "goto_defer", false),
		MaxConcurrent: int(Int(logic, "goto_max_concurrent", 10)),
		LoopName:      String(logic, "goto_loop_name", ""),
		MaxIterations: int(Int(logic, "goto_max_iterations", 0)),
	}
	if g.MaxConcurrent <= 0 {
		g.MaxConcurrent = 10
	}
	return g, nil
}

// CodeLogic is the typed view over a code block's options.
type CodeLogic struct {
	Source        string
	TimeoutMs     int64
	MemoryLimitMB int
	AllowNetwork  bool
	BindKey       string
}

// ParseCodeLogic validates and extracts a code block's options.
func ParseCodeLogic(logic map[string]any) (*CodeLogic, error) {
	src := String(logic, "code_source", "")
	if src == "" {
		return nil, fmt.Errorf("code_source is required")
	}
	c := &CodeLogic{
		Source:        src,
		TimeoutMs:     Int(logic, "code_timeout_ms", 5000),
		MemoryLimitMB: int(Int(logic, "code_memory_limit_mb", 128)),
		AllowNetwork:  Bool(logic, "code_allow_network", false),
		BindKey:       BindKey(logic, "code_result"),
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 5000
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = 128
	}
	return c, nil
}

// RetryOptions extracts the generic per-block retry policy. Blocks
// without explicit options get no retries; fetch drives its own.
type RetryOptions struct {
	MaxAttempts    int
	InitialDelayMs int
}

// ParseRetryOptions reads retry_max_attempts and retry_initial_delay_ms.
func ParseRetryOptions(logic map[string]any) RetryOptions {
	r := RetryOptions{
		MaxAttempts:    int(Int(logic, "retry_max_attempts", 0)),
		InitialDelayMs: int(Int(logic, "retry_initial_delay_ms", 500)),
	}
	if r.MaxAttempts < 0 {
		r.MaxAttempts = 0
	}
	if r.InitialDelayMs <= 0 {
		r.InitialDelayMs = 500
	}
	return r
}
