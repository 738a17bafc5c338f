package wfcontext

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var inlineRef = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Resolve maps a single configured value to its runtime value.
// Reference strings are resolved against the context; anything else is
// returned unchanged. Resolution never fails: missing typed references
// yield nil and missing inline references yield the empty string.
//
//	"$state.user.name"  -> typed value at that path
//	"$event.payload.id" -> typed value from the trigger payload
//	"$secrets.API_KEY"  -> secret string
//	"Hi {{state.user.name}}" -> string with substitutions
func (c *Context) Resolve(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch {
	case s == "$state":
		return c.State
	case s == "$event":
		return c.Event
	case strings.HasPrefix(s, "$state."):
		val, _ := lookupPath(c.State, strings.TrimPrefix(s, "$state."))
		return val
	case strings.HasPrefix(s, "$event."):
		val, _ := lookupPath(c.Event, strings.TrimPrefix(s, "$event."))
		return val
	case strings.HasPrefix(s, "$secrets."):
		return c.Secrets[strings.TrimPrefix(s, "$secrets.")]
	case strings.Contains(s, "{{"):
		return c.resolveInline(s)
	default:
		return v
	}
}

// ResolveDynamic resolves reference strings recursively through maps
// and slices, returning a new structure. Map keys are never resolved.
func (c *Context) ResolveDynamic(v any) any {
	switch tv := v.(type) {
	case string:
		return c.Resolve(tv)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			out[k] = c.ResolveDynamic(elem)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			out[fmt.Sprintf("%v", k)] = c.ResolveDynamic(elem)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, elem := range tv {
			out[i] = c.ResolveDynamic(elem)
		}
		return out
	default:
		return v
	}
}

// resolveInline substitutes every {{path}} occurrence. Paths are rooted
// at state, event, secrets, loops, or run; an unrooted path is treated
// as state-relative. Missing references render as the empty string.
func (c *Context) resolveInline(s string) string {
	return inlineRef.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(inlineRef.FindStringSubmatch(m)[1])
		val, ok := c.lookupRef(path)
		if !ok {
			return ""
		}
		return formatValue(val)
	})
}

// lookupRef resolves a root-qualified dotted path.
func (c *Context) lookupRef(path string) (any, bool) {
	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case "state":
		if rest == "" {
			return c.State, true
		}
		return lookupPath(c.State, rest)
	case "event":
		if rest == "" {
			return c.Event, true
		}
		return lookupPath(c.Event, rest)
	case "secrets":
		v, ok := c.Secrets[rest]
		return v, ok
	case "loops":
		return lookupLoop(c.Loops, rest)
	case "run":
		return lookupRun(c.Run, rest)
	default:
		return lookupPath(c.State, path)
	}
}

func lookupLoop(loops map[string]*LoopCounter, rest string) (any, bool) {
	name, field, _ := strings.Cut(rest, ".")
	lc, ok := loops[name]
	if !ok {
		return nil, false
	}
	switch field {
	case "", "index":
		return lc.Index, true
	default:
		return nil, false
	}
}

func lookupRun(meta RunMeta, field string) (any, bool) {
	switch field {
	case "id":
		return meta.ID, true
	case "workflow_id":
		return meta.WorkflowID, true
	case "trigger_type":
		return meta.TriggerType, true
	case "platform":
		return meta.Platform, true
	case "started_at":
		return meta.StartedAt.Format("2006-01-02T15:04:05Z07:00"), true
	default:
		return nil, false
	}
}

// lookupPath walks a dotted path through nested maps and slices.
// Numeric segments index into slices.
func lookupPath(root any, path string) (any, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[any]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// formatValue renders a resolved value for inline substitution.
func formatValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", tv)
	}
}
