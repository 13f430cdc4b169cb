package expressions

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/procflow/pkg/schema"
)

// PathEvaluator reads and writes members of parameter values using jq path
// expressions such as ".customer.address.city" or ".lines[0]".
// Thread-safe: compiled *gojq.Code objects are cached and reused across goroutines.
type PathEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewPathEvaluator creates a new path evaluator.
func NewPathEvaluator() *PathEvaluator {
	return &PathEvaluator{cache: make(map[string]*gojq.Code)}
}

// Get returns the member of root addressed by path. A missing member is nil.
func (p *PathEvaluator) Get(ctx context.Context, root any, path string) (any, error) {
	code, err := p.getOrCompile("getpath($p)", "$p")
	if err != nil {
		return nil, err
	}
	segments, err := p.segments(ctx, path)
	if err != nil {
		return nil, err
	}
	return first(code.RunWithContext(ctx, normalize(root), segments), path)
}

// Set returns a copy of root with the member addressed by path replaced by
// value. When create is false every intermediate member must already exist.
func (p *PathEvaluator) Set(ctx context.Context, root any, path string, value any, create bool) (any, error) {
	segments, err := p.segments(ctx, path)
	if err != nil {
		return nil, err
	}
	input := normalize(root)

	if !create && len(segments) > 1 {
		parent, err := p.getSegments(ctx, input, segments[:len(segments)-1])
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"path %q: intermediate member does not exist", path)
		}
	}

	code, err := p.getOrCompile("setpath($p; $v)", "$p", "$v")
	if err != nil {
		return nil, err
	}
	return first(code.RunWithContext(ctx, input, segments, normalize(value)), path)
}

func (p *PathEvaluator) getSegments(ctx context.Context, root any, segments []any) (any, error) {
	code, err := p.getOrCompile("getpath($p)", "$p")
	if err != nil {
		return nil, err
	}
	return first(code.RunWithContext(ctx, root, segments), "")
}

// segments converts a path expression into the jq path array it denotes.
func (p *PathEvaluator) segments(ctx context.Context, path string) ([]any, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "." {
		return []any{}, nil
	}
	if !strings.HasPrefix(path, ".") {
		path = "." + path
	}
	code, err := p.getOrCompile("path(" + path + ")")
	if err != nil {
		return nil, err
	}
	out, err := first(code.RunWithContext(ctx, nil), path)
	if err != nil {
		return nil, err
	}
	segs, ok := out.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "path %q is not a member path", path)
	}
	return segs, nil
}

func first(iter gojq.Iter, path string) (any, error) {
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "path %q", path).WithCause(err)
	}
	return v, nil
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (p *PathEvaluator) getOrCompile(query string, vars ...string) (*gojq.Code, error) {
	p.mu.RLock()
	if code, ok := p.cache[query]; ok {
		p.mu.RUnlock()
		return code, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if code, ok := p.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "jq parse error in %q", query).WithCause(err)
	}
	code, err := gojq.Compile(parsed,
		gojq.WithVariables(vars),
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "jq compile error in %q", query).WithCause(err)
	}

	p.cache[query] = code
	return code, nil
}

// normalize converts Go values into the types gojq accepts: nil, bool, int,
// float64, string, []any and map[string]any. Other values go through JSON.
func normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, int, float64, string:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalize(v)
		}
		return out
	case int64:
		return int(val)
	case int32:
		return int(val)
	case uint64:
		return int(val)
	case float32:
		return float64(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}
