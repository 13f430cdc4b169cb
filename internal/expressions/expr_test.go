package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_Literals(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "5", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, out)

	out, err = e.Evaluate(ctx, `"pending"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "pending", out)
}

func TestExpr_ReadsScope(t *testing.T) {
	e := NewExprEngine()
	scope := NewScope(
		map[string]any{"x": int64(4), "order": map[string]any{"total": 120.5}},
		map[string]any{"customer": "acme"},
		map[string]any{"id": "tok-1"},
	)

	out, err := e.Evaluate(context.Background(), "x * 2", scope.Env())
	require.NoError(t, err)
	assert.EqualValues(t, 8, out)

	out, err = e.Evaluate(context.Background(), `params.order.total > 100 && vars.customer == "acme"`, scope.Env())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `token.id`, scope.Env())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", out)
}

func TestExpr_UndefinedNameIsNil(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "missing ?? 7", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 7, out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "1 +", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
	assert.Error(t, e.Compile("((("))
}

func TestExpr_Empty(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestExpr_ConcurrentEvaluation(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "n + 1", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n+1, out)
		}(i)
	}
	wg.Wait()
}

func TestScope_CopiesValues(t *testing.T) {
	live := map[string]any{"list": []any{1, 2}}
	scope := NewScope(live, nil, nil)
	scope.Params["list"].([]any)[0] = 99
	assert.Equal(t, 1, live["list"].([]any)[0])
	assert.NotNil(t, scope.Vars)
}
