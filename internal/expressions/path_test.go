package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func TestPath_Get(t *testing.T) {
	p := NewPathEvaluator()
	root := map[string]any{
		"customer": map[string]any{"name": "acme", "score": int64(7)},
		"lines":    []any{"a", "b"},
	}

	v, err := p.Get(context.Background(), root, ".customer.name")
	require.NoError(t, err)
	assert.Equal(t, "acme", v)

	v, err = p.Get(context.Background(), root, "customer.score")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = p.Get(context.Background(), root, ".lines[1]")
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, err = p.Get(context.Background(), root, ".customer.missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestPath_SetCreatesIntermediates(t *testing.T) {
	p := NewPathEvaluator()
	out, err := p.Set(context.Background(), nil, ".shipping.address.city", "Lyon", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"shipping": map[string]any{"address": map[string]any{"city": "Lyon"}},
	}, out)
}

func TestPath_SetWithoutCreate(t *testing.T) {
	p := NewPathEvaluator()
	root := map[string]any{"shipping": map[string]any{}}

	out, err := p.Set(context.Background(), root, ".shipping.city", "Lyon", false)
	require.NoError(t, err)
	assert.Equal(t, "Lyon", out.(map[string]any)["shipping"].(map[string]any)["city"])
	assert.Empty(t, root["shipping"], "input is not mutated")

	_, err = p.Set(context.Background(), root, ".billing.city", "Lyon", false)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestPath_SetNormalizesStructs(t *testing.T) {
	p := NewPathEvaluator()
	type line struct {
		SKU string `json:"sku"`
	}
	out, err := p.Set(context.Background(), map[string]any{}, ".line", line{SKU: "x-1"}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sku": "x-1"}, out.(map[string]any)["line"])
}

func TestPath_InvalidPath(t *testing.T) {
	_, err := NewPathEvaluator().Get(context.Background(), map[string]any{}, ".a[")
	assert.Error(t, err)
}
