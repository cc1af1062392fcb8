package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot() map[string]any {
	return map[string]any{
		"input": map[string]any{"tier": "gold"},
		"state": map[string]any{
			"score": 85,
			"user":  map[string]any{"active": true},
		},
		"output": map[string]any{},
	}
}

func TestExprConditions(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)
	ctx := context.Background()

	cases := []struct {
		expression string
		want       bool
	}{
		{`state.score >= 80`, true},
		{`state.score > 90`, false},
		{`input.tier == "gold" && state.user.active`, true},
		{`state.missing ?? false`, false},
	}
	for _, tc := range cases {
		got, err := ev.EvaluateBool(ctx, "expr", tc.expression, snapshot())
		require.NoError(t, err, tc.expression)
		assert.Equal(t, tc.want, got, tc.expression)
	}
}

func TestCELConditions(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)
	ctx := context.Background()

	got, err := ev.EvaluateBool(ctx, "cel", `state.score >= 80 && input.tier == "gold"`, snapshot())
	require.NoError(t, err)
	assert.True(t, got)

	// Missing tables default to empty maps instead of erroring out.
	got, err = ev.EvaluateBool(ctx, "cel", `"tier" in input`, map[string]any{})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestJQConditionsAndTransforms(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)
	ctx := context.Background()

	got, err := ev.EvaluateBool(ctx, "jq", `.state.score >= 80`, snapshot())
	require.NoError(t, err)
	assert.True(t, got)

	out, err := ev.Evaluate(ctx, "jq", `{tier: .input.tier, score: .state.score}`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "gold", "score": 85.0}, out)
}

func TestDefaultLanguageIsExpr(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	got, err := ev.EvaluateBool(context.Background(), "", `state.score < 100`, snapshot())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestUnknownLanguageRejected(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	_, err = ev.EvaluateBool(context.Background(), "lua", `true`, snapshot())
	assert.Error(t, err)
}

func TestNonBooleanConditionRejected(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	_, err = ev.EvaluateBool(context.Background(), "expr", `state.score`, snapshot())
	assert.Error(t, err)
}
