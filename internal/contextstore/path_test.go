package contextstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePathAbsolute(t *testing.T) {
	p, err := ParsePath("state.user.email")
	require.NoError(t, err)
	assert.Equal(t, Absolute, p.Mode)
	assert.Equal(t, "state", p.Table())
	assert.Equal(t, []string{"user", "email"}, p.Fields())
	assert.Equal(t, "state.user.email", p.String())
}

func TestParsePathBranchRelative(t *testing.T) {
	p, err := ParsePath("_branch.output.rows")
	require.NoError(t, err)
	assert.Equal(t, BranchRelative, p.Mode)
	assert.Equal(t, []string{"output", "rows"}, p.Fields())
	assert.Equal(t, "_branch.output.rows", p.String())
}

func TestParsePathRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "state..email", ".state", "state.", "_branch"} {
		_, err := ParsePath(raw)
		assert.Error(t, err, "path %q", raw)
	}
}

func TestLookupDoc(t *testing.T) {
	doc := map[string]any{
		"output": map[string]any{"rows": []any{1, 2}},
	}

	v, ok := LookupDoc(doc, []string{"output", "rows"})
	require.True(t, ok)
	assert.Equal(t, []any{1, 2}, v)

	_, ok = LookupDoc(doc, []string{"output", "missing"})
	assert.False(t, ok)

	_, ok = LookupDoc(doc, []string{"output", "rows", "deeper"})
	assert.False(t, ok)
}
