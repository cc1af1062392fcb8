package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	script := `
-- leading comment
CREATE TABLE a (id TEXT);

-- another comment
CREATE INDEX idx_a ON a(id);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}

func TestSplitStatementsSkipsCommentOnly(t *testing.T) {
	stmts := splitStatements("-- only a comment;\n-- and another")
	assert.Empty(t, stmts)
}

func TestInitialMigrationParses(t *testing.T) {
	stmts := splitStatements(migration001)
	assert.GreaterOrEqual(t, len(stmts), 3)
}

func TestNullableJSON(t *testing.T) {
	v, err := nullableJSON(nil)
	require.NoError(t, err)
	assert.False(t, v.Valid)

	v, err = nullableJSON(map[string]any{"k": 1})
	require.NoError(t, err)
	require.True(t, v.Valid)
	assert.JSONEq(t, `{"k":1}`, v.String)
}
