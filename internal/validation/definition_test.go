package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftflow/weft/pkg/schema"
)

func linearDef() *schema.WorkflowDef {
	return &schema.WorkflowDef{
		ID:      "wf",
		Version: 1,
		Nodes: map[string]schema.Node{
			"fetch":   {TaskID: "http.get"},
			"publish": {TaskID: "queue.push"},
		},
		Transitions: []schema.Transition{
			{Ref: "t1", FromNodeRef: "fetch", ToNodeRef: "publish"},
			{Ref: "t2", FromNodeRef: "publish"},
		},
		InitialNodeRef: "fetch",
	}
}

func TestValidateDefAcceptsLinearGraph(t *testing.T) {
	result := ValidateDef(linearDef())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestValidateDefUnknownNodeRefs(t *testing.T) {
	def := linearDef()
	def.Transitions = append(def.Transitions, schema.Transition{Ref: "t3", FromNodeRef: "ghost", ToNodeRef: "missing"})

	result := ValidateDef(def)
	require.False(t, result.Valid())
	codes := issueCodes(result)
	assert.Contains(t, codes, "unknown_node")
}

func TestValidateDefDuplicateTransitionRef(t *testing.T) {
	def := linearDef()
	def.Transitions = append(def.Transitions, schema.Transition{Ref: "t1", FromNodeRef: "fetch", ToNodeRef: "publish"})

	result := ValidateDef(def)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result), "duplicate_ref")
}

func TestValidateDefNodeShape(t *testing.T) {
	def := linearDef()
	def.Nodes["both"] = schema.Node{TaskID: "x", SubworkflowID: "y", SubworkflowVersion: 1}
	def.Nodes["neither"] = schema.Node{}

	result := ValidateDef(def)
	require.False(t, result.Valid())
	codes := issueCodes(result)
	assert.Contains(t, codes, "ambiguous_node")
	assert.Contains(t, codes, "empty_node")
}

func TestValidateDefSpawnWithoutGroup(t *testing.T) {
	def := linearDef()
	def.Transitions[0].SpawnCount = 3

	result := ValidateDef(def)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result), "unnamed_group")
}

func TestValidateDefSyncUnknownGroup(t *testing.T) {
	def := linearDef()
	def.Transitions[1].Synchronization = &schema.Synchronization{
		Strategy:     schema.SyncAll,
		SiblingGroup: "nowhere",
	}

	result := ValidateDef(def)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result), "unknown_group")
}

func TestValidateDefMergePaths(t *testing.T) {
	def := linearDef()
	def.Transitions[0].SpawnCount = 2
	def.Transitions[0].SiblingGroup = "workers"
	def.Transitions[1].Synchronization = &schema.Synchronization{
		Strategy:     schema.SyncAll,
		SiblingGroup: "workers",
		Merge: &schema.MergeSpec{
			Source:   "_branch.output.rows",
			Target:   "_branch.broken",
			Strategy: schema.MergeAppend,
		},
	}

	result := ValidateDef(def)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result), "bad_path")
}

func TestValidateDefUnreachableNodeWarns(t *testing.T) {
	def := linearDef()
	def.Nodes["island"] = schema.Node{TaskID: "noop"}

	result := ValidateDef(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "unreachable_node", result.Warnings[0].Code)
}

func issueCodes(result *schema.ValidationResult) []string {
	var codes []string
	for _, issue := range result.Errors {
		codes = append(codes, issue.Code)
	}
	return codes
}
