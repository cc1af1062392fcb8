package schema

import "encoding/json"

// WorkflowDef is the immutable, versioned graph definition a run executes.
// Created once at publish time and referenced by id+version; never mutated.
type WorkflowDef struct {
	ID             string            `json:"id"`
	Version        int               `json:"version"`
	Nodes          map[string]Node   `json:"nodes"`
	Transitions    []Transition      `json:"transitions"`
	InitialNodeRef string            `json:"initial_node_ref"`
	InputSchema    json.RawMessage   `json:"input_schema,omitempty"`
	ContextSchema  json.RawMessage   `json:"context_schema,omitempty"`
	OutputSchema   json.RawMessage   `json:"output_schema,omitempty"`
	OutputMapping  map[string]string `json:"output_mapping,omitempty"` // output path -> source path
}

// Outgoing returns the transitions leaving the given node, in definition
// order, filtered by failure-handling intent.
func (d *WorkflowDef) Outgoing(nodeRef string, onFailure bool) []Transition {
	var out []Transition
	for _, tr := range d.Transitions {
		if tr.FromNodeRef == nodeRef && tr.OnFailure == onFailure {
			out = append(out, tr)
		}
	}
	return out
}

// Node is one vertex of the workflow graph: either a task node or a
// subworkflow node. Exactly one of TaskID/SubworkflowID must be set;
// enforced at definition-validation time, not at runtime.
type Node struct {
	TaskID      string `json:"task_id,omitempty"`
	TaskVersion string `json:"task_version,omitempty"`

	SubworkflowID      string `json:"subworkflow_id,omitempty"`
	SubworkflowVersion int    `json:"subworkflow_version,omitempty"`
	// OutputTarget is the context path where a subworkflow node's mapped
	// output is written in the invoking run.
	OutputTarget string `json:"output_target,omitempty"`

	InputMapping  map[string]string `json:"input_mapping,omitempty"`  // task input key -> source path or "jq:" expression
	OutputMapping map[string]string `json:"output_mapping,omitempty"` // target context path -> task output path
}

// IsTask reports whether the node dispatches a task.
func (n *Node) IsTask() bool { return n.TaskID != "" }

// IsSubworkflow reports whether the node invokes a nested run.
func (n *Node) IsSubworkflow() bool { return n.SubworkflowID != "" }

// Transition is one directed edge of the workflow graph.
type Transition struct {
	Ref         string `json:"ref"`
	FromNodeRef string `json:"from_node_ref"`
	// ToNodeRef empty means the transition terminates the path.
	ToNodeRef string `json:"to_node_ref,omitempty"`
	// Priority groups transitions into tiers; lower value = evaluated first.
	Priority int `json:"priority"`

	// Condition is a boolean expression over context paths, evaluated
	// against an immutable snapshot. Absent = unconditional match.
	Condition string `json:"condition,omitempty"`
	// ConditionLanguage selects the expression engine: expr (default),
	// cel, or jq.
	ConditionLanguage string `json:"condition_language,omitempty"`

	// SpawnCount triggers implicit fan-out: N sibling tokens to ToNodeRef.
	SpawnCount int `json:"spawn_count,omitempty"`
	// SiblingGroup declares membership in an explicit fan-out group when
	// multiple transitions share a FromNodeRef and fan out together. Also
	// names the group spawned by SpawnCount so fan-in can reference it.
	SiblingGroup string `json:"sibling_group,omitempty"`

	// OnFailure marks a failure-handling transition: evaluated only when
	// the source node's token fails, instead of propagating the failure.
	OnFailure bool `json:"on_failure,omitempty"`

	// Synchronization marks this transition as a fan-in barrier.
	Synchronization *Synchronization `json:"synchronization,omitempty"`
}

// SyncStrategy selects when a fan-in barrier opens.
type SyncStrategy string

// SyncAll opens the barrier once every sibling in the group has arrived.
const SyncAll SyncStrategy = "all"

// Synchronization declares a fan-in barrier on a transition.
type Synchronization struct {
	Strategy     SyncStrategy `json:"strategy"`
	SiblingGroup string       `json:"sibling_group"`
	Merge        *MergeSpec   `json:"merge,omitempty"`
}

// MergeStrategy selects how N sibling contributions combine into one value.
type MergeStrategy string

const (
	// MergeAppend pushes the source value onto an array at the target,
	// flattening one level when the source is itself an array.
	MergeAppend MergeStrategy = "append"
	// MergeCollect pushes the source value as-is onto an array at the
	// target, one entry per branch, preserving its internal structure.
	MergeCollect MergeStrategy = "collect"
	// MergeObject shallow-merges the source object's keys into an object
	// at the target.
	MergeObject MergeStrategy = "merge_object"
)

// MergeSpec describes one branch's contribution at a fan-in barrier.
type MergeSpec struct {
	// Source is resolved per arriving branch; a "_branch." prefix
	// addresses the arriving token's own output document.
	Source string `json:"source"`
	// Target is an absolute state path the contributions merge into.
	Target   string        `json:"target"`
	Strategy MergeStrategy `json:"strategy"`
}
