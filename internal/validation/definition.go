package validation

import (
	"fmt"
	"strings"

	"github.com/weftflow/weft/internal/contextstore"
	"github.com/weftflow/weft/pkg/schema"
)

var conditionLanguages = map[string]struct{}{
	"":     {},
	"expr": {},
	"cel":  {},
	"jq":   {},
}

var mergeStrategies = map[schema.MergeStrategy]struct{}{
	schema.MergeAppend:  {},
	schema.MergeCollect: {},
	schema.MergeObject:  {},
}

// ValidateDef checks a workflow definition for structural integrity:
// reference resolution, node shape, fan-out/fan-in declarations and mapping
// paths. Runs never start from an invalid definition.
func ValidateDef(def *schema.WorkflowDef) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("", "nil_definition", "workflow definition is nil")
		return result
	}
	if def.ID == "" {
		result.AddError("id", "missing_id", "workflow id is required")
	}
	if def.Version <= 0 {
		result.AddError("version", "invalid_version", "workflow version must be positive")
	}
	if len(def.Nodes) == 0 {
		result.AddError("nodes", "empty_graph", "workflow has no nodes")
		return result
	}
	if def.InitialNodeRef == "" {
		result.AddError("initial_node_ref", "missing_initial_node", "initial_node_ref is required")
	} else if _, ok := def.Nodes[def.InitialNodeRef]; !ok {
		result.AddError("initial_node_ref", "unknown_node",
			fmt.Sprintf("initial node %q is not defined", def.InitialNodeRef))
	}

	for ref, node := range def.Nodes {
		validateNode(result, ref, node)
	}

	siblingGroups := make(map[string]struct{})
	refs := make(map[string]struct{}, len(def.Transitions))
	for i, tr := range def.Transitions {
		loc := fmt.Sprintf("transitions[%d]", i)
		if tr.Ref == "" {
			result.AddError(loc+".ref", "missing_ref", "transition ref is required")
		} else if _, dup := refs[tr.Ref]; dup {
			result.AddError(loc+".ref", "duplicate_ref",
				fmt.Sprintf("transition ref %q declared more than once", tr.Ref))
		} else {
			refs[tr.Ref] = struct{}{}
		}
		if _, ok := def.Nodes[tr.FromNodeRef]; !ok {
			result.AddError(loc+".from_node_ref", "unknown_node",
				fmt.Sprintf("transition %q leaves undefined node %q", tr.Ref, tr.FromNodeRef))
		}
		if tr.ToNodeRef != "" {
			if _, ok := def.Nodes[tr.ToNodeRef]; !ok {
				result.AddError(loc+".to_node_ref", "unknown_node",
					fmt.Sprintf("transition %q targets undefined node %q", tr.Ref, tr.ToNodeRef))
			}
		}
		if _, ok := conditionLanguages[tr.ConditionLanguage]; !ok {
			result.AddError(loc+".condition_language", "unknown_language",
				fmt.Sprintf("transition %q uses unknown condition language %q", tr.Ref, tr.ConditionLanguage))
		}
		if tr.SpawnCount < 0 {
			result.AddError(loc+".spawn_count", "invalid_spawn_count",
				fmt.Sprintf("transition %q has negative spawn_count", tr.Ref))
		}
		if tr.SpawnCount > 0 {
			if tr.ToNodeRef == "" {
				result.AddError(loc+".spawn_count", "spawn_without_target",
					fmt.Sprintf("transition %q fans out but has no to_node_ref", tr.Ref))
			}
			if tr.SiblingGroup == "" {
				result.AddError(loc+".sibling_group", "unnamed_group",
					fmt.Sprintf("transition %q fans out without naming a sibling_group", tr.Ref))
			}
		}
		if tr.SiblingGroup != "" {
			siblingGroups[tr.SiblingGroup] = struct{}{}
		}
		if tr.Synchronization != nil {
			validateSynchronization(result, loc, tr)
		}
	}

	// Synchronization references resolve against groups declared somewhere.
	for i, tr := range def.Transitions {
		if tr.Synchronization == nil || tr.Synchronization.SiblingGroup == "" {
			continue
		}
		if _, ok := siblingGroups[tr.Synchronization.SiblingGroup]; !ok {
			result.AddError(fmt.Sprintf("transitions[%d].synchronization.sibling_group", i), "unknown_group",
				fmt.Sprintf("transition %q synchronizes on undeclared sibling group %q",
					tr.Ref, tr.Synchronization.SiblingGroup))
		}
	}

	for target, source := range def.OutputMapping {
		if _, err := contextstore.ParsePath(source); err != nil {
			result.AddError("output_mapping."+target, "bad_path",
				fmt.Sprintf("output mapping source %q is not a valid path", source))
		}
	}

	checkReachability(result, def)
	return result
}

func validateNode(result *schema.ValidationResult, ref string, node schema.Node) {
	loc := "nodes." + ref
	switch {
	case node.IsTask() && node.IsSubworkflow():
		result.AddError(loc, "ambiguous_node",
			fmt.Sprintf("node %q declares both a task and a subworkflow", ref))
	case !node.IsTask() && !node.IsSubworkflow():
		result.AddError(loc, "empty_node",
			fmt.Sprintf("node %q declares neither a task nor a subworkflow", ref))
	}
	if node.IsSubworkflow() && node.SubworkflowVersion <= 0 {
		result.AddError(loc+".subworkflow_version", "invalid_version",
			fmt.Sprintf("node %q references subworkflow %q without a positive version", ref, node.SubworkflowID))
	}
	for key, source := range node.InputMapping {
		if strings.HasPrefix(source, "jq:") {
			continue
		}
		if _, err := contextstore.ParsePath(source); err != nil {
			result.AddError(loc+".input_mapping."+key, "bad_path",
				fmt.Sprintf("input mapping source %q is not a valid path", source))
		}
	}
	for target := range node.OutputMapping {
		p, err := contextstore.ParsePath(target)
		if err != nil || p.Mode != contextstore.Absolute {
			result.AddError(loc+".output_mapping."+target, "bad_path",
				fmt.Sprintf("output mapping target %q is not an absolute path", target))
		}
	}
	if node.OutputTarget != "" {
		p, err := contextstore.ParsePath(node.OutputTarget)
		if err != nil || p.Mode != contextstore.Absolute {
			result.AddError(loc+".output_target", "bad_path",
				fmt.Sprintf("output target %q is not an absolute path", node.OutputTarget))
		}
	}
}

func validateSynchronization(result *schema.ValidationResult, loc string, tr schema.Transition) {
	sync := tr.Synchronization
	if sync.Strategy != schema.SyncAll {
		result.AddError(loc+".synchronization.strategy", "unknown_strategy",
			fmt.Sprintf("transition %q uses unknown synchronization strategy %q", tr.Ref, sync.Strategy))
	}
	if sync.SiblingGroup == "" {
		result.AddError(loc+".synchronization.sibling_group", "unnamed_group",
			fmt.Sprintf("transition %q synchronizes without naming a sibling group", tr.Ref))
	}
	if sync.Merge == nil {
		return
	}
	if _, ok := mergeStrategies[sync.Merge.Strategy]; !ok {
		result.AddError(loc+".synchronization.merge.strategy", "unknown_strategy",
			fmt.Sprintf("transition %q uses unknown merge strategy %q", tr.Ref, sync.Merge.Strategy))
	}
	if _, err := contextstore.ParsePath(sync.Merge.Source); err != nil {
		result.AddError(loc+".synchronization.merge.source", "bad_path",
			fmt.Sprintf("merge source %q is not a valid path", sync.Merge.Source))
	}
	p, err := contextstore.ParsePath(sync.Merge.Target)
	if err != nil || p.Mode != contextstore.Absolute {
		result.AddError(loc+".synchronization.merge.target", "bad_path",
			fmt.Sprintf("merge target %q is not an absolute path", sync.Merge.Target))
	}
}

// checkReachability warns about nodes no path from the initial node can reach.
func checkReachability(result *schema.ValidationResult, def *schema.WorkflowDef) {
	if _, ok := def.Nodes[def.InitialNodeRef]; !ok {
		return
	}
	visited := map[string]bool{def.InitialNodeRef: true}
	queue := []string{def.InitialNodeRef}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, tr := range def.Transitions {
			if tr.FromNodeRef != cur || tr.ToNodeRef == "" || visited[tr.ToNodeRef] {
				continue
			}
			visited[tr.ToNodeRef] = true
			queue = append(queue, tr.ToNodeRef)
		}
	}
	for ref := range def.Nodes {
		if !visited[ref] {
			result.AddWarning("nodes."+ref, "unreachable_node",
				fmt.Sprintf("node %q is unreachable from the initial node", ref))
		}
	}
}
