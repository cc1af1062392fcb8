package contextstore

import "encoding/json"

// treeNode is one vertex of a table's document tree. Interior nodes hold
// children; leaves hold a value.
type treeNode struct {
	children map[string]*treeNode
	value    any
	leaf     bool
}

func newTreeNode() *treeNode {
	return &treeNode{children: make(map[string]*treeNode)}
}

// table is one named document tree plus its optional schema.
type table struct {
	name      string
	schemaRaw json.RawMessage
	readOnly  bool
	root      *treeNode
}

func newTable(name string, schemaRaw json.RawMessage) *table {
	return &table{name: name, schemaRaw: schemaRaw, root: newTreeNode()}
}

// load replaces the table contents with the given document.
func (t *table) load(doc map[string]any) {
	t.root = newTreeNode()
	for k, v := range doc {
		t.set([]string{k}, v)
	}
}

// set writes a value at the field path, creating intermediate objects as
// needed. A leaf on the way down is converted back to an interior node so
// deeper writes always succeed.
func (t *table) set(fields []string, value any) {
	cur := t.root
	for _, seg := range fields[:len(fields)-1] {
		next, ok := cur.children[seg]
		if !ok || next.leaf {
			next = newTreeNode()
			cur.children[seg] = next
		}
		cur = next
	}
	last := fields[len(fields)-1]
	leaf := newTreeNode()
	leaf.leaf = true
	leaf.value = deepCopy(value)
	cur.children[last] = leaf
}

// get reads the value at the field path. Empty fields return the whole
// table document.
func (t *table) get(fields []string) (any, bool) {
	cur := t.root
	for _, seg := range fields {
		next, ok := cur.children[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	if cur.leaf {
		return deepCopy(cur.value), true
	}
	return cur.materialize(), true
}

// materialize renders the subtree as a plain document, deep-copied so
// callers can never alias the store's internal state.
func (n *treeNode) materialize() map[string]any {
	doc := make(map[string]any, len(n.children))
	for k, c := range n.children {
		if c.leaf {
			doc[k] = deepCopy(c.value)
		} else {
			doc[k] = c.materialize()
		}
	}
	return doc
}

// deepCopy clones nested maps and slices; scalars pass through.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
