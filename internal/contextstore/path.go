package contextstore

import (
	"strings"

	"github.com/weftflow/weft/pkg/schema"
)

// PathMode distinguishes absolute table paths from branch-relative ones.
type PathMode int

const (
	// Absolute paths start with a table name: "state.user.email".
	Absolute PathMode = iota
	// BranchRelative paths start with "_branch" and are resolved against
	// an arriving branch's own output document at a fan-in barrier.
	BranchRelative
)

// branchPrefix marks a path as relative to a fan-in branch's output.
const branchPrefix = "_branch"

// Path is a parsed dot-separated context path.
type Path struct {
	Mode     PathMode
	Segments []string
}

// ParsePath splits a dot-separated path and classifies its mode.
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return Path{}, schema.NewError(schema.ErrCodeValidation, "empty context path")
	}
	segments := strings.Split(raw, ".")
	for _, s := range segments {
		if s == "" {
			return Path{}, schema.NewErrorf(schema.ErrCodeValidation, "context path %q has an empty segment", raw)
		}
	}
	if segments[0] == branchPrefix {
		if len(segments) == 1 {
			return Path{}, schema.NewErrorf(schema.ErrCodeValidation, "branch-relative path %q names no field", raw)
		}
		return Path{Mode: BranchRelative, Segments: segments[1:]}, nil
	}
	return Path{Mode: Absolute, Segments: segments}, nil
}

// Table returns the table name of an absolute path.
func (p Path) Table() string {
	if p.Mode != Absolute || len(p.Segments) == 0 {
		return ""
	}
	return p.Segments[0]
}

// Fields returns the field segments below the table.
func (p Path) Fields() []string {
	if p.Mode == BranchRelative {
		return p.Segments
	}
	if len(p.Segments) <= 1 {
		return nil
	}
	return p.Segments[1:]
}

// String reassembles the path in its original dotted form.
func (p Path) String() string {
	if p.Mode == BranchRelative {
		return branchPrefix + "." + strings.Join(p.Segments, ".")
	}
	return strings.Join(p.Segments, ".")
}

// LookupDoc walks a plain document by field segments. Used to resolve
// branch-relative merge sources against a branch's output document.
func LookupDoc(doc map[string]any, segments []string) (any, bool) {
	var cur any = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
