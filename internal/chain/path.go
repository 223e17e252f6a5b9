// Package chain implements the Chain Executor (spec.md §4.6): safe,
// multi-step tool orchestration with data-flow mapping between steps,
// conditional execution, parallel groups, retries, timeouts and rollback.
package chain

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one hop of a resolved path: either a map-key lookup or an
// array-index lookup.
type segment struct {
	key   string
	index int
	isIdx bool
}

// parsePath splits a path expression like "PREV.items[0].name" or
// "VARS.target" or "step1.result.items[2]" into its root and segments.
// Supports dot-separated keys and `[N]` array subscripts, which the
// teacher's internal/template/engine.go does not (it is map-only
// dot-notation) — array indexing is new logic required by spec.md §4.6's
// data-flow mapping grammar.
func parsePath(expr string) (root string, segs []segment, err error) {
	parts := strings.Split(expr, ".")
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, fmt.Errorf("empty path expression")
	}
	root = parts[0]

	for _, raw := range parts[1:] {
		key, idxs, err := splitBrackets(raw)
		if err != nil {
			return "", nil, err
		}
		if key != "" {
			segs = append(segs, segment{key: key})
		}
		for _, idx := range idxs {
			segs = append(segs, segment{index: idx, isIdx: true})
		}
	}
	return root, segs, nil
}

// splitBrackets parses "name[0][1]" into ("name", [0,1]).
func splitBrackets(raw string) (string, []int, error) {
	bracket := strings.IndexByte(raw, '[')
	if bracket == -1 {
		return raw, nil, nil
	}
	key := raw[:bracket]
	rest := raw[bracket:]

	var idxs []int
	for len(rest) > 0 {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("malformed array subscript in %q", raw)
		}
		end := strings.IndexByte(rest, ']')
		if end == -1 {
			return "", nil, fmt.Errorf("unterminated array subscript in %q", raw)
		}
		n, err := strconv.Atoi(rest[1:end])
		if err != nil {
			return "", nil, fmt.Errorf("non-integer array subscript in %q: %w", raw, err)
		}
		idxs = append(idxs, n)
		rest = rest[end+1:]
	}
	return key, idxs, nil
}

// Undefined is the sentinel resolveSegments and Resolver.Resolve return when
// a path segment cannot be applied (missing key, index out of range,
// indexing a non-collection). Path resolution never errors on a missing
// segment (spec.md §4.6: "missing segments yield undefined, no exception");
// it is a distinct value from a legitimately resolved nil/null, so
// input_mapping can tell "leave the target unset" apart from "map the
// target to null".
var Undefined = &struct{ name string }{"undefined"}

// resolveSegments walks segs over root, returning the resolved value or
// Undefined if a segment cannot be applied.
func resolveSegments(root interface{}, segs []segment) interface{} {
	cur := root
	for _, s := range segs {
		if cur == Undefined {
			return Undefined
		}
		switch {
		case s.isIdx:
			arr, ok := cur.([]interface{})
			if !ok {
				return Undefined
			}
			if s.index < 0 || s.index >= len(arr) {
				return Undefined
			}
			cur = arr[s.index]
		default:
			m, ok := cur.(map[string]interface{})
			if !ok {
				return Undefined
			}
			v, ok := m[s.key]
			if !ok {
				return Undefined
			}
			cur = v
		}
	}
	return cur
}

// Resolver looks up PREV/VARS/<stepId> roots for path resolution.
type Resolver struct {
	Prev  interface{}
	Vars  map[string]interface{}
	Steps map[string]interface{} // stepId -> that step's materialized result
}

// Resolve evaluates a path expression against the resolver's roots. A
// malformed expression (bad bracket syntax) is still an error — it is a
// caller bug, not a missing value — but an unknown root or a missing
// segment within an otherwise well-formed path resolves to Undefined.
func (r Resolver) Resolve(expr string) (interface{}, error) {
	root, segs, err := parsePath(expr)
	if err != nil {
		return nil, err
	}

	var base interface{}
	switch root {
	case "PREV":
		base = r.Prev
	case "VARS":
		base = r.Vars
	default:
		v, ok := r.Steps[root]
		if !ok {
			return Undefined, nil
		}
		base = v
	}

	return resolveSegments(base, segs), nil
}
