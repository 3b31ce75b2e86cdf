package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Normalize converts v into the JSON-shaped tree form stored by every
// backend. Structs, typed maps and json.RawMessage become map[string]any,
// []any, string, float64 or bool. Empty maps and arrays collapse to nil.
// Server timestamp sentinels are kept as-is.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return prune(out)
}

// prune drops nil children and empty containers and validates map keys.
func prune(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if IsServerTimestamp(t) {
			return t, nil
		}
		for k, child := range t {
			if err := validateSegment(k); err != nil {
				return nil, fmt.Errorf("%w: key %q", ErrInvalidValue, k)
			}
			pruned, err := prune(child)
			if err != nil {
				return nil, err
			}
			if pruned == nil {
				delete(t, k)
				continue
			}
			t[k] = pruned
		}
		if len(t) == 0 {
			return nil, nil
		}
		return t, nil
	case []any:
		for i, child := range t {
			pruned, err := prune(child)
			if err != nil {
				return nil, err
			}
			t[i] = pruned
		}
		if len(t) == 0 {
			return nil, nil
		}
		return t, nil
	default:
		return v, nil
	}
}

func validateSegment(seg string) error {
	if seg == "" || strings.ContainsAny(seg, "/.*> \t\r\n") {
		return ErrInvalidPath
	}
	return nil
}

// resolveTimestamps replaces every server timestamp sentinel in v with now.
func resolveTimestamps(v any, now float64) any {
	switch t := v.(type) {
	case map[string]any:
		if IsServerTimestamp(t) {
			return now
		}
		for k, child := range t {
			t[k] = resolveTimestamps(child, now)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = resolveTimestamps(child, now)
		}
		return t
	default:
		return v
	}
}

// cloneValue deep-copies a tree value so callers can never alias store state.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

// getAt returns the value at segs below root, or nil.
func getAt(root any, segs []string) any {
	cur := root
	for _, seg := range segs {
		switch t := cur.(type) {
		case map[string]any:
			cur = t[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil
			}
			cur = t[i]
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

// setAt returns root with the value at segs replaced by v. A nil v deletes
// and prunes parents left empty. Arrays on the path are treated as maps
// keyed by index and turned back into arrays when still contiguous.
func setAt(root any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	node := asMap(root)
	child := setAt(node[segs[0]], segs[1:], v)
	if child == nil {
		delete(node, segs[0])
	} else {
		node[segs[0]] = child
	}
	if len(node) == 0 {
		return nil
	}
	return arrayify(node)
}

// asMap returns a mutable map view of v. Arrays become index-keyed maps,
// leaves are replaced.
func asMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		m := make(map[string]any, len(t))
		for i, child := range t {
			if child != nil {
				m[strconv.Itoa(i)] = child
			}
		}
		return m
	default:
		return make(map[string]any)
	}
}

// arrayify converts a map whose keys are exactly 0..n-1 into a slice.
func arrayify(m map[string]any) any {
	if len(m) == 0 {
		return m
	}
	arr := make([]any, len(m))
	for k, child := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(m) || strconv.Itoa(i) != k {
			return m
		}
		arr[i] = child
	}
	return arr
}

// childKeys returns the sorted child names of a container value.
func childKeys(v any) []string {
	var keys []string
	switch t := v.(type) {
	case map[string]any:
		keys = make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
	case []any:
		for i, child := range t {
			if child != nil {
				keys = append(keys, strconv.Itoa(i))
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// flatten returns every leaf below v keyed by its relative segments joined
// with sep. Server timestamp sentinels are leaves.
func flatten(v any, sep string) map[string]any {
	leaves := make(map[string]any)
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case map[string]any:
			if IsServerTimestamp(t) {
				leaves[prefix] = t
				return
			}
			for k, child := range t {
				walk(joinRel(prefix, k, sep), child)
			}
		case []any:
			for i, child := range t {
				walk(joinRel(prefix, strconv.Itoa(i), sep), child)
			}
		case nil:
		default:
			leaves[prefix] = t
		}
	}
	walk("", v)
	return leaves
}

func joinRel(prefix, seg, sep string) string {
	if prefix == "" {
		return seg
	}
	return prefix + sep + seg
}

// assemble rebuilds a tree from leaves keyed by relative paths joined with
// sep. The empty relative path is the root leaf.
func assemble(leaves map[string]any, sep string) any {
	if v, ok := leaves[""]; ok && len(leaves) == 1 {
		return v
	}
	var root any
	rels := make([]string, 0, len(leaves))
	for rel := range leaves {
		if rel != "" {
			rels = append(rels, rel)
		}
	}
	sort.Strings(rels)
	for _, rel := range rels {
		root = setAt(root, strings.Split(rel, sep), leaves[rel])
	}
	return root
}

// equalValues reports whether two tree values are identical.
func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
