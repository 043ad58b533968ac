package admission

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gatewarden/gatewarden/internal/domain"
)

// ApplyToResource applies patch operations to a copy of the resource, in
// list order. The input resource is never modified. Applying the same patch
// list twice yields the same result as applying it once; the engine relies
// on rules being written idempotently and does not deduplicate.
func ApplyToResource(r domain.Resource, patches []domain.PatchOp) (domain.Resource, error) {
	cp := r.DeepCopy()
	if cp.Object == nil {
		cp.Object = make(map[string]any)
	}
	for i, p := range patches {
		if err := applyOp(cp.Object, p); err != nil {
			return domain.Resource{}, fmt.Errorf("patch %d (%s %s): %w", i, p.Op, p.Path, err)
		}
	}
	return cp, nil
}

// applyOp applies a single JSON Patch operation (RFC 6902 add/replace/remove
// subset) against the object using a JSON Pointer path (RFC 6901).
func applyOp(obj map[string]any, p domain.PatchOp) error {
	segments, err := parsePointer(p.Path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("empty path")
	}

	parent, setParent, err := walk(obj, segments[:len(segments)-1])
	if err != nil {
		return err
	}
	last := segments[len(segments)-1]

	switch node := parent.(type) {
	case map[string]any:
		return applyToMap(node, last, p)
	case []any:
		updated, err := applyToSlice(node, last, p)
		if err != nil {
			return err
		}
		setParent(updated)
		return nil
	default:
		return fmt.Errorf("parent of %q is not an object or array", last)
	}
}

func applyToMap(node map[string]any, key string, p domain.PatchOp) error {
	switch p.Op {
	case domain.PatchAdd:
		node[key] = p.Value
	case domain.PatchReplace:
		if _, ok := node[key]; !ok {
			return fmt.Errorf("replace target %q does not exist", key)
		}
		node[key] = p.Value
	case domain.PatchRemove:
		if _, ok := node[key]; !ok {
			return fmt.Errorf("remove target %q does not exist", key)
		}
		delete(node, key)
	default:
		return fmt.Errorf("unknown op %q", p.Op)
	}
	return nil
}

func applyToSlice(node []any, key string, p domain.PatchOp) ([]any, error) {
	if p.Op == domain.PatchAdd && key == "-" {
		return append(node, p.Value), nil
	}

	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("invalid array index %q", key)
	}

	switch p.Op {
	case domain.PatchAdd:
		if idx > len(node) {
			return nil, fmt.Errorf("add index %d out of bounds (len %d)", idx, len(node))
		}
		out := make([]any, 0, len(node)+1)
		out = append(out, node[:idx]...)
		out = append(out, p.Value)
		out = append(out, node[idx:]...)
		return out, nil
	case domain.PatchReplace:
		if idx >= len(node) {
			return nil, fmt.Errorf("replace index %d out of bounds (len %d)", idx, len(node))
		}
		node[idx] = p.Value
		return node, nil
	case domain.PatchRemove:
		if idx >= len(node) {
			return nil, fmt.Errorf("remove index %d out of bounds (len %d)", idx, len(node))
		}
		return append(node[:idx], node[idx+1:]...), nil
	default:
		return nil, fmt.Errorf("unknown op %q", p.Op)
	}
}

// walk descends the object along pointer segments and returns the addressed
// node plus a setter that replaces it inside its own parent. The setter is
// needed because slice mutations (insert, remove) reallocate.
// Missing intermediate parents are deliberately NOT created: a patch
// addressing a missing parent is a rule bug and must surface.
func walk(obj map[string]any, segments []string) (any, func(any), error) {
	var current any = obj
	set := func(any) {} // the root is never replaced

	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, nil, fmt.Errorf("path segment %q does not exist", seg)
			}
			key := seg
			set = func(v any) { node[key] = v }
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, nil, fmt.Errorf("invalid array index %q", seg)
			}
			set = func(v any) { node[idx] = v }
			current = node[idx]
		default:
			return nil, nil, fmt.Errorf("path segment %q addresses a scalar", seg)
		}
	}
	return current, set, nil
}

// parsePointer splits an RFC 6901 JSON Pointer into unescaped segments.
func parsePointer(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("pointer %q must start with '/'", path)
	}
	raw := strings.Split(path[1:], "/")
	segments := make([]string, len(raw))
	for i, s := range raw {
		s = strings.ReplaceAll(s, "~1", "/")
		s = strings.ReplaceAll(s, "~0", "~")
		segments[i] = s
	}
	return segments, nil
}
