package server

import "strings"

// projectPath copies the subtree(s) named by segments from src into dst,
// treating "*" as matching every key present at that level (spec §6: "`*`
// matches any single key at that level").
func projectPath(src, dst map[string]interface{}, segments []string) {
	if len(segments) == 0 {
		return
	}
	seg := segments[0]
	rest := segments[1:]

	keys := []string{seg}
	if seg == "*" {
		keys = keys[:0]
		for k := range src {
			keys = append(keys, k)
		}
	}

	for _, k := range keys {
		v, ok := src[k]
		if !ok {
			continue
		}
		if len(rest) == 0 {
			dst[k] = v
			continue
		}
		subSrc, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		subDst, ok := dst[k].(map[string]interface{})
		if !ok {
			subDst = map[string]interface{}{}
			dst[k] = subDst
		}
		projectPath(subSrc, subDst, rest)
	}
}

// ProjectMask returns the subtree of state reachable via any of mask's
// dotted paths. An empty mask returns state unchanged (spec §4.5
// get_complete_state). Unknown subtrees named by a path are silently
// omitted.
func ProjectMask(state map[string]interface{}, mask []string) map[string]interface{} {
	if len(mask) == 0 {
		return state
	}
	out := map[string]interface{}{}
	for _, path := range mask {
		projectPath(state, out, strings.Split(path, "."))
	}
	return out
}

// applyPath sets or deletes the subtree named by segments in dst, sourcing
// the replacement value from patch at the same path (spec §4.5 step 1).
func applyPath(dst, patch map[string]interface{}, segments []string) {
	if len(segments) == 0 {
		return
	}
	seg := segments[0]
	rest := segments[1:]

	keys := []string{seg}
	if seg == "*" {
		seen := map[string]bool{}
		keys = keys[:0]
		for k := range dst {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		for k := range patch {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	for _, k := range keys {
		pv, pok := patch[k]
		if len(rest) == 0 {
			if pok {
				dst[k] = pv
			} else {
				delete(dst, k)
			}
			continue
		}
		pSub, _ := pv.(map[string]interface{})
		dSub, ok := dst[k].(map[string]interface{})
		if !ok {
			dSub = map[string]interface{}{}
			dst[k] = dSub
		}
		applyPath(dSub, pSub, rest)
	}
}

// ApplyMask applies patch onto a copy of current following each dotted mask
// path: the subtree the path names is set from patch if present there, or
// deleted from current if absent there. An empty mask means full replacement
// (spec §4.5 step 1).
func ApplyMask(current, patch map[string]interface{}, mask []string) map[string]interface{} {
	if len(mask) == 0 {
		return patch
	}
	out := deepCopyTree(current)
	for _, path := range mask {
		applyPath(out, patch, strings.Split(path, "."))
	}
	return out
}

func deepCopyTree(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopyTree(sub)
		} else {
			out[k] = v
		}
	}
	return out
}

// hasPrefixPath reports whether any mask path starts with the given
// dotted prefix.
func hasPrefixPath(mask []string, prefix string) bool {
	for _, p := range mask {
		if p == prefix || strings.HasPrefix(p, prefix+".") {
			return true
		}
	}
	return false
}
