package server

import (
	"fmt"
	"regexp"

	"github.com/cuemby/orbital/pkg/types"
)

// configRefPattern matches a `{{key}}` reference inside a workload's opaque
// RuntimeConfig blob.
var configRefPattern = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// renderWorkloads substitutes config references in every spec's
// RuntimeConfig, producing RenderedWorkloads (spec §4.5 step 2). A reference
// to a missing config name is an error.
func renderWorkloads(desired map[string]types.WorkloadSpec, configs map[string]string) (map[string]types.WorkloadSpec, error) {
	rendered := make(map[string]types.WorkloadSpec, len(desired))
	for name, spec := range desired {
		out := spec
		cfg, err := renderString(spec.RuntimeConfig, configs)
		if err != nil {
			return nil, fmt.Errorf("workload %q: %w", name, err)
		}
		out.RuntimeConfig = cfg
		rendered[name] = out
	}
	return rendered, nil
}

func renderString(s string, configs map[string]string) (string, error) {
	var missing string
	result := configRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := configRefPattern.FindStringSubmatch(match)[1]
		val, ok := configs[key]
		if !ok {
			missing = key
			return match
		}
		return val
	})
	if missing != "" {
		return "", fmt.Errorf("config reference %q not found", missing)
	}
	return result, nil
}

// validateWorkload checks the structural fields a RenderedWorkload must
// carry (spec §4.5 step 3).
func validateWorkload(name string, w types.WorkloadSpec) error {
	if w.Name == "" {
		return fmt.Errorf("workload %q: name is required", name)
	}
	if w.Name != name {
		return fmt.Errorf("workload %q: spec name %q does not match its key", name, w.Name)
	}
	if w.Agent == "" {
		return fmt.Errorf("workload %q: agent is required", name)
	}
	if w.RuntimeTag == "" {
		return fmt.Errorf("workload %q: runtime tag is required", name)
	}
	return nil
}

// diffRendered compares old and new RenderedWorkloads and reports the names
// that became added-or-changed (with their new spec) and the names that
// became deleted-or-changed (spec §4.5 step 4). A changed workload appears in
// both sets: the fan-out models an update as a delete of the old instance
// plus a create of the new one, and AgentCore re-assembles the two into a
// single Update operation when it sees the same name in both arrays.
func diffRendered(old, new map[string]types.WorkloadSpec) (addedOrChanged map[string]types.WorkloadSpec, deletedOrChanged map[string]bool) {
	addedOrChanged = map[string]types.WorkloadSpec{}
	deletedOrChanged = map[string]bool{}

	for name, newSpec := range new {
		oldSpec, existed := old[name]
		if !existed {
			addedOrChanged[name] = newSpec
			continue
		}
		if oldSpec.Hash() != newSpec.Hash() {
			addedOrChanged[name] = newSpec
			deletedOrChanged[name] = true
		}
	}
	for name := range old {
		if _, stillPresent := new[name]; !stillPresent {
			deletedOrChanged[name] = true
		}
	}
	return addedOrChanged, deletedOrChanged
}

// detectCycle runs a DFS over the dependency graph induced by the names in
// roots (and anything reachable from them) within rendered, returning the
// name at which a cycle was detected (spec §4.5 step 5).
func detectCycle(rendered map[string]types.WorkloadSpec, roots map[string]types.WorkloadSpec) (string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}

	var visit func(name string) (string, bool)
	visit = func(name string) (string, bool) {
		switch color[name] {
		case gray:
			return name, true
		case black:
			return "", false
		}
		color[name] = gray
		if spec, ok := rendered[name]; ok {
			for dep := range spec.Dependencies {
				if cyc, found := visit(dep); found {
					return cyc, true
				}
			}
		}
		color[name] = black
		return "", false
	}

	for name := range roots {
		if cyc, found := visit(name); found {
			return cyc, true
		}
	}
	return "", false
}

// buildDeleteGraph computes, for every workload in rendered, the set of
// reverse-dependency edges held against it by every workload that depends on
// it (spec §4.5 step 6), keyed by the depended-upon workload's name.
func buildDeleteGraph(rendered map[string]types.WorkloadSpec) map[string][]types.ReverseDependency {
	graph := map[string][]types.ReverseDependency{}
	for name, spec := range rendered {
		for dep, cond := range spec.Dependencies {
			graph[dep] = append(graph[dep], types.ReverseDependency{
				Name:      name,
				Condition: types.DeriveDeleteCondition(cond),
			})
		}
	}
	return graph
}
