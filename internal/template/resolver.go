package template

import (
	"fmt"
	"sort"

	"reconbatch/internal/graph"
)

// UnknownOverrideKeyError reports an override key that matched neither a
// declared global nor any per-job node parameter. Surfacing this instead of
// silently ignoring the key guards against typos in path substitution.
type UnknownOverrideKeyError struct {
	Key string
}

func (e *UnknownOverrideKeyError) Error() string {
	return fmt.Sprintf("override key %q matches no declared global or per-job parameter", e.Key)
}

// Resolve produces a concrete graph instance from a template and a set of
// per-job overrides. Overrides apply by name to the global mapping and to
// node parameters explicitly marked per-job.
//
// The template is never mutated: resolution edits a deep copy of the
// template's declarations and rebuilds a fresh graph from it, so concurrent
// resolutions against one template cannot observe each other.
func Resolve(tpl *graph.Graph, overrides map[string]graph.Param) (*graph.Graph, error) {
	nodes, globals := tpl.Spec()

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := overrides[key]
		matched := false

		if _, ok := globals[key]; ok {
			globals[key] = val
			matched = true
		}
		for i := range nodes {
			for _, marker := range nodes[i].PerJob {
				if marker == key {
					nodes[i].Params[key] = val
					matched = true
				}
			}
		}

		if !matched {
			return nil, &UnknownOverrideKeyError{Key: key}
		}
	}

	return graph.New(nodes, globals)
}
