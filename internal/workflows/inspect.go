// Package workflows downloads ComfyUI workflow documents and inspects
// their node graphs.
package workflows

import "sort"

// Info summarizes a workflow graph.
type Info struct {
	NodeCount int
	NodeTypes []string
}

// Inspect counts the nodes of a workflow and lists their distinct types.
// Both the UI export ({"nodes": [{"type": ...}]}) and the API export
// ({"<id>": {"class_type": ...}}) are understood.
func Inspect(doc map[string]any) Info {
	var (
		count int
		types []string
	)
	if nodes, ok := doc["nodes"].([]any); ok {
		count = len(nodes)
		for _, n := range nodes {
			if m, ok := n.(map[string]any); ok {
				if t, ok := m["type"].(string); ok {
					types = append(types, t)
				}
			}
		}
	} else {
		for _, v := range doc {
			m, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["class_type"].(string); ok {
				count++
				types = append(types, t)
			}
		}
	}
	return Info{NodeCount: count, NodeTypes: distinct(types)}
}

// LooksLikeWorkflow reports whether doc has a recognizable node graph.
func LooksLikeWorkflow(doc map[string]any) bool {
	return Inspect(doc).NodeCount > 0
}

func distinct(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
