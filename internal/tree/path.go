package tree

// RecomputePaths rewrites the materialized path of the node startID and of
// every descendant, breadth first, after a parent change. Sibling and
// ancestor paths are untouched. Nodes are mutated in place; the returned ids
// are exactly those whose stored path changed, for cache invalidation by
// callers.
func RecomputePaths(nodes map[string]*Node, startID string) ([]string, error) {
	start, ok := nodes[startID]
	if !ok {
		return nil, ErrNodeNotFound
	}

	parentPath := ""
	if start.ParentID != "" {
		parent, ok := nodes[start.ParentID]
		if !ok {
			return nil, ErrNodeNotFound
		}
		parentPath = parent.Path
	}

	index := ChildIndex(nodes)
	var changed []string
	queue := []*Node{start}
	prefixes := map[string]string{startID: parentPath}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		next := JoinPath(prefixes[n.ID], n.ID)
		if n.Path != next {
			n.Path = next
			changed = append(changed, n.ID)
		}
		for _, childID := range index[n.ID] {
			prefixes[childID] = next
			queue = append(queue, nodes[childID])
		}
	}
	return changed, nil
}
