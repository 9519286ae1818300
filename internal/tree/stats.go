package tree

import "sort"

// Stats is the recursive rollup for a folder: documents attached anywhere in
// the subtree and their total byte size.
type Stats struct {
	DocumentCount int   `json:"documentCount"`
	TotalSize     int64 `json:"totalSize"`
}

// AffectedAncestors returns each start folder plus all of its ancestors,
// deepest first, every id exactly once. This is the recompute order after a
// mutation: children refresh before the parents that sum them, and shared
// ancestors are visited a single time even when several subtrees changed.
func AffectedAncestors(nodes map[string]*Node, startIDs []string) ([]string, error) {
	depths := make(map[string]int)
	for _, startID := range startIDs {
		chain, err := Ancestors(nodes, startID)
		if err != nil {
			return nil, err
		}
		for depth, n := range chain {
			depths[n.ID] = depth
		}
	}
	order := make([]string, 0, len(depths))
	for id := range depths {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		if depths[order[i]] != depths[order[j]] {
			return depths[order[i]] > depths[order[j]]
		}
		return order[i] < order[j]
	})
	return order, nil
}

// RecomputeStats refreshes rollups in place for the given folder ids, which
// must be ordered deepest first (see AffectedAncestors). Each folder's rollup
// is its direct document attachments plus the rollups of its child folders;
// no full-tree rescan happens on the way up.
func RecomputeStats(nodes map[string]*Node, direct, rollups map[string]Stats, order []string) {
	index := ChildIndex(nodes)
	for _, id := range order {
		total := direct[id]
		for _, childID := range index[id] {
			child := rollups[childID]
			total.DocumentCount += child.DocumentCount
			total.TotalSize += child.TotalSize
		}
		rollups[id] = total
	}
}
