package tree

// ParentChange is one proposed parent assignment. NewParentID == "" moves
// the node to the root.
type ParentChange struct {
	NodeID      string
	NewParentID string
}

// ValidateParents checks that a batch of proposed parent assignments keeps
// the forest acyclic. The batch is overlaid onto the current parent map and
// every touched node is walked upward from its new parent along the combined
// effective graph; two individually valid moves can still be jointly cyclic
// (A under B and B under A in the same batch).
func ValidateParents(current map[string]string, changes []ParentChange) error {
	if len(changes) == 0 {
		return nil
	}

	effective := make(map[string]string, len(current))
	for id, parentID := range current {
		effective[id] = parentID
	}
	for _, change := range changes {
		if change.NodeID == change.NewParentID {
			return &CycleError{OffendingID: change.NodeID}
		}
		effective[change.NodeID] = change.NewParentID
	}

	for _, change := range changes {
		visited := make(map[string]bool, len(effective))
		cursor := change.NewParentID
		for cursor != "" {
			if cursor == change.NodeID {
				return &CycleError{OffendingID: change.NodeID}
			}
			if visited[cursor] {
				break
			}
			visited[cursor] = true
			cursor = effective[cursor]
		}
	}
	return nil
}
