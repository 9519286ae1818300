package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"canopy/api/internal/rbac"
	"canopy/api/internal/search"
	"canopy/api/internal/store"
	"canopy/api/internal/tree"
)

// BatchOp is one requested placement change. Nil fields are left unchanged;
// a ParentID pointing at the empty string moves the node to the root.
type BatchOp struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parentId"`
	Order    *int    `json:"order"`
	Visible  *bool   `json:"visible"`
}

const (
	BatchCommitted  = "committed"
	BatchRejected   = "rejected"
	BatchRolledBack = "rolled_back"
)

const (
	ReasonNodeNotFound     = "node_not_found"
	ReasonDuplicateNode    = "duplicate_node"
	ReasonCycleDetected    = "cycle_detected"
	ReasonPermissionDenied = "permission_denied"
	ReasonContention       = "concurrent_modification"
)

// BatchResult reports the terminal state of a batch. Applied counts the
// operations in a committed batch; Changed counts rows the write actually
// touched. Rejected and rolled-back batches leave the tree untouched.
type BatchResult struct {
	State       string `json:"state"`
	Applied     int    `json:"applied"`
	Changed     int    `json:"changed,omitempty"`
	Reason      string `json:"reason,omitempty"`
	OffendingID string `json:"offendingId,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

func rejected(reason, offendingID string) BatchResult {
	return BatchResult{State: BatchRejected, Reason: reason, OffendingID: offendingID}
}

// ApplyBatch validates a set of placement changes as a whole and commits them
// in a single serializable transaction, or not at all. Validation covers
// node existence, duplicate targets, write access on every touched node and
// acyclicity of the combined parent assignments; only a fully valid batch
// reaches the store.
func (s *Service) ApplyBatch(ctx context.Context, actor rbac.Actor, kindStr string, ops []BatchOp) (BatchResult, error) {
	kind, err := parseKind(kindStr)
	if err != nil {
		return BatchResult{}, err
	}
	if len(ops) == 0 {
		return BatchResult{State: BatchCommitted}, nil
	}

	nodes, rollups, err := s.loadNodes(ctx, kind)
	if err != nil {
		return BatchResult{}, err
	}

	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if seen[op.ID] {
			return rejected(ReasonDuplicateNode, op.ID), nil
		}
		seen[op.ID] = true
		if _, ok := nodes[op.ID]; !ok {
			return rejected(ReasonNodeNotFound, op.ID), nil
		}
		if op.ParentID != nil && *op.ParentID != "" {
			if _, ok := nodes[*op.ParentID]; !ok {
				return rejected(ReasonNodeNotFound, *op.ParentID), nil
			}
		}
	}

	// Every touched node needs a write grant before anything mutates.
	for _, op := range ops {
		read, write, err := s.aclSets(ctx, string(kind), op.ID)
		if err != nil {
			return BatchResult{}, err
		}
		n := nodes[op.ID]
		view := rbac.NodeView{
			ID: n.ID, Kind: string(kind), OwnerID: n.OwnerID,
			IsPublic: n.IsPublic, Read: read, Write: write,
		}
		if decision := rbac.Resolve(actor, view, rbac.OpWrite); !decision.Allowed {
			return rejected(ReasonPermissionDenied, op.ID), nil
		}
	}

	current := make(map[string]string, len(nodes))
	for id, n := range nodes {
		current[id] = n.ParentID
	}
	var changes []tree.ParentChange
	for _, op := range ops {
		if op.ParentID != nil {
			changes = append(changes, tree.ParentChange{NodeID: op.ID, NewParentID: *op.ParentID})
		}
	}
	if err := tree.ValidateParents(current, changes); err != nil {
		var cycleErr *tree.CycleError
		if errors.As(err, &cycleErr) {
			return rejected(ReasonCycleDetected, cycleErr.OffendingID), nil
		}
		return BatchResult{}, err
	}

	// Apply to the snapshot and rewrite descendant paths of every moved node.
	oldParents := make(map[string]string, len(ops))
	moved := make([]string, 0, len(ops))
	for _, op := range ops {
		n := nodes[op.ID]
		if op.ParentID != nil && *op.ParentID != n.ParentID {
			oldParents[op.ID] = n.ParentID
			n.ParentID = *op.ParentID
			moved = append(moved, op.ID)
		}
		if op.Order != nil {
			n.Order = *op.Order
		}
		if op.Visible != nil {
			n.Visible = *op.Visible
		}
	}

	pathChanged := make(map[string]bool)
	for _, id := range moved {
		changed, err := tree.RecomputePaths(nodes, id)
		if err != nil {
			return BatchResult{}, fmt.Errorf("recompute paths from %s: %w", id, err)
		}
		for _, cid := range changed {
			pathChanged[cid] = true
		}
	}

	placements := make([]store.Placement, 0, len(ops))
	for _, op := range ops {
		n := nodes[op.ID]
		var parentID *string
		if n.ParentID != "" {
			p := n.ParentID
			parentID = &p
		}
		placements = append(placements, store.Placement{
			NodeID: op.ID, ParentID: parentID, SortOrder: n.Order, Visible: n.Visible,
		})
	}

	pathIDs := make([]string, 0, len(pathChanged))
	for id := range pathChanged {
		pathIDs = append(pathIDs, id)
	}
	sort.Strings(pathIDs)
	paths := make([]store.PathUpdate, 0, len(pathIDs))
	for _, id := range pathIDs {
		paths = append(paths, store.PathUpdate{NodeID: id, Path: nodes[id].Path})
	}

	var stats []store.StatsUpdate
	if kind == tree.KindFolder && len(moved) > 0 {
		stats, err = s.folderMoveStats(ctx, nodes, rollups, moved, oldParents)
		if err != nil {
			return BatchResult{}, err
		}
	}

	changedRows, err := s.store.ApplyPlacements(ctx, string(kind), placements, paths, stats)
	if err != nil {
		if errors.Is(err, tree.ErrConcurrentModification) {
			return BatchResult{State: BatchRolledBack, Reason: ReasonContention, Retryable: true}, nil
		}
		return BatchResult{}, err
	}

	invalidate := make([]string, 0, len(ops)+len(pathIDs))
	for _, op := range ops {
		invalidate = append(invalidate, op.ID)
	}
	invalidate = append(invalidate, pathIDs...)
	s.invalidateNodes(ctx, kind, invalidate)

	if kind == tree.KindPage && s.search != nil && len(pathIDs) > 0 {
		records := make([]search.PageRecord, 0, len(pathIDs))
		for _, id := range pathIDs {
			n := nodes[id]
			records = append(records, search.PageRecord{
				ID: n.ID, Title: n.Title, MenuTitle: n.MenuTitle, Path: n.Path, Status: string(n.Status),
			})
		}
		s.search.IndexPages(records)
	}

	return BatchResult{State: BatchCommitted, Applied: len(ops), Changed: changedRows}, nil
}

// folderMoveStats recomputes rollups for every folder whose subtree contents
// changed: the old and new parents of each moved folder plus all of their
// ancestors, against the post-move topology.
func (s *Service) folderMoveStats(ctx context.Context, nodes map[string]*tree.Node, rollups map[string]tree.Stats, moved []string, oldParents map[string]string) ([]store.StatsUpdate, error) {
	directRows, err := s.store.DirectFolderStats(ctx)
	if err != nil {
		return nil, err
	}
	direct := make(map[string]tree.Stats, len(directRows))
	for id, fs := range directRows {
		direct[id] = tree.Stats{DocumentCount: fs.DocCount, TotalSize: fs.TotalSize}
	}

	startSet := make(map[string]bool)
	for _, id := range moved {
		if old := oldParents[id]; old != "" {
			// An old parent can itself have moved away in this batch; it
			// still exists, so its chain is walkable.
			if _, ok := nodes[old]; ok {
				startSet[old] = true
			}
		}
		if newParent := nodes[id].ParentID; newParent != "" {
			startSet[newParent] = true
		}
	}
	if len(startSet) == 0 {
		return nil, nil
	}
	starts := make([]string, 0, len(startSet))
	for id := range startSet {
		starts = append(starts, id)
	}
	sort.Strings(starts)

	order, err := tree.AffectedAncestors(nodes, starts)
	if err != nil {
		return nil, err
	}
	tree.RecomputeStats(nodes, direct, rollups, order)

	updates := make([]store.StatsUpdate, 0, len(order))
	for _, id := range order {
		updates = append(updates, store.StatsUpdate{
			FolderID:  id,
			DocCount:  rollups[id].DocumentCount,
			TotalSize: rollups[id].TotalSize,
		})
	}
	return updates, nil
}
