// Package tree implements the hierarchical node engine shared by the
// content-page tree and the document-folder tree: placement validation,
// materialized-path maintenance, sibling ordering and subtree rollups.
package tree

import (
	"sort"
	"time"
)

type Kind string

const (
	KindPage   Kind = "page"
	KindFolder Kind = "folder"
)

// ParseKind returns the kind for a wire value, or false if unknown.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindPage, KindFolder:
		return Kind(s), true
	default:
		return "", false
	}
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusDraft, StatusPublished, StatusArchived:
		return Status(s), true
	default:
		return "", false
	}
}

const PathSeparator = "/"

// Node is an entry in one of the two trees. ParentID == "" means root.
// Path is derived; it is only ever written by RecomputePaths.
type Node struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	MenuTitle string    `json:"menuTitle,omitempty"` // pages only
	ParentID  string    `json:"parentId,omitempty"`
	Order     int       `json:"order"`
	Path      string    `json:"path"`
	Visible   bool      `json:"visible"`
	IsPublic  bool      `json:"isPublic,omitempty"` // folders only
	OwnerID   string    `json:"ownerId"`
	Status    Status    `json:"status,omitempty"` // pages only
	CreatedAt time.Time `json:"createdAt"`
}

// TreeNode is a node with its children resolved, sorted by order then
// creation time descending.
type TreeNode struct {
	Node
	Children []*TreeNode `json:"children"`
}

// JoinPath materializes the path for a node under parentPath. Root nodes
// pass parentPath == "".
func JoinPath(parentPath, id string) string {
	if parentPath == "" {
		return PathSeparator + id
	}
	return parentPath + PathSeparator + id
}

// ChildIndex builds the parent-id to child-ids index in one pass over the
// flat node set. Built once per request, never per recursive call.
func ChildIndex(nodes map[string]*Node) map[string][]string {
	index := make(map[string][]string, len(nodes))
	for id, n := range nodes {
		index[n.ParentID] = append(index[n.ParentID], id)
	}
	for parentID := range index {
		sortSiblings(nodes, index[parentID])
	}
	return index
}

// sortSiblings orders ids by sort order ascending; ties break by creation
// time descending so stored ties resolve deterministically at read time.
func sortSiblings(nodes map[string]*Node, ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := nodes[ids[i]], nodes[ids[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Build assembles the recursive tree below rootID. An empty rootID returns
// the full forest as children of a synthetic unnamed root slice.
func Build(nodes map[string]*Node, rootID string) ([]*TreeNode, error) {
	index := ChildIndex(nodes)
	if rootID != "" {
		root, ok := nodes[rootID]
		if !ok {
			return nil, ErrNodeNotFound
		}
		return []*TreeNode{buildSubtree(nodes, index, root)}, nil
	}
	tops := make([]*TreeNode, 0, len(index[""]))
	for _, id := range index[""] {
		tops = append(tops, buildSubtree(nodes, index, nodes[id]))
	}
	return tops, nil
}

func buildSubtree(nodes map[string]*Node, index map[string][]string, n *Node) *TreeNode {
	t := &TreeNode{Node: *n, Children: []*TreeNode{}}
	for _, childID := range index[n.ID] {
		t.Children = append(t.Children, buildSubtree(nodes, index, nodes[childID]))
	}
	return t
}

// Ancestors returns the chain from the root down to the node itself,
// root first.
func Ancestors(nodes map[string]*Node, id string) ([]*Node, error) {
	n, ok := nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	var chain []*Node
	seen := make(map[string]bool, len(nodes))
	for n != nil {
		if seen[n.ID] {
			return nil, &CycleError{OffendingID: n.ID}
		}
		seen[n.ID] = true
		chain = append(chain, n)
		if n.ParentID == "" {
			break
		}
		parent, ok := nodes[n.ParentID]
		if !ok {
			return nil, ErrNodeNotFound
		}
		n = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
