package store

import "time"

type Actor struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

// Node is a row in either the pages or the folders table. MenuTitle, Visible
// and Status apply to pages; IsPublic, DocCount and TotalSize to folders.
// ParentID is nil for roots. Path is derived and never accepted from callers.
type Node struct {
	ID        string
	Kind      string
	Title     string
	MenuTitle string
	ParentID  *string
	SortOrder int
	Path      string
	Visible   bool
	IsPublic  bool
	Status    string
	OwnerID   string
	DocCount  int
	TotalSize int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Document struct {
	ID        string
	FolderID  string
	Name      string
	SizeBytes int64
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission is one explicit ACL grant: actor may read or write a specific
// node, independent of role.
type Permission struct {
	ID         int64
	NodeKind   string
	NodeID     string
	ActorID    string
	Permission string // "read" or "write"
	GrantedBy  string
	GrantedAt  time.Time
}

// Placement is the final resolved placement of one node in a batch write:
// every field carries the value the row should hold after commit.
type Placement struct {
	NodeID    string
	ParentID  *string
	SortOrder int
	Visible   bool
}

type PathUpdate struct {
	NodeID string
	Path   string
}

// StatsUpdate carries a recomputed folder rollup to persist.
type StatsUpdate struct {
	FolderID  string
	DocCount  int
	TotalSize int64
}

type FolderStats struct {
	DocCount  int
	TotalSize int64
}
