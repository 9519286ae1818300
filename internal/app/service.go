package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"canopy/api/internal/blob"
	"canopy/api/internal/config"
	"canopy/api/internal/rbac"
	"canopy/api/internal/search"
	"canopy/api/internal/store"
	"canopy/api/internal/tree"
	"canopy/api/internal/util"
)

var allowedPermissions = map[string]struct{}{
	"read":  {},
	"write": {},
}

type dataStore interface {
	Ping(context.Context) error
	GetActor(context.Context, string) (store.Actor, error)
	InsertActor(context.Context, store.Actor) error
	CountActors(context.Context) (int, error)
	ListNodes(context.Context, string) ([]store.Node, error)
	GetNode(context.Context, string, string) (store.Node, error)
	InsertNode(context.Context, store.Node) error
	UpdateNodeContent(context.Context, store.Node) error
	CountChildren(context.Context, string, string) (int, error)
	DeleteFolder(context.Context, string) error
	DeletePageCascade(context.Context, string, *string, []store.PathUpdate) error
	ApplyPlacements(context.Context, string, []store.Placement, []store.PathUpdate, []store.StatsUpdate) (int, error)
	ListPermissions(context.Context, string, string) ([]store.Permission, error)
	UpsertPermission(context.Context, store.Permission) error
	DeletePermission(context.Context, string, string, string, string) error
	GetDocument(context.Context, string) (store.Document, error)
	ListFolderDocuments(context.Context, string) ([]store.Document, error)
	InsertDocument(context.Context, store.Document, []store.StatsUpdate) error
	UpdateDocument(context.Context, store.Document, []store.StatsUpdate) error
	DeleteDocument(context.Context, string, []store.StatsUpdate) error
	DirectFolderStats(context.Context) (map[string]store.FolderStats, error)
}

// treeCache is the optional read-through cache for rendered trees and paths.
type treeCache interface {
	GetTree(ctx context.Context, kind string) ([]byte, bool, error)
	SetTree(ctx context.Context, kind string, payload []byte) error
	GetPath(ctx context.Context, kind, nodeID string) (string, bool, error)
	SetPath(ctx context.Context, kind, nodeID, path string) error
	InvalidateNodes(ctx context.Context, kind string, nodeIDs []string) error
	InvalidateTree(ctx context.Context, kind string) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	cache  treeCache
	search *search.Service
	blobs  blob.Store
}

func New(cfg config.Config, dataStore dataStore, searchService *search.Service) *Service {
	return &Service{cfg: cfg, store: dataStore, search: searchService}
}

// NewWithCache wires the optional Redis tree cache.
func NewWithCache(cfg config.Config, dataStore dataStore, cache treeCache, searchService *search.Service) *Service {
	return &Service{cfg: cfg, store: dataStore, cache: cache, search: searchService}
}

// SetBlobStore attaches the document byte-storage provider.
func (s *Service) SetBlobStore(blobs blob.Store) {
	s.blobs = blobs
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a default administrator when the actor table is empty and
// backfills the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountActors(ctx)
	if err != nil {
		return fmt.Errorf("count actors: %w", err)
	}
	if count == 0 {
		admin := store.Actor{
			ID:          s.cfg.BootstrapAdminID,
			DisplayName: s.cfg.BootstrapAdminName,
			Role:        string(rbac.RoleAdministrator),
		}
		if err := s.store.InsertActor(ctx, admin); err != nil {
			return fmt.Errorf("seed administrator: %w", err)
		}
		log.Printf("bootstrap: seeded administrator %s", admin.ID)
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// ActorFromID resolves the identity supplied by the transport layer into an
// actor with its role.
func (s *Service) ActorFromID(ctx context.Context, actorID string) (rbac.Actor, error) {
	actor, err := s.store.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.Actor{}, domainError(http.StatusUnauthorized, "UNKNOWN_ACTOR", "Unknown actor", nil)
		}
		return rbac.Actor{}, fmt.Errorf("lookup actor: %w", err)
	}
	return rbac.Actor{ID: actor.ID, Role: rbac.Normalize(actor.Role)}, nil
}

// ---------------------------------------------------------------------------
// Snapshot helpers

func toTreeNode(n store.Node) *tree.Node {
	parentID := ""
	if n.ParentID != nil {
		parentID = *n.ParentID
	}
	return &tree.Node{
		ID:        n.ID,
		Kind:      tree.Kind(n.Kind),
		Title:     n.Title,
		MenuTitle: n.MenuTitle,
		ParentID:  parentID,
		Order:     n.SortOrder,
		Path:      n.Path,
		Visible:   n.Visible,
		IsPublic:  n.IsPublic,
		OwnerID:   n.OwnerID,
		Status:    tree.Status(n.Status),
		CreatedAt: n.CreatedAt,
	}
}

// loadNodes reads the full node set of a kind into the in-memory snapshot the
// engine algorithms run against, plus the persisted rollups for folders.
func (s *Service) loadNodes(ctx context.Context, kind tree.Kind) (map[string]*tree.Node, map[string]tree.Stats, error) {
	rows, err := s.store.ListNodes(ctx, string(kind))
	if err != nil {
		return nil, nil, fmt.Errorf("load %s nodes: %w", kind, err)
	}
	nodes := make(map[string]*tree.Node, len(rows))
	rollups := make(map[string]tree.Stats, len(rows))
	for _, row := range rows {
		nodes[row.ID] = toTreeNode(row)
		if kind == tree.KindFolder {
			rollups[row.ID] = tree.Stats{DocumentCount: row.DocCount, TotalSize: row.TotalSize}
		}
	}
	return nodes, rollups, nil
}

func parseKind(kindStr string) (tree.Kind, error) {
	kind, ok := tree.ParseKind(kindStr)
	if !ok {
		return "", domainError(http.StatusUnprocessableEntity, "INVALID_KIND", "Kind must be 'page' or 'folder'", nil)
	}
	return kind, nil
}

// ---------------------------------------------------------------------------
// Access resolution

// aclSets loads the explicit grants of a node as read/write membership sets.
func (s *Service) aclSets(ctx context.Context, kind, nodeID string) (map[string]bool, map[string]bool, error) {
	perms, err := s.store.ListPermissions(ctx, kind, nodeID)
	if err != nil {
		return nil, nil, fmt.Errorf("load permissions: %w", err)
	}
	read := make(map[string]bool, len(perms))
	write := make(map[string]bool, len(perms))
	for _, p := range perms {
		switch p.Permission {
		case "read":
			read[p.ActorID] = true
		case "write":
			write[p.ActorID] = true
		}
	}
	return read, write, nil
}

// nodeView assembles the access-relevant view of a page or folder.
func (s *Service) nodeView(ctx context.Context, kind tree.Kind, nodeID string) (rbac.NodeView, error) {
	n, err := s.store.GetNode(ctx, string(kind), nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.NodeView{}, notFound(nodeID)
		}
		return rbac.NodeView{}, fmt.Errorf("load node: %w", err)
	}
	read, write, err := s.aclSets(ctx, string(kind), nodeID)
	if err != nil {
		return rbac.NodeView{}, err
	}
	return rbac.NodeView{
		ID:       n.ID,
		Kind:     n.Kind,
		OwnerID:  n.OwnerID,
		IsPublic: n.IsPublic,
		Read:     read,
		Write:    write,
	}, nil
}

// documentView resolves a document against its containing folder: the folder
// supplies the public flag and ACL, the document keeps its own owner.
func (s *Service) documentView(ctx context.Context, doc store.Document) (rbac.NodeView, error) {
	folderView, err := s.nodeView(ctx, tree.KindFolder, doc.FolderID)
	if err != nil {
		return rbac.NodeView{}, err
	}
	return rbac.NodeView{
		ID:       doc.ID,
		Kind:     "document",
		OwnerID:  doc.OwnerID,
		IsPublic: folderView.IsPublic,
		Read:     folderView.Read,
		Write:    folderView.Write,
	}, nil
}

func notFound(nodeID string) *DomainError {
	return domainError(http.StatusNotFound, "NODE_NOT_FOUND", "Node not found", map[string]any{"id": nodeID})
}

func denied(reason rbac.DenyReason) *DomainError {
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", "Permission denied", map[string]any{"reason": string(reason)})
}

func (s *Service) requireNodeAccess(ctx context.Context, actor rbac.Actor, kind tree.Kind, nodeID string, op rbac.Operation) error {
	view, err := s.nodeView(ctx, kind, nodeID)
	if err != nil {
		return err
	}
	if decision := rbac.Resolve(actor, view, op); !decision.Allowed {
		return denied(decision.Reason)
	}
	return nil
}

func (s *Service) requireDocumentAccess(ctx context.Context, actor rbac.Actor, doc store.Document, op rbac.Operation) error {
	view, err := s.documentView(ctx, doc)
	if err != nil {
		return err
	}
	if decision := rbac.Resolve(actor, view, op); !decision.Allowed {
		return denied(decision.Reason)
	}
	return nil
}

// AccessResult is the outcome of an access probe.
type AccessResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CanAccess resolves whether the actor may perform op on a node. Kind may be
// "page", "folder" or "document".
func (s *Service) CanAccess(ctx context.Context, actor rbac.Actor, kindStr, nodeID, opStr string) (AccessResult, error) {
	op, ok := rbac.ParseOperation(opStr)
	if !ok {
		return AccessResult{}, domainError(http.StatusUnprocessableEntity, "INVALID_OPERATION", "Unknown operation", nil)
	}

	var view rbac.NodeView
	switch kindStr {
	case "document":
		doc, err := s.store.GetDocument(ctx, nodeID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return AccessResult{}, notFound(nodeID)
			}
			return AccessResult{}, fmt.Errorf("load document: %w", err)
		}
		view, err = s.documentView(ctx, doc)
		if err != nil {
			return AccessResult{}, err
		}
	default:
		kind, err := parseKind(kindStr)
		if err != nil {
			return AccessResult{}, err
		}
		view, err = s.nodeView(ctx, kind, nodeID)
		if err != nil {
			return AccessResult{}, err
		}
	}

	decision := rbac.Resolve(actor, view, op)
	return AccessResult{Allowed: decision.Allowed, Reason: string(decision.Reason)}, nil
}

// ---------------------------------------------------------------------------
// Tree reads

// GetTree returns the recursive tree of a kind, children sorted by order then
// creation time descending. Full-tree reads go through the cache when one is
// configured.
func (s *Service) GetTree(ctx context.Context, kindStr, rootID string) ([]*tree.TreeNode, error) {
	kind, err := parseKind(kindStr)
	if err != nil {
		return nil, err
	}

	if rootID == "" && s.cache != nil {
		if payload, ok, err := s.cache.GetTree(ctx, string(kind)); err != nil {
			log.Printf("treecache: read error: %v", err)
		} else if ok {
			var cached []*tree.TreeNode
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
			log.Printf("treecache: discarding undecodable entry for %s", kind)
		}
	}

	nodes, _, err := s.loadNodes(ctx, kind)
	if err != nil {
		return nil, err
	}
	roots, err := tree.Build(nodes, rootID)
	if err != nil {
		if errors.Is(err, tree.ErrNodeNotFound) {
			return nil, notFound(rootID)
		}
		return nil, err
	}

	if rootID == "" && s.cache != nil {
		if payload, err := json.Marshal(roots); err == nil {
			if err := s.cache.SetTree(ctx, string(kind), payload); err != nil {
				log.Printf("treecache: write error: %v", err)
			}
		}
	}
	return roots, nil
}

// PathEntry is one hop of an ancestry chain, root first.
type PathEntry struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Path  string `json:"path"`
}

// GetPath returns the ancestor chain of a node, root first, ending with the
// node itself. Chains are cached per node alongside the rendered tree.
func (s *Service) GetPath(ctx context.Context, kindStr, nodeID string) ([]PathEntry, error) {
	kind, err := parseKind(kindStr)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if payload, ok, err := s.cache.GetPath(ctx, string(kind), nodeID); err != nil {
			log.Printf("treecache: path read error: %v", err)
		} else if ok {
			var cached []PathEntry
			if err := json.Unmarshal([]byte(payload), &cached); err == nil {
				return cached, nil
			}
		}
	}

	nodes, _, err := s.loadNodes(ctx, kind)
	if err != nil {
		return nil, err
	}
	chain, err := tree.Ancestors(nodes, nodeID)
	if err != nil {
		if errors.Is(err, tree.ErrNodeNotFound) {
			return nil, notFound(nodeID)
		}
		return nil, err
	}
	entries := make([]PathEntry, len(chain))
	for i, n := range chain {
		entries[i] = PathEntry{ID: n.ID, Title: n.Title, Path: n.Path}
	}

	if s.cache != nil {
		if payload, err := json.Marshal(entries); err == nil {
			if err := s.cache.SetPath(ctx, string(kind), nodeID, string(payload)); err != nil {
				log.Printf("treecache: path write error: %v", err)
			}
		}
	}
	return entries, nil
}

// GetNode returns a single page or folder, subject to a read grant.
func (s *Service) GetNode(ctx context.Context, actor rbac.Actor, kindStr, nodeID string) (store.Node, error) {
	kind, err := parseKind(kindStr)
	if err != nil {
		return store.Node{}, err
	}
	if err := s.requireNodeAccess(ctx, actor, kind, nodeID, rbac.OpRead); err != nil {
		return store.Node{}, err
	}
	n, err := s.store.GetNode(ctx, string(kind), nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Node{}, notFound(nodeID)
		}
		return store.Node{}, fmt.Errorf("load node: %w", err)
	}
	return n, nil
}

// GetFolderStats returns the persisted recursive rollup of a folder.
func (s *Service) GetFolderStats(ctx context.Context, actor rbac.Actor, folderID string) (tree.Stats, error) {
	if err := s.requireNodeAccess(ctx, actor, tree.KindFolder, folderID, rbac.OpRead); err != nil {
		return tree.Stats{}, err
	}
	n, err := s.store.GetNode(ctx, string(tree.KindFolder), folderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tree.Stats{}, notFound(folderID)
		}
		return tree.Stats{}, fmt.Errorf("load folder: %w", err)
	}
	return tree.Stats{DocumentCount: n.DocCount, TotalSize: n.TotalSize}, nil
}

// ---------------------------------------------------------------------------
// Node lifecycle

type CreatePageInput struct {
	Title     string  `json:"title"`
	MenuTitle string  `json:"menuTitle"`
	ParentID  *string `json:"parentId"`
	Order     int     `json:"order"`
	Visible   *bool   `json:"visible"`
	Status    string  `json:"status"`
}

type UpdatePageInput struct {
	Title     string `json:"title"`
	MenuTitle string `json:"menuTitle"`
	Status    string `json:"status"`
	Visible   *bool  `json:"visible"`
}

type CreateFolderInput struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId"`
	Order    int     `json:"order"`
	IsPublic bool    `json:"isPublic"`
}

type UpdateFolderInput struct {
	Name     string `json:"name"`
	IsPublic *bool  `json:"isPublic"`
}

// requireCreateAccess gates node creation: under a parent it needs write on
// the parent, at the root it needs at least the editor role.
func (s *Service) requireCreateAccess(ctx context.Context, actor rbac.Actor, kind tree.Kind, parentID *string) error {
	if parentID != nil {
		return s.requireNodeAccess(ctx, actor, kind, *parentID, rbac.OpWrite)
	}
	if rbac.Level(actor.Role) < rbac.Level(rbac.RoleEditor) {
		return denied(rbac.DenyNoWriteGrant)
	}
	return nil
}

// parentPath resolves the materialized path prefix for a new child.
func (s *Service) parentPath(ctx context.Context, kind tree.Kind, parentID *string) (string, error) {
	if parentID == nil {
		return "", nil
	}
	parent, err := s.store.GetNode(ctx, string(kind), *parentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound(*parentID)
		}
		return "", fmt.Errorf("load parent: %w", err)
	}
	return parent.Path, nil
}

func (s *Service) CreatePage(ctx context.Context, actor rbac.Actor, input CreatePageInput) (store.Node, error) {
	if strings.TrimSpace(input.Title) == "" {
		return store.Node{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Title is required", nil)
	}
	status := input.Status
	if status == "" {
		status = string(tree.StatusDraft)
	}
	if _, ok := tree.ParseStatus(status); !ok {
		return store.Node{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid status", nil)
	}
	if err := s.requireCreateAccess(ctx, actor, tree.KindPage, input.ParentID); err != nil {
		return store.Node{}, err
	}
	prefix, err := s.parentPath(ctx, tree.KindPage, input.ParentID)
	if err != nil {
		return store.Node{}, err
	}

	visible := true
	if input.Visible != nil {
		visible = *input.Visible
	}
	n := store.Node{
		ID:        util.NewID("pg"),
		Kind:      string(tree.KindPage),
		Title:     input.Title,
		MenuTitle: input.MenuTitle,
		ParentID:  input.ParentID,
		SortOrder: input.Order,
		Visible:   visible,
		Status:    status,
		OwnerID:   actor.ID,
	}
	n.Path = tree.JoinPath(prefix, n.ID)

	if err := s.store.InsertNode(ctx, n); err != nil {
		return store.Node{}, err
	}
	s.invalidateTree(ctx, tree.KindPage)
	if s.search != nil {
		s.search.IndexPage(search.PageRecord{
			ID: n.ID, Title: n.Title, MenuTitle: n.MenuTitle, Path: n.Path, Status: n.Status,
		})
	}
	return n, nil
}

func (s *Service) UpdatePage(ctx context.Context, actor rbac.Actor, pageID string, input UpdatePageInput) (store.Node, error) {
	if err := s.requireNodeAccess(ctx, actor, tree.KindPage, pageID, rbac.OpWrite); err != nil {
		return store.Node{}, err
	}
	n, err := s.store.GetNode(ctx, string(tree.KindPage), pageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Node{}, notFound(pageID)
		}
		return store.Node{}, fmt.Errorf("load page: %w", err)
	}

	if input.Title != "" {
		n.Title = input.Title
	}
	n.MenuTitle = input.MenuTitle
	if input.Status != "" {
		if _, ok := tree.ParseStatus(input.Status); !ok {
			return store.Node{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid status", nil)
		}
		n.Status = input.Status
	}
	if input.Visible != nil {
		n.Visible = *input.Visible
	}

	if err := s.store.UpdateNodeContent(ctx, n); err != nil {
		return store.Node{}, err
	}
	s.invalidateNodes(ctx, tree.KindPage, []string{n.ID})
	if s.search != nil {
		s.search.IndexPage(search.PageRecord{
			ID: n.ID, Title: n.Title, MenuTitle: n.MenuTitle, Path: n.Path, Status: n.Status,
		})
	}
	return n, nil
}

// DeletePage removes a page and reattaches its children to the deleted page's
// former parent, rewriting descendant paths in the same transaction.
func (s *Service) DeletePage(ctx context.Context, actor rbac.Actor, pageID string) error {
	if err := s.requireNodeAccess(ctx, actor, tree.KindPage, pageID, rbac.OpDelete); err != nil {
		return err
	}
	nodes, _, err := s.loadNodes(ctx, tree.KindPage)
	if err != nil {
		return err
	}
	doomed, ok := nodes[pageID]
	if !ok {
		return notFound(pageID)
	}

	var newParent *string
	if doomed.ParentID != "" {
		parentID := doomed.ParentID
		newParent = &parentID
	}

	// Simulate the detach in the snapshot, then recompute every child
	// subtree's paths against the new topology.
	var childIDs []string
	for id, n := range nodes {
		if n.ParentID == pageID {
			n.ParentID = doomed.ParentID
			childIDs = append(childIDs, id)
		}
	}
	delete(nodes, pageID)

	var paths []store.PathUpdate
	for _, childID := range childIDs {
		changed, err := tree.RecomputePaths(nodes, childID)
		if err != nil {
			return err
		}
		for _, id := range changed {
			paths = append(paths, store.PathUpdate{NodeID: id, Path: nodes[id].Path})
		}
	}

	if err := s.store.DeletePageCascade(ctx, pageID, newParent, paths); err != nil {
		return err
	}
	stale := []string{pageID}
	for _, p := range paths {
		stale = append(stale, p.NodeID)
	}
	s.invalidateNodes(ctx, tree.KindPage, stale)
	if s.search != nil {
		s.search.DeletePage(pageID)
	}
	return nil
}

func (s *Service) CreateFolder(ctx context.Context, actor rbac.Actor, input CreateFolderInput) (store.Node, error) {
	if strings.TrimSpace(input.Name) == "" {
		return store.Node{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Name is required", nil)
	}
	if err := s.requireCreateAccess(ctx, actor, tree.KindFolder, input.ParentID); err != nil {
		return store.Node{}, err
	}
	prefix, err := s.parentPath(ctx, tree.KindFolder, input.ParentID)
	if err != nil {
		return store.Node{}, err
	}

	n := store.Node{
		ID:        util.NewID("fld"),
		Kind:      string(tree.KindFolder),
		Title:     input.Name,
		ParentID:  input.ParentID,
		SortOrder: input.Order,
		IsPublic:  input.IsPublic,
		OwnerID:   actor.ID,
	}
	n.Path = tree.JoinPath(prefix, n.ID)

	if err := s.store.InsertNode(ctx, n); err != nil {
		return store.Node{}, err
	}
	s.invalidateTree(ctx, tree.KindFolder)
	return n, nil
}

func (s *Service) UpdateFolder(ctx context.Context, actor rbac.Actor, folderID string, input UpdateFolderInput) (store.Node, error) {
	if err := s.requireNodeAccess(ctx, actor, tree.KindFolder, folderID, rbac.OpWrite); err != nil {
		return store.Node{}, err
	}
	n, err := s.store.GetNode(ctx, string(tree.KindFolder), folderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Node{}, notFound(folderID)
		}
		return store.Node{}, fmt.Errorf("load folder: %w", err)
	}
	if input.Name != "" {
		n.Title = input.Name
	}
	if input.IsPublic != nil {
		n.IsPublic = *input.IsPublic
	}
	if err := s.store.UpdateNodeContent(ctx, n); err != nil {
		return store.Node{}, err
	}
	s.invalidateNodes(ctx, tree.KindFolder, []string{n.ID})
	return n, nil
}

// DeleteFolder hard-fails while the folder still holds child folders or
// documents; descendants must be reassigned or removed first.
func (s *Service) DeleteFolder(ctx context.Context, actor rbac.Actor, folderID string) error {
	if err := s.requireNodeAccess(ctx, actor, tree.KindFolder, folderID, rbac.OpDelete); err != nil {
		return err
	}
	children, err := s.store.CountChildren(ctx, string(tree.KindFolder), folderID)
	if err != nil {
		return err
	}
	docs, err := s.store.ListFolderDocuments(ctx, folderID)
	if err != nil {
		return err
	}
	if children > 0 || len(docs) > 0 {
		return domainError(http.StatusConflict, "FOLDER_NOT_EMPTY", "Folder still has folders or documents", map[string]any{
			"childFolders": children,
			"documents":    len(docs),
		})
	}
	if err := s.store.DeleteFolder(ctx, folderID); err != nil {
		return err
	}
	s.invalidateTree(ctx, tree.KindFolder)
	return nil
}

func (s *Service) invalidateTree(ctx context.Context, kind tree.Kind) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateTree(ctx, string(kind)); err != nil {
		log.Printf("treecache: invalidate %s: %v", kind, err)
	}
}

func (s *Service) invalidateNodes(ctx context.Context, kind tree.Kind, ids []string) {
	if s.cache == nil || len(ids) == 0 {
		return
	}
	if err := s.cache.InvalidateNodes(ctx, string(kind), ids); err != nil {
		log.Printf("treecache: invalidate %s nodes: %v", kind, err)
	}
}

// ---------------------------------------------------------------------------
// Documents

type CreateDocumentInput struct {
	FolderID    string `json:"folderId"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType"`
}

type UpdateDocumentInput struct {
	Name     string  `json:"name"`
	FolderID *string `json:"folderId"`
}

// statsAfterDocumentChange recomputes every affected ancestor rollup exactly
// once, bottom-up, after a change to direct document attachments. delta is
// applied to the direct stats of the named folders before the walk.
func (s *Service) statsAfterDocumentChange(ctx context.Context, deltas map[string]tree.Stats) ([]store.StatsUpdate, error) {
	nodes, rollups, err := s.loadNodes(ctx, tree.KindFolder)
	if err != nil {
		return nil, err
	}
	directRows, err := s.store.DirectFolderStats(ctx)
	if err != nil {
		return nil, err
	}
	direct := make(map[string]tree.Stats, len(directRows))
	for id, fs := range directRows {
		direct[id] = tree.Stats{DocumentCount: fs.DocCount, TotalSize: fs.TotalSize}
	}

	starts := make([]string, 0, len(deltas))
	for folderID, delta := range deltas {
		if _, ok := nodes[folderID]; !ok {
			return nil, notFound(folderID)
		}
		d := direct[folderID]
		d.DocumentCount += delta.DocumentCount
		d.TotalSize += delta.TotalSize
		direct[folderID] = d
		starts = append(starts, folderID)
	}

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

// CreateDocument records a document in a folder. Content bytes, when given,
// stream to the blob provider before the row and rollups commit.
func (s *Service) CreateDocument(ctx context.Context, actor rbac.Actor, input CreateDocumentInput, content io.Reader) (store.Document, error) {
	if strings.TrimSpace(input.Name) == "" {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Name is required", nil)
	}
	if err := s.requireNodeAccess(ctx, actor, tree.KindFolder, input.FolderID, rbac.OpWrite); err != nil {
		return store.Document{}, err
	}

	doc := store.Document{
		ID:        util.NewID("doc"),
		FolderID:  input.FolderID,
		Name:      input.Name,
		SizeBytes: input.SizeBytes,
		OwnerID:   actor.ID,
	}

	if content != nil {
		if s.blobs == nil {
			return store.Document{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Document storage is not configured", nil)
		}
		if err := s.blobs.Put(ctx, doc.ID, content, doc.SizeBytes, input.ContentType); err != nil {
			return store.Document{}, fmt.Errorf("store document bytes: %w", err)
		}
	}

	stats, err := s.statsAfterDocumentChange(ctx, map[string]tree.Stats{
		doc.FolderID: {DocumentCount: 1, TotalSize: doc.SizeBytes},
	})
	if err != nil {
		return store.Document{}, err
	}
	if err := s.store.InsertDocument(ctx, doc, stats); err != nil {
		return store.Document{}, err
	}
	s.invalidateTree(ctx, tree.KindFolder)
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Name: doc.Name, FolderID: doc.FolderID})
	}
	return doc, nil
}

// UpdateDocument renames and/or moves a document between folders, refreshing
// both folder chains' rollups in the same transaction.
func (s *Service) UpdateDocument(ctx context.Context, actor rbac.Actor, documentID string, input UpdateDocumentInput) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, notFound(documentID)
		}
		return store.Document{}, fmt.Errorf("load document: %w", err)
	}
	if err := s.requireDocumentAccess(ctx, actor, doc, rbac.OpWrite); err != nil {
		return store.Document{}, err
	}

	deltas := map[string]tree.Stats{}
	if input.FolderID != nil && *input.FolderID != doc.FolderID {
		if err := s.requireNodeAccess(ctx, actor, tree.KindFolder, *input.FolderID, rbac.OpWrite); err != nil {
			return store.Document{}, err
		}
		deltas[doc.FolderID] = tree.Stats{DocumentCount: -1, TotalSize: -doc.SizeBytes}
		deltas[*input.FolderID] = tree.Stats{DocumentCount: 1, TotalSize: doc.SizeBytes}
		doc.FolderID = *input.FolderID
	}
	if input.Name != "" {
		doc.Name = input.Name
	}

	var stats []store.StatsUpdate
	if len(deltas) > 0 {
		if stats, err = s.statsAfterDocumentChange(ctx, deltas); err != nil {
			return store.Document{}, err
		}
	}
	if err := s.store.UpdateDocument(ctx, doc, stats); err != nil {
		return store.Document{}, err
	}
	s.invalidateTree(ctx, tree.KindFolder)
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{ID: doc.ID, Name: doc.Name, FolderID: doc.FolderID})
	}
	return doc, nil
}

func (s *Service) DeleteDocument(ctx context.Context, actor rbac.Actor, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(documentID)
		}
		return fmt.Errorf("load document: %w", err)
	}
	if err := s.requireDocumentAccess(ctx, actor, doc, rbac.OpDelete); err != nil {
		return err
	}

	stats, err := s.statsAfterDocumentChange(ctx, map[string]tree.Stats{
		doc.FolderID: {DocumentCount: -1, TotalSize: -doc.SizeBytes},
	})
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID, stats); err != nil {
		return err
	}
	if s.blobs != nil {
		if err := s.blobs.Delete(ctx, documentID); err != nil {
			log.Printf("blob: delete %s: %v", documentID, err)
		}
	}
	s.invalidateTree(ctx, tree.KindFolder)
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	return nil
}

// GetDocumentInfo returns document metadata, subject to a read grant on the
// containing folder.
func (s *Service) GetDocumentInfo(ctx context.Context, actor rbac.Actor, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, notFound(documentID)
		}
		return store.Document{}, fmt.Errorf("load document: %w", err)
	}
	if err := s.requireDocumentAccess(ctx, actor, doc, rbac.OpRead); err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

// UploadDocumentContent replaces the stored bytes of a document and adjusts
// folder rollups for the size change.
func (s *Service) UploadDocumentContent(ctx context.Context, actor rbac.Actor, documentID string, content io.Reader, size int64, contentType string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, notFound(documentID)
		}
		return store.Document{}, fmt.Errorf("load document: %w", err)
	}
	if err := s.requireDocumentAccess(ctx, actor, doc, rbac.OpWrite); err != nil {
		return store.Document{}, err
	}
	if s.blobs == nil {
		return store.Document{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Document storage is not configured", nil)
	}
	if err := s.blobs.Put(ctx, doc.ID, content, size, contentType); err != nil {
		return store.Document{}, fmt.Errorf("store document bytes: %w", err)
	}

	var stats []store.StatsUpdate
	if size != doc.SizeBytes {
		stats, err = s.statsAfterDocumentChange(ctx, map[string]tree.Stats{
			doc.FolderID: {TotalSize: size - doc.SizeBytes},
		})
		if err != nil {
			return store.Document{}, err
		}
		doc.SizeBytes = size
	}
	if err := s.store.UpdateDocument(ctx, doc, stats); err != nil {
		return store.Document{}, err
	}
	s.invalidateTree(ctx, tree.KindFolder)
	return doc, nil
}

// OpenDocumentContent streams the raw bytes of a document from the blob
// provider.
func (s *Service) OpenDocumentContent(ctx context.Context, actor rbac.Actor, documentID string) (io.ReadCloser, store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Document{}, notFound(documentID)
		}
		return nil, store.Document{}, fmt.Errorf("load document: %w", err)
	}
	if err := s.requireDocumentAccess(ctx, actor, doc, rbac.OpRead); err != nil {
		return nil, store.Document{}, err
	}
	if s.blobs == nil {
		return nil, store.Document{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Document storage is not configured", nil)
	}
	rc, err := s.blobs.Get(ctx, documentID)
	if err != nil {
		return nil, store.Document{}, err
	}
	return rc, doc, nil
}

func (s *Service) ListFolderDocuments(ctx context.Context, actor rbac.Actor, folderID string) ([]store.Document, error) {
	if err := s.requireNodeAccess(ctx, actor, tree.KindFolder, folderID, rbac.OpRead); err != nil {
		return nil, err
	}
	return s.store.ListFolderDocuments(ctx, folderID)
}

// ---------------------------------------------------------------------------
// Permissions

type GrantPermissionInput struct {
	ActorID    string `json:"actorId"`
	Permission string `json:"permission"`
}

func (s *Service) GrantPermission(ctx context.Context, actor rbac.Actor, kindStr, nodeID string, input GrantPermissionInput) error {
	kind, err := parseKind(kindStr)
	if err != nil {
		return err
	}
	if _, ok := allowedPermissions[input.Permission]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Permission must be 'read' or 'write'", nil)
	}
	if err := s.requireNodeAccess(ctx, actor, kind, nodeID, rbac.OpManagePermissions); err != nil {
		return err
	}
	if _, err := s.store.GetActor(ctx, input.ActorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "ACTOR_NOT_FOUND", "Actor not found", map[string]any{"id": input.ActorID})
		}
		return fmt.Errorf("lookup actor: %w", err)
	}
	return s.store.UpsertPermission(ctx, store.Permission{
		NodeKind:   string(kind),
		NodeID:     nodeID,
		ActorID:    input.ActorID,
		Permission: input.Permission,
		GrantedBy:  actor.ID,
	})
}

func (s *Service) RevokePermission(ctx context.Context, actor rbac.Actor, kindStr, nodeID, targetActorID, permission string) error {
	kind, err := parseKind(kindStr)
	if err != nil {
		return err
	}
	if err := s.requireNodeAccess(ctx, actor, kind, nodeID, rbac.OpManagePermissions); err != nil {
		return err
	}
	return s.store.DeletePermission(ctx, string(kind), nodeID, targetActorID, permission)
}

func (s *Service) ListNodePermissions(ctx context.Context, actor rbac.Actor, kindStr, nodeID string) ([]store.Permission, error) {
	kind, err := parseKind(kindStr)
	if err != nil {
		return nil, err
	}
	if err := s.requireNodeAccess(ctx, actor, kind, nodeID, rbac.OpManagePermissions); err != nil {
		return nil, err
	}
	return s.store.ListPermissions(ctx, string(kind), nodeID)
}

// ---------------------------------------------------------------------------
// Actors

type CreateActorInput struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// CreateActor registers an identity. Administrators only; the identity
// provider upstream owns authentication, this table just maps ids to roles.
func (s *Service) CreateActor(ctx context.Context, actor rbac.Actor, input CreateActorInput) (store.Actor, error) {
	if actor.Role != rbac.RoleAdministrator {
		return store.Actor{}, denied(rbac.DenyNotOwner)
	}
	if strings.TrimSpace(input.ID) == "" || strings.TrimSpace(input.DisplayName) == "" {
		return store.Actor{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id and displayName are required", nil)
	}
	newActor := store.Actor{
		ID:          input.ID,
		DisplayName: input.DisplayName,
		Role:        string(rbac.Normalize(input.Role)),
	}
	if err := s.store.InsertActor(ctx, newActor); err != nil {
		return store.Actor{}, err
	}
	return newActor, nil
}

// ---------------------------------------------------------------------------
// Search

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}
