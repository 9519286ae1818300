package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"testing"

	"canopy/api/internal/config"
	"canopy/api/internal/rbac"
	"canopy/api/internal/store"
)

type fakeStore struct {
	pingFn                func(context.Context) error
	getActorFn            func(context.Context, string) (store.Actor, error)
	insertActorFn         func(context.Context, store.Actor) error
	countActorsFn         func(context.Context) (int, error)
	listNodesFn           func(context.Context, string) ([]store.Node, error)
	getNodeFn             func(context.Context, string, string) (store.Node, error)
	insertNodeFn          func(context.Context, store.Node) error
	updateNodeContentFn   func(context.Context, store.Node) error
	countChildrenFn       func(context.Context, string, string) (int, error)
	deleteFolderFn        func(context.Context, string) error
	deletePageCascadeFn   func(context.Context, string, *string, []store.PathUpdate) error
	applyPlacementsFn     func(context.Context, string, []store.Placement, []store.PathUpdate, []store.StatsUpdate) (int, error)
	listPermissionsFn     func(context.Context, string, string) ([]store.Permission, error)
	upsertPermissionFn    func(context.Context, store.Permission) error
	deletePermissionFn    func(context.Context, string, string, string, string) error
	getDocumentFn         func(context.Context, string) (store.Document, error)
	listFolderDocumentsFn func(context.Context, string) ([]store.Document, error)
	insertDocumentFn      func(context.Context, store.Document, []store.StatsUpdate) error
	updateDocumentFn      func(context.Context, store.Document, []store.StatsUpdate) error
	deleteDocumentFn      func(context.Context, string, []store.StatsUpdate) error
	directFolderStatsFn   func(context.Context) (map[string]store.FolderStats, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) GetActor(ctx context.Context, id string) (store.Actor, error) {
	if f.getActorFn != nil {
		return f.getActorFn(ctx, id)
	}
	return store.Actor{}, sql.ErrNoRows
}
func (f *fakeStore) InsertActor(ctx context.Context, actor store.Actor) error {
	if f.insertActorFn != nil {
		return f.insertActorFn(ctx, actor)
	}
	return nil
}
func (f *fakeStore) CountActors(ctx context.Context) (int, error) {
	if f.countActorsFn != nil {
		return f.countActorsFn(ctx)
	}
	return 1, nil
}
func (f *fakeStore) ListNodes(ctx context.Context, kind string) ([]store.Node, error) {
	if f.listNodesFn != nil {
		return f.listNodesFn(ctx, kind)
	}
	return nil, nil
}
func (f *fakeStore) GetNode(ctx context.Context, kind, id string) (store.Node, error) {
	if f.getNodeFn != nil {
		return f.getNodeFn(ctx, kind, id)
	}
	return store.Node{}, sql.ErrNoRows
}
func (f *fakeStore) InsertNode(ctx context.Context, n store.Node) error {
	if f.insertNodeFn != nil {
		return f.insertNodeFn(ctx, n)
	}
	return nil
}
func (f *fakeStore) UpdateNodeContent(ctx context.Context, n store.Node) error {
	if f.updateNodeContentFn != nil {
		return f.updateNodeContentFn(ctx, n)
	}
	return nil
}
func (f *fakeStore) CountChildren(ctx context.Context, kind, id string) (int, error) {
	if f.countChildrenFn != nil {
		return f.countChildrenFn(ctx, kind, id)
	}
	return 0, nil
}
func (f *fakeStore) DeleteFolder(ctx context.Context, id string) error {
	if f.deleteFolderFn != nil {
		return f.deleteFolderFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) DeletePageCascade(ctx context.Context, id string, newParent *string, paths []store.PathUpdate) error {
	if f.deletePageCascadeFn != nil {
		return f.deletePageCascadeFn(ctx, id, newParent, paths)
	}
	return nil
}
func (f *fakeStore) ApplyPlacements(ctx context.Context, kind string, placements []store.Placement, paths []store.PathUpdate, stats []store.StatsUpdate) (int, error) {
	if f.applyPlacementsFn != nil {
		return f.applyPlacementsFn(ctx, kind, placements, paths, stats)
	}
	return len(placements), nil
}
func (f *fakeStore) ListPermissions(ctx context.Context, kind, id string) ([]store.Permission, error) {
	if f.listPermissionsFn != nil {
		return f.listPermissionsFn(ctx, kind, id)
	}
	return nil, nil
}
func (f *fakeStore) UpsertPermission(ctx context.Context, p store.Permission) error {
	if f.upsertPermissionFn != nil {
		return f.upsertPermissionFn(ctx, p)
	}
	return nil
}
func (f *fakeStore) DeletePermission(ctx context.Context, kind, id, actorID, permission string) error {
	if f.deletePermissionFn != nil {
		return f.deletePermissionFn(ctx, kind, id, actorID, permission)
	}
	return nil
}
func (f *fakeStore) GetDocument(ctx context.Context, id string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, id)
	}
	return store.Document{}, sql.ErrNoRows
}
func (f *fakeStore) ListFolderDocuments(ctx context.Context, folderID string) ([]store.Document, error) {
	if f.listFolderDocumentsFn != nil {
		return f.listFolderDocumentsFn(ctx, folderID)
	}
	return nil, nil
}
func (f *fakeStore) InsertDocument(ctx context.Context, doc store.Document, stats []store.StatsUpdate) error {
	if f.insertDocumentFn != nil {
		return f.insertDocumentFn(ctx, doc, stats)
	}
	return nil
}
func (f *fakeStore) UpdateDocument(ctx context.Context, doc store.Document, stats []store.StatsUpdate) error {
	if f.updateDocumentFn != nil {
		return f.updateDocumentFn(ctx, doc, stats)
	}
	return nil
}
func (f *fakeStore) DeleteDocument(ctx context.Context, id string, stats []store.StatsUpdate) error {
	if f.deleteDocumentFn != nil {
		return f.deleteDocumentFn(ctx, id, stats)
	}
	return nil
}
func (f *fakeStore) DirectFolderStats(ctx context.Context) (map[string]store.FolderStats, error) {
	if f.directFolderStatsFn != nil {
		return f.directFolderStatsFn(ctx)
	}
	return map[string]store.FolderStats{}, nil
}

func newTestService(fs *fakeStore) *Service {
	return New(config.Config{}, fs, nil)
}

func strptr(s string) *string { return &s }

var (
	adminActor  = rbac.Actor{ID: "usr_admin", Role: rbac.RoleAdministrator}
	editorActor = rbac.Actor{ID: "usr_ed", Role: rbac.RoleEditor}
	readerActor = rbac.Actor{ID: "usr_ro", Role: rbac.RoleReadOnly}
)

func nodeByID(rows []store.Node) func(context.Context, string, string) (store.Node, error) {
	return func(_ context.Context, kind, id string) (store.Node, error) {
		for _, row := range rows {
			if row.ID == id && row.Kind == kind {
				return row, nil
			}
		}
		return store.Node{}, sql.ErrNoRows
	}
}

func TestCreatePageUnderParent(t *testing.T) {
	parent := store.Node{ID: "pg_parent", Kind: "page", Title: "Parent", Path: "/pg_parent", OwnerID: "usr_admin"}
	var inserted store.Node
	fs := &fakeStore{
		getNodeFn: nodeByID([]store.Node{parent}),
		insertNodeFn: func(_ context.Context, n store.Node) error {
			inserted = n
			return nil
		},
	}
	service := newTestService(fs)

	created, err := service.CreatePage(context.Background(), editorActor, CreatePageInput{
		Title:    "Child",
		ParentID: strptr("pg_parent"),
		Order:    3,
	})
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	if inserted.ID == "" || inserted.ID != created.ID {
		t.Fatalf("insert not captured: %+v", inserted)
	}
	if !strings.HasPrefix(inserted.Path, "/pg_parent/") {
		t.Fatalf("path = %s, want prefix /pg_parent/", inserted.Path)
	}
	if inserted.OwnerID != "usr_ed" {
		t.Fatalf("owner = %s, want usr_ed", inserted.OwnerID)
	}
	if inserted.Status != "draft" {
		t.Fatalf("default status = %s, want draft", inserted.Status)
	}
	if !inserted.Visible {
		t.Fatal("pages default to visible")
	}
}

func TestCreatePageRootRequiresEditor(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.CreatePage(context.Background(), readerActor, CreatePageInput{Title: "Nope"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestCreatePageRejectsUnknownParent(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.CreatePage(context.Background(), adminActor, CreatePageInput{
		Title:    "Orphan",
		ParentID: strptr("pg_ghost"),
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestDeletePageReattachesChildren(t *testing.T) {
	rows := []store.Node{
		{ID: "pg_a", Kind: "page", ParentID: nil, Path: "/pg_a", OwnerID: "usr_admin"},
		{ID: "pg_b", Kind: "page", ParentID: strptr("pg_a"), Path: "/pg_a/pg_b", OwnerID: "usr_admin"},
		{ID: "pg_c", Kind: "page", ParentID: strptr("pg_b"), Path: "/pg_a/pg_b/pg_c", OwnerID: "usr_admin"},
	}
	var gotNewParent *string
	var gotPaths []store.PathUpdate
	fs := &fakeStore{
		getNodeFn: nodeByID(rows),
		listNodesFn: func(context.Context, string) ([]store.Node, error) {
			return rows, nil
		},
		deletePageCascadeFn: func(_ context.Context, id string, newParent *string, paths []store.PathUpdate) error {
			if id != "pg_b" {
				t.Fatalf("cascade target = %s", id)
			}
			gotNewParent = newParent
			gotPaths = paths
			return nil
		},
	}
	service := newTestService(fs)

	if err := service.DeletePage(context.Background(), adminActor, "pg_b"); err != nil {
		t.Fatalf("DeletePage: %v", err)
	}
	if gotNewParent == nil || *gotNewParent != "pg_a" {
		t.Fatalf("children should reattach to pg_a, got %v", gotNewParent)
	}
	if len(gotPaths) != 1 || gotPaths[0].NodeID != "pg_c" || gotPaths[0].Path != "/pg_a/pg_c" {
		t.Fatalf("path updates = %+v", gotPaths)
	}
}

func TestDeleteFolderNotEmpty(t *testing.T) {
	folder := store.Node{ID: "fld_a", Kind: "folder", OwnerID: "usr_admin"}
	fs := &fakeStore{
		getNodeFn: nodeByID([]store.Node{folder}),
		countChildrenFn: func(context.Context, string, string) (int, error) {
			return 2, nil
		},
	}
	service := newTestService(fs)

	err := service.DeleteFolder(context.Background(), adminActor, "fld_a")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != http.StatusConflict || domainErr.Code != "FOLDER_NOT_EMPTY" {
		t.Fatalf("got %d %s", domainErr.Status, domainErr.Code)
	}
}

func TestCanAccessDocumentResolvesAgainstFolder(t *testing.T) {
	folder := store.Node{ID: "fld_a", Kind: "folder", OwnerID: "usr_owner"}
	doc := store.Document{ID: "doc_1", FolderID: "fld_a", OwnerID: "usr_owner", SizeBytes: 10}
	fs := &fakeStore{
		getNodeFn: nodeByID([]store.Node{folder}),
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return doc, nil
		},
	}
	service := newTestService(fs)
	ctx := context.Background()

	// Editors write documents by role even inside folders they cannot manage.
	result, err := service.CanAccess(ctx, editorActor, "document", "doc_1", "write")
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("editor write denied: %+v", result)
	}

	// Read-only actors never delete.
	result, err = service.CanAccess(ctx, readerActor, "document", "doc_1", "delete")
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if result.Allowed || result.Reason != "no_delete_grant" {
		t.Fatalf("read-only delete = %+v", result)
	}
}

func TestCanAccessFolderACL(t *testing.T) {
	folder := store.Node{ID: "fld_a", Kind: "folder", OwnerID: "usr_owner"}
	fs := &fakeStore{
		getNodeFn: nodeByID([]store.Node{folder}),
		listPermissionsFn: func(context.Context, string, string) ([]store.Permission, error) {
			return []store.Permission{
				{NodeKind: "folder", NodeID: "fld_a", ActorID: "usr_ro", Permission: "read"},
			}, nil
		},
	}
	service := newTestService(fs)

	result, err := service.CanAccess(context.Background(), readerActor, "folder", "fld_a", "read")
	if err != nil {
		t.Fatalf("CanAccess: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("ACL read grant ignored: %+v", result)
	}
}

func TestCreateDocumentRollsUpAncestors(t *testing.T) {
	rows := []store.Node{
		{ID: "fld_root", Kind: "folder", ParentID: nil, Path: "/fld_root", OwnerID: "usr_admin"},
		{ID: "fld_a", Kind: "folder", ParentID: strptr("fld_root"), Path: "/fld_root/fld_a", OwnerID: "usr_admin"},
	}
	var gotStats []store.StatsUpdate
	fs := &fakeStore{
		getNodeFn: nodeByID(rows),
		listNodesFn: func(context.Context, string) ([]store.Node, error) {
			return rows, nil
		},
		insertDocumentFn: func(_ context.Context, _ store.Document, stats []store.StatsUpdate) error {
			gotStats = stats
			return nil
		},
	}
	service := newTestService(fs)

	_, err := service.CreateDocument(context.Background(), adminActor, CreateDocumentInput{
		FolderID:  "fld_a",
		Name:      "report.pdf",
		SizeBytes: 100,
	}, nil)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	if len(gotStats) != 2 {
		t.Fatalf("stats updates = %+v", gotStats)
	}
	// Deepest first: the folder itself, then its parent.
	if gotStats[0].FolderID != "fld_a" || gotStats[0].DocCount != 1 || gotStats[0].TotalSize != 100 {
		t.Fatalf("fld_a rollup = %+v", gotStats[0])
	}
	if gotStats[1].FolderID != "fld_root" || gotStats[1].DocCount != 1 || gotStats[1].TotalSize != 100 {
		t.Fatalf("fld_root rollup = %+v", gotStats[1])
	}
}

func TestUpdateDocumentMoveRefreshesBothChains(t *testing.T) {
	rows := []store.Node{
		{ID: "fld_root", Kind: "folder", ParentID: nil, Path: "/fld_root", OwnerID: "usr_admin", DocCount: 1, TotalSize: 100},
		{ID: "fld_a", Kind: "folder", ParentID: strptr("fld_root"), Path: "/fld_root/fld_a", OwnerID: "usr_admin", DocCount: 1, TotalSize: 100},
		{ID: "fld_b", Kind: "folder", ParentID: strptr("fld_root"), Path: "/fld_root/fld_b", OwnerID: "usr_admin"},
	}
	doc := store.Document{ID: "doc_1", FolderID: "fld_a", Name: "report.pdf", SizeBytes: 100, OwnerID: "usr_admin"}

	var gotDoc store.Document
	var gotStats []store.StatsUpdate
	fs := &fakeStore{
		getNodeFn: nodeByID(rows),
		listNodesFn: func(context.Context, string) ([]store.Node, error) {
			return rows, nil
		},
		getDocumentFn: func(context.Context, string) (store.Document, error) {
			return doc, nil
		},
		directFolderStatsFn: func(context.Context) (map[string]store.FolderStats, error) {
			return map[string]store.FolderStats{
				"fld_a": {DocCount: 1, TotalSize: 100},
			}, nil
		},
		updateDocumentFn: func(_ context.Context, updated store.Document, stats []store.StatsUpdate) error {
			gotDoc = updated
			gotStats = stats
			return nil
		},
	}
	service := newTestService(fs)

	_, err := service.UpdateDocument(context.Background(), adminActor, "doc_1", UpdateDocumentInput{
		FolderID: strptr("fld_b"),
	})
	if err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
	if gotDoc.FolderID != "fld_b" {
		t.Fatalf("document folder = %s, want fld_b", gotDoc.FolderID)
	}

	byFolder := map[string]store.StatsUpdate{}
	for _, u := range gotStats {
		byFolder[u.FolderID] = u
	}
	if u := byFolder["fld_a"]; u.DocCount != 0 || u.TotalSize != 0 {
		t.Fatalf("source folder rollup = %+v", u)
	}
	if u := byFolder["fld_b"]; u.DocCount != 1 || u.TotalSize != 100 {
		t.Fatalf("target folder rollup = %+v", u)
	}
	if u := byFolder["fld_root"]; u.DocCount != 1 || u.TotalSize != 100 {
		t.Fatalf("shared ancestor rollup = %+v", u)
	}
}

func TestGrantPermissionValidatesValue(t *testing.T) {
	service := newTestService(&fakeStore{})
	err := service.GrantPermission(context.Background(), adminActor, "folder", "fld_a", GrantPermissionInput{
		ActorID:    "usr_ro",
		Permission: "admin",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad permission, got %v", err)
	}
}

func TestGrantPermissionRequiresManageGrant(t *testing.T) {
	folder := store.Node{ID: "fld_a", Kind: "folder", OwnerID: "usr_owner"}
	fs := &fakeStore{getNodeFn: nodeByID([]store.Node{folder})}
	service := newTestService(fs)

	err := service.GrantPermission(context.Background(), editorActor, "folder", "fld_a", GrantPermissionInput{
		ActorID:    "usr_ro",
		Permission: "read",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestBootstrapSeedsAdminWhenEmpty(t *testing.T) {
	var seeded store.Actor
	fs := &fakeStore{
		countActorsFn: func(context.Context) (int, error) { return 0, nil },
		insertActorFn: func(_ context.Context, actor store.Actor) error {
			seeded = actor
			return nil
		},
	}
	cfg := config.Config{BootstrapAdminID: "usr_admin", BootstrapAdminName: "Administrator"}
	service := New(cfg, fs, nil)

	if err := service.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if seeded.ID != "usr_admin" || seeded.Role != "administrator" {
		t.Fatalf("seeded = %+v", seeded)
	}
}

func TestActorFromIDUnknown(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.ActorFromID(context.Background(), "usr_ghost")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
