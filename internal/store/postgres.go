package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"canopy/api/internal/tree"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Actors

func (s *PostgresStore) GetActor(ctx context.Context, actorID string) (Actor, error) {
	var actor Actor
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, role, created_at FROM actors WHERE id=$1
	`, actorID).Scan(&actor.ID, &actor.DisplayName, &actor.Role, &actor.CreatedAt)
	if err != nil {
		return Actor{}, err
	}
	return actor, nil
}

func (s *PostgresStore) InsertActor(ctx context.Context, actor Actor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (id, display_name, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, actor.ID, actor.DisplayName, actor.Role)
	if err != nil {
		return fmt.Errorf("insert actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountActors(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actors`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count actors: %w", err)
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Nodes

const pageColumns = `id, title, COALESCE(menu_title, ''), parent_id, sort_order, path, visible, status, owner_id, created_at, updated_at`
const folderColumns = `id, name, parent_id, sort_order, path, is_public, owner_id, doc_count, total_size, created_at, updated_at`

func scanPage(row interface{ Scan(...any) error }) (Node, error) {
	n := Node{Kind: string(tree.KindPage)}
	err := row.Scan(&n.ID, &n.Title, &n.MenuTitle, &n.ParentID, &n.SortOrder, &n.Path,
		&n.Visible, &n.Status, &n.OwnerID, &n.CreatedAt, &n.UpdatedAt)
	return n, err
}

func scanFolder(row interface{ Scan(...any) error }) (Node, error) {
	n := Node{Kind: string(tree.KindFolder)}
	err := row.Scan(&n.ID, &n.Title, &n.ParentID, &n.SortOrder, &n.Path,
		&n.IsPublic, &n.OwnerID, &n.DocCount, &n.TotalSize, &n.CreatedAt, &n.UpdatedAt)
	return n, err
}

func (s *PostgresStore) ListNodes(ctx context.Context, kind string) ([]Node, error) {
	query := `SELECT ` + pageColumns + ` FROM pages ORDER BY sort_order ASC, created_at DESC`
	scan := scanPage
	if kind == string(tree.KindFolder) {
		query = `SELECT ` + folderColumns + ` FROM folders ORDER BY sort_order ASC, created_at DESC`
		scan = scanFolder
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s nodes: %w", kind, err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s node: %w", kind, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s nodes: %w", kind, err)
	}
	return items, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, kind, nodeID string) (Node, error) {
	if kind == string(tree.KindFolder) {
		return scanFolder(s.db.QueryRowContext(ctx,
			`SELECT `+folderColumns+` FROM folders WHERE id=$1`, nodeID))
	}
	return scanPage(s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE id=$1`, nodeID))
}

func (s *PostgresStore) InsertNode(ctx context.Context, n Node) error {
	var err error
	if n.Kind == string(tree.KindFolder) {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO folders (id, name, parent_id, sort_order, path, is_public, owner_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, n.ID, n.Title, n.ParentID, n.SortOrder, n.Path, n.IsPublic, n.OwnerID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO pages (id, title, menu_title, parent_id, sort_order, path, visible, status, owner_id)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		`, n.ID, n.Title, n.MenuTitle, n.ParentID, n.SortOrder, n.Path, n.Visible, n.Status, n.OwnerID)
	}
	if err != nil {
		return fmt.Errorf("insert %s node: %w", n.Kind, err)
	}
	return nil
}

// UpdateNodeContent rewrites the caller-settable fields of a node. Placement
// fields (parent, order) change only through ApplyPlacements.
func (s *PostgresStore) UpdateNodeContent(ctx context.Context, n Node) error {
	var err error
	if n.Kind == string(tree.KindFolder) {
		_, err = s.db.ExecContext(ctx, `
			UPDATE folders SET name=$2, is_public=$3, updated_at=NOW() WHERE id=$1
		`, n.ID, n.Title, n.IsPublic)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE pages SET title=$2, menu_title=NULLIF($3, ''), status=$4, visible=$5, updated_at=NOW() WHERE id=$1
		`, n.ID, n.Title, n.MenuTitle, n.Status, n.Visible)
	}
	if err != nil {
		return fmt.Errorf("update %s node: %w", n.Kind, err)
	}
	return nil
}

func (s *PostgresStore) CountChildren(ctx context.Context, kind, nodeID string) (int, error) {
	query := `SELECT COUNT(*) FROM pages WHERE parent_id=$1`
	if kind == string(tree.KindFolder) {
		query = `SELECT COUNT(*) FROM folders WHERE parent_id=$1`
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, nodeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DeleteFolder(ctx context.Context, folderID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete folder: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM node_permissions WHERE node_kind='folder' AND node_id=$1
	`, folderID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete folder permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, folderID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete folder: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete folder: %w", err)
	}
	return nil
}

// DeletePageCascade removes a page, reattaches its children to the deleted
// page's former parent and rewrites the descendant paths the detach changed,
// all in one transaction so no dangling parent reference is ever observable.
func (s *PostgresStore) DeletePageCascade(ctx context.Context, pageID string, newParent *string, paths []PathUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete page: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pages SET parent_id=$2, updated_at=NOW() WHERE parent_id=$1
	`, pageID, newParent); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reattach children: %w", err)
	}
	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, `
			UPDATE pages SET path=$2, updated_at=NOW() WHERE id=$1
		`, p.NodeID, p.Path); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update path for %s: %w", p.NodeID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM node_permissions WHERE node_kind='page' AND node_id=$1
	`, pageID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete page permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id=$1`, pageID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete page: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete page: %w", err)
	}
	return nil
}

// ApplyPlacements is the batch write phase: every placement, path rewrite and
// rollup refresh goes through a single serializable transaction. Any failure
// rolls back the whole batch; contention surfaces as a retryable
// tree.ErrConcurrentModification. Returns the number of rows whose placement
// actually changed.
func (s *PostgresStore) ApplyPlacements(ctx context.Context, kind string, placements []Placement, paths []PathUpdate, stats []StatsUpdate) (int, error) {
	table := "pages"
	placementSQL := `UPDATE pages SET parent_id=$2, sort_order=$3, visible=$4, updated_at=NOW()
		WHERE id=$1 AND (parent_id IS DISTINCT FROM $2 OR sort_order<>$3 OR visible<>$4)`
	if kind == string(tree.KindFolder) {
		table = "folders"
		placementSQL = `UPDATE folders SET parent_id=$2, sort_order=$3, updated_at=NOW()
			WHERE id=$1 AND (parent_id IS DISTINCT FROM $2 OR sort_order<>$3)`
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("begin batch: %w", mapContention(err))
	}

	changed := 0
	for _, p := range placements {
		var res sql.Result
		if kind == string(tree.KindFolder) {
			res, err = tx.ExecContext(ctx, placementSQL, p.NodeID, p.ParentID, p.SortOrder)
		} else {
			res, err = tx.ExecContext(ctx, placementSQL, p.NodeID, p.ParentID, p.SortOrder, p.Visible)
		}
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("place node %s: %w", p.NodeID, mapContention(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("place node %s: %w", p.NodeID, err)
		}
		changed += int(n)
	}

	for _, p := range paths {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET path=$2, updated_at=NOW() WHERE id=$1`,
			p.NodeID, p.Path); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("update path for %s: %w", p.NodeID, mapContention(err))
		}
	}

	for _, u := range stats {
		if _, err := tx.ExecContext(ctx, `
			UPDATE folders SET doc_count=$2, total_size=$3, updated_at=NOW() WHERE id=$1
		`, u.FolderID, u.DocCount, u.TotalSize); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("update stats for %s: %w", u.FolderID, mapContention(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", mapContention(err))
	}
	return changed, nil
}

// mapContention converts serialization and lock-acquisition failures into the
// retryable taxonomy error.
func mapContention(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", tree.ErrConcurrentModification, pgErr.Code)
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Permissions

func (s *PostgresStore) ListPermissions(ctx context.Context, kind, nodeID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_kind, node_id, actor_id, permission, granted_by, granted_at
		FROM node_permissions
		WHERE node_kind=$1 AND node_id=$2
		ORDER BY granted_at ASC
	`, kind, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	items := make([]Permission, 0)
	for rows.Next() {
		var item Permission
		if err := rows.Scan(&item.ID, &item.NodeKind, &item.NodeID, &item.ActorID,
			&item.Permission, &item.GrantedBy, &item.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertPermission(ctx context.Context, perm Permission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_permissions (node_kind, node_id, actor_id, permission, granted_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (node_kind, node_id, actor_id, permission)
		DO UPDATE SET granted_by=EXCLUDED.granted_by, granted_at=NOW()
	`, perm.NodeKind, perm.NodeID, perm.ActorID, perm.Permission, perm.GrantedBy)
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePermission(ctx context.Context, kind, nodeID, actorID, permission string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM node_permissions
		WHERE node_kind=$1 AND node_id=$2 AND actor_id=$3 AND permission=$4
	`, kind, nodeID, actorID, permission)
	if err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Documents

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, folder_id, name, size_bytes, owner_id, created_at, updated_at
		FROM documents WHERE id=$1
	`, documentID).Scan(&item.ID, &item.FolderID, &item.Name, &item.SizeBytes,
		&item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListFolderDocuments(ctx context.Context, folderID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folder_id, name, size_bytes, owner_id, created_at, updated_at
		FROM documents WHERE folder_id=$1
		ORDER BY name ASC, created_at DESC
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.FolderID, &item.Name, &item.SizeBytes,
			&item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// InsertDocument writes the document row and the refreshed ancestor rollups
// in one transaction.
func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document, stats []StatsUpdate) error {
	return s.documentTx(ctx, "insert document", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, folder_id, name, size_bytes, owner_id)
			VALUES ($1, $2, $3, $4, $5)
		`, doc.ID, doc.FolderID, doc.Name, doc.SizeBytes, doc.OwnerID)
		return err
	}, stats)
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, doc Document, stats []StatsUpdate) error {
	return s.documentTx(ctx, "update document", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE documents SET folder_id=$2, name=$3, size_bytes=$4, updated_at=NOW() WHERE id=$1
		`, doc.ID, doc.FolderID, doc.Name, doc.SizeBytes)
		return err
	}, stats)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string, stats []StatsUpdate) error {
	return s.documentTx(ctx, "delete document", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
		return err
	}, stats)
}

func (s *PostgresStore) documentTx(ctx context.Context, op string, write func(*sql.Tx) error, stats []StatsUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	if err := write(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: %w", op, mapContention(err))
	}
	for _, u := range stats {
		if _, err := tx.ExecContext(ctx, `
			UPDATE folders SET doc_count=$2, total_size=$3, updated_at=NOW() WHERE id=$1
		`, u.FolderID, u.DocCount, u.TotalSize); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s stats for %s: %w", op, u.FolderID, mapContention(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, mapContention(err))
	}
	return nil
}

// DirectFolderStats returns per-folder counts and sizes of directly attached
// documents, the leaf inputs of the recursive rollup.
func (s *PostgresStore) DirectFolderStats(ctx context.Context) (map[string]FolderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT folder_id, COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM documents GROUP BY folder_id
	`)
	if err != nil {
		return nil, fmt.Errorf("direct folder stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]FolderStats)
	for rows.Next() {
		var folderID string
		var fs FolderStats
		if err := rows.Scan(&folderID, &fs.DocCount, &fs.TotalSize); err != nil {
			return nil, fmt.Errorf("scan folder stats: %w", err)
		}
		stats[folderID] = fs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folder stats: %w", err)
	}
	return stats, nil
}
