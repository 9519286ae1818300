package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"canopy/api/internal/rbac"
	"canopy/api/internal/search"
	"canopy/api/internal/store"
	"canopy/api/internal/tree"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}
		payload := s.service.Search(search.Query{
			Text:            q,
			FilterType:      search.ResultType(strings.TrimSpace(r.URL.Query().Get("type"))),
			FilterStatus:    strings.TrimSpace(r.URL.Query().Get("status")),
			IncludeArchived: r.URL.Query().Get("includeArchived") == "true",
			Limit:           limit,
			Offset:          offset,
		})
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/actors" {
		var body CreateActorInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateActor(r.Context(), actor, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":          created.ID,
			"displayName": created.DisplayName,
			"role":        created.Role,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "tree":
		s.handleTree(w, r, actor, parts)
		return
	case "nodes":
		s.handleNodes(w, r, actor, parts)
		return
	case "pages":
		s.handlePages(w, r, actor, parts)
		return
	case "folders":
		s.handleFolders(w, r, actor, parts)
		return
	case "documents":
		s.handleDocuments(w, r, actor, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleTree serves the recursive tree read and the batch placement write.
func (s *HTTPServer) handleTree(w http.ResponseWriter, r *http.Request, actor rbac.Actor, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		kind := parts[2]
		rootID := strings.TrimSpace(r.URL.Query().Get("root"))
		roots, err := s.service.GetTree(r.Context(), kind, rootID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tree": roots})
		return
	}

	if len(parts) == 4 && parts[3] == "batch" && r.Method == http.MethodPost {
		kind := parts[2]
		var body struct {
			Operations []BatchOp `json:"operations"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ApplyBatch(r.Context(), actor, kind, body.Operations)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, batchStatus(result), result)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func batchStatus(result BatchResult) int {
	switch result.State {
	case BatchRejected:
		return http.StatusConflict
	case BatchRolledBack:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

// handleNodes serves the kind-generic node surface: ancestry paths, access
// probes and ACL management.
func (s *HTTPServer) handleNodes(w http.ResponseWriter, r *http.Request, actor rbac.Actor, parts []string) {
	if len(parts) != 5 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	kind, nodeID := parts[2], parts[3]

	switch parts[4] {
	case "path":
		if r.Method != http.MethodGet {
			break
		}
		chain, err := s.service.GetPath(r.Context(), kind, nodeID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": chain})
		return

	case "access":
		if r.Method != http.MethodGet {
			break
		}
		op := strings.TrimSpace(r.URL.Query().Get("op"))
		result, err := s.service.CanAccess(r.Context(), actor, kind, nodeID, op)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return

	case "permissions":
		s.handlePermissions(w, r, actor, kind, nodeID)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handlePermissions(w http.ResponseWriter, r *http.Request, actor rbac.Actor, kind, nodeID string) {
	if r.Method == http.MethodGet {
		perms, err := s.service.ListNodePermissions(r.Context(), actor, kind, nodeID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		items := make([]map[string]any, 0, len(perms))
		for _, p := range perms {
			items = append(items, map[string]any{
				"actorId":    p.ActorID,
				"permission": p.Permission,
				"grantedBy":  p.GrantedBy,
				"grantedAt":  p.GrantedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": items})
		return
	}

	if r.Method == http.MethodPut {
		var body GrantPermissionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.GrantPermission(r.Context(), actor, kind, nodeID, body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodDelete {
		targetActor := strings.TrimSpace(r.URL.Query().Get("actorId"))
		permission := strings.TrimSpace(r.URL.Query().Get("permission"))
		if targetActor == "" || permission == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "actorId and permission are required", nil)
			return
		}
		if err := s.service.RevokePermission(r.Context(), actor, kind, nodeID, targetActor, permission); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handlePages(w http.ResponseWriter, r *http.Request, actor rbac.Actor, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body CreatePageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreatePage(r.Context(), actor, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"page": nodePayload(created)})
		return
	}

	if len(parts) == 3 {
		pageID := parts[2]
		switch r.Method {
		case http.MethodGet:
			n, err := s.service.GetNode(r.Context(), actor, "page", pageID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"page": nodePayload(n)})
			return
		case http.MethodPut:
			var body UpdatePageInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			updated, err := s.service.UpdatePage(r.Context(), actor, pageID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"page": nodePayload(updated)})
			return
		case http.MethodDelete:
			if err := s.service.DeletePage(r.Context(), actor, pageID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleFolders(w http.ResponseWriter, r *http.Request, actor rbac.Actor, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body CreateFolderInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateFolder(r.Context(), actor, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"folder": nodePayload(created)})
		return
	}

	if len(parts) == 4 && r.Method == http.MethodGet {
		folderID := parts[2]
		switch parts[3] {
		case "stats":
			stats, err := s.service.GetFolderStats(r.Context(), actor, folderID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, stats)
			return
		case "documents":
			docs, err := s.service.ListFolderDocuments(r.Context(), actor, folderID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			items := make([]map[string]any, 0, len(docs))
			for _, doc := range docs {
				items = append(items, documentPayload(doc))
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": items})
			return
		}
	}

	if len(parts) == 3 {
		folderID := parts[2]
		switch r.Method {
		case http.MethodGet:
			n, err := s.service.GetNode(r.Context(), actor, "folder", folderID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"folder": nodePayload(n)})
			return
		case http.MethodPut:
			var body UpdateFolderInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			updated, err := s.service.UpdateFolder(r.Context(), actor, folderID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"folder": nodePayload(updated)})
			return
		case http.MethodDelete:
			if err := s.service.DeleteFolder(r.Context(), actor, folderID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, actor rbac.Actor, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body CreateDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateDocument(r.Context(), actor, body, nil)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": documentPayload(created)})
		return
	}

	if len(parts) == 4 && parts[3] == "content" {
		documentID := parts[2]
		switch r.Method {
		case http.MethodGet:
			rc, doc, err := s.service.OpenDocumentContent(r.Context(), actor, documentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			defer rc.Close()
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Name))
			w.Header().Set("Content-Type", "application/octet-stream")
			if doc.SizeBytes > 0 {
				w.Header().Set("Content-Length", strconv.FormatInt(doc.SizeBytes, 10))
			}
			if _, err := io.Copy(w, rc); err != nil {
				log.Printf("document content stream %s: %v", documentID, err)
			}
			return
		case http.MethodPut:
			if r.ContentLength < 0 {
				writeError(w, http.StatusLengthRequired, "LENGTH_REQUIRED", "Content-Length is required", nil)
				return
			}
			defer r.Body.Close()
			updated, err := s.service.UploadDocumentContent(r.Context(), actor, documentID, r.Body, r.ContentLength, r.Header.Get("Content-Type"))
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": documentPayload(updated)})
			return
		}
	}

	if len(parts) == 3 {
		documentID := parts[2]
		switch r.Method {
		case http.MethodGet:
			doc, err := s.service.GetDocumentInfo(r.Context(), actor, documentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": documentPayload(doc)})
			return
		case http.MethodPut:
			var body UpdateDocumentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			updated, err := s.service.UpdateDocument(r.Context(), actor, documentID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": documentPayload(updated)})
			return
		case http.MethodDelete:
			if err := s.service.DeleteDocument(r.Context(), actor, documentID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// requireActor resolves the trusted identity header into an actor with its
// role. The identity provider upstream of this service owns authentication.
func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (rbac.Actor, bool) {
	actorID := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-Actor-ID header is required", nil)
		return rbac.Actor{}, false
	}
	actor, err := s.service.ActorFromID(r.Context(), actorID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return rbac.Actor{}, false
	}
	return actor, true
}

func nodePayload(n store.Node) map[string]any {
	payload := map[string]any{
		"id":        n.ID,
		"title":     n.Title,
		"parentId":  n.ParentID,
		"order":     n.SortOrder,
		"path":      n.Path,
		"ownerId":   n.OwnerID,
		"createdAt": n.CreatedAt,
	}
	switch n.Kind {
	case string(tree.KindPage):
		payload["menuTitle"] = n.MenuTitle
		payload["visible"] = n.Visible
		payload["status"] = n.Status
	case string(tree.KindFolder):
		payload["isPublic"] = n.IsPublic
		payload["documentCount"] = n.DocCount
		payload["totalSize"] = n.TotalSize
	}
	return payload
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"folderId":  doc.FolderID,
		"name":      doc.Name,
		"sizeBytes": doc.SizeBytes,
		"ownerId":   doc.OwnerID,
		"createdAt": doc.CreatedAt,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, tree.ErrNodeNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, tree.ErrConcurrentModification) {
		return http.StatusConflict, "CONCURRENT_MODIFICATION", "Concurrent modification, retry the request", map[string]any{"retryable": true}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
