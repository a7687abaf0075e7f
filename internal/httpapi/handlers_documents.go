package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"conduit/internal/auth"
	"conduit/internal/jobs"
	"conduit/internal/runtime"
	"conduit/internal/store"
)

const maxUploadBytes = 32 << 20 // 32 MiB

// handleUploadDocument accepts a multipart upload, stores the file under the
// upload dir, records the document, and queues ingestion. The document stays
// pending until the worker processes it.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("file field required"))
		return
	}
	defer func() { _ = file.Close() }()

	agentID := r.FormValue("agent_id")
	workspaceID := r.FormValue("workspace_id")

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	doc := &store.Document{
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Status:      store.DocPending,
	}
	if err := s.documents.Create(r.Context(), u, doc); err != nil {
		fail(w, err)
		return
	}

	storedName := doc.ID + filepath.Ext(header.Filename)
	storedPath := filepath.Join(s.cfg.UploadDir, storedName)
	if err := saveUpload(file, storedPath); err != nil {
		_, _ = s.documents.Delete(r.Context(), doc.ID, u)
		fail(w, err)
		return
	}

	if s.jobClient != nil {
		_, err = s.jobClient.Enqueue(r.Context(), runtime.TaskDocumentIngestion, runtime.IngestPayload{
			DocumentID:  doc.ID,
			AgentID:     agentID,
			WorkspaceID: workspaceID,
			Filename:    header.Filename,
			ContentType: contentType,
			StoredPath:  storedName,
		}, jobs.EnqueueOptions{UserID: u.ID, WorkspaceID: workspaceID})
		if err != nil {
			// Roll back so no permanently-pending document lingers.
			_ = os.Remove(storedPath)
			_, _ = s.documents.Delete(r.Context(), doc.ID, u)
			fail(w, err)
			return
		}
	}

	respondJSON(w, http.StatusCreated, doc)
}

func saveUpload(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	defer func() { _ = dst.Close() }()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write upload: %w", err)
	}
	return nil
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	q := r.URL.Query()
	docs, err := s.documents.List(r.Context(), u, q.Get("agent_id"), q.Get("workspace_id"), 0)
	if err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// handleSearchDocuments runs a vector search over indexed chunks the caller
// may see.
func (s *Server) handleSearchDocuments(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	var body struct {
		Query       string `json:"query"`
		AgentID     string `json:"agent_id,omitempty"`
		WorkspaceID string `json:"workspace_id,omitempty"`
		Limit       int    `json:"limit,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		respondError(w, http.StatusBadRequest, errors.New("query required"))
		return
	}
	if s.searcher == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("document search is not configured"))
		return
	}
	if body.WorkspaceID != "" && !u.Admin && !u.InWorkspace(body.WorkspaceID) {
		respondError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	if body.AgentID != "" {
		if a := s.getAgentOr404(r.Context(), w, body.AgentID, u); a == nil {
			return
		}
	}
	if body.Limit <= 0 {
		body.Limit = 5
	}

	hits, err := s.searcher.Search(r.Context(), body.AgentID, body.WorkspaceID, body.Query, body.Limit)
	if err != nil {
		fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": hits})
}
