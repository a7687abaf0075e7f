package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/jobs"
	"conduit/internal/observability"
	"conduit/internal/rag"
	"conduit/internal/store"
)

// Ingestor runs document_ingestion jobs: read the uploaded file, chunk it via
// the processor callback, embed and index each chunk, and advance the
// document status. Idempotent: re-running re-chunks and upserts the same
// chunk ids.
type Ingestor struct {
	Documents store.Documents
	Chunker   rag.ChunkFunc
	Embedder  rag.Embedder
	Index     rag.VectorIndex
	UploadDir string
}

// IngestPayload is the durable payload of a document_ingestion job.
type IngestPayload struct {
	DocumentID  string `json:"document_id"`
	AgentID     string `json:"agent_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	StoredPath  string `json:"stored_path"`
}

// Register wires the processor into a job registry.
func (ing *Ingestor) Register(registry *jobs.Registry) error {
	return registry.Register(TaskDocumentIngestion, ing.Process, jobs.Options{MaxAttempts: 3})
}

func (ing *Ingestor) Process(ctx context.Context, data json.RawMessage, jc jobs.Context, _ *pgxpool.Conn) (json.RawMessage, error) {
	var p IngestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	log := observability.LoggerWithTrace(ctx)

	if err := ing.Documents.SetStatus(ctx, p.DocumentID, store.DocProcessing, "", 0); err != nil {
		return nil, err
	}

	chunks, err := ing.ingest(ctx, p)
	if err != nil {
		if serr := ing.Documents.SetStatus(ctx, p.DocumentID, store.DocFailed, err.Error(), 0); serr != nil {
			log.Error().Err(serr).Str("document_id", p.DocumentID).Msg("ingest_status_update_failed")
		}
		return nil, err
	}

	if err := ing.Documents.SetStatus(ctx, p.DocumentID, store.DocReady, "", chunks); err != nil {
		return nil, err
	}
	log.Info().Str("document_id", p.DocumentID).Int("chunks", chunks).Str("job_id", jc.JobID).Msg("document_ingested")
	return json.Marshal(map[string]any{"chunks": chunks})
}

func (ing *Ingestor) ingest(ctx context.Context, p IngestPayload) (int, error) {
	path := p.StoredPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(ing.UploadDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read upload: %w", err)
	}

	chunker := ing.Chunker
	if chunker == nil {
		chunker = rag.DefaultChunker
	}
	texts, err := chunker(ctx, p.Filename, p.ContentType, data)
	if err != nil {
		return 0, fmt.Errorf("chunk document: %w", err)
	}

	chunks := make([]store.DocumentChunk, 0, len(texts))
	points := make([]rag.Point, 0, len(texts))
	for i, text := range texts {
		chunkID := p.DocumentID + ":" + strconv.Itoa(i)
		chunks = append(chunks, store.DocumentChunk{
			ID:         chunkID,
			DocumentID: p.DocumentID,
			ChunkIndex: i,
			Content:    text,
		})
		if ing.Embedder != nil && ing.Index != nil {
			vec, err := ing.Embedder.Embed(ctx, text)
			if err != nil {
				return 0, fmt.Errorf("embed chunk %d: %w", i, err)
			}
			payload := map[string]string{
				"document_id": p.DocumentID,
				"filename":    p.Filename,
				"content":     text,
			}
			if p.AgentID != "" {
				payload["agent_id"] = p.AgentID
			}
			if p.WorkspaceID != "" {
				payload["workspace_id"] = p.WorkspaceID
			}
			points = append(points, rag.Point{ID: chunkID, Vector: vec, Payload: payload})
		}
	}

	if err := ing.Documents.AddChunks(ctx, p.DocumentID, chunks); err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}
	if len(points) > 0 {
		if err := ing.Index.Upsert(ctx, points); err != nil {
			return 0, fmt.Errorf("index chunks: %w", err)
		}
	}
	return len(chunks), nil
}
