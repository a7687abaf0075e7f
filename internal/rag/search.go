package rag

import (
	"context"
	"fmt"

	"conduit/internal/tools"
)

// ChunkLoader resolves indexed chunk ids back to their text and parent
// document. No store in this module implements it; Searcher reads chunk text
// from the index payload instead.
type ChunkLoader interface {
	LoadChunk(ctx context.Context, chunkID string) (content, documentID, filename string, err error)
}

// Searcher answers search_documents tool calls: embed the query, search the
// index filtered to what the agent may see, return the chunk text carried in
// each hit's payload.
type Searcher struct {
	embedder Embedder
	index    VectorIndex
	minScore float32
}

func NewSearcher(embedder Embedder, index VectorIndex) *Searcher {
	return &Searcher{embedder: embedder, index: index, minScore: 0.2}
}

// Search implements tools.DocumentSearcher. Visibility is enforced by index
// payload filtering: chunks carry the agent or workspace they belong to.
func (s *Searcher) Search(ctx context.Context, agentID, workspaceID, query string, limit int) ([]tools.SearchHit, error) {
	if s.embedder == nil || s.index == nil {
		return nil, fmt.Errorf("document search is not configured")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Two passes: agent-personal chunks and workspace-shared chunks.
	filters := []map[string]string{}
	if agentID != "" {
		filters = append(filters, map[string]string{"agent_id": agentID})
	}
	if workspaceID != "" {
		filters = append(filters, map[string]string{"workspace_id": workspaceID})
	}
	if len(filters) == 0 {
		return nil, nil
	}

	seen := map[string]bool{}
	var out []tools.SearchHit
	for _, filter := range filters {
		hits, err := s.index.Search(ctx, vec, limit, filter)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if h.Score < s.minScore || seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			out = append(out, tools.SearchHit{
				DocumentID: h.Payload["document_id"],
				Filename:   h.Payload["filename"],
				Content:    h.Payload["content"],
				Score:      h.Score,
			})
		}
	}
	if len(out) > limit && limit > 0 {
		out = out[:limit]
	}
	return out, nil
}
