// Package rag wires document retrieval: an embedder boundary, a vector index
// over qdrant (with an in-memory stand-in), and the searcher the
// search_documents tool calls. Document parsing is a processor callback owned
// by the caller.
package rag

import (
	"context"
	"strings"
)

// Embedder is the model boundary. Implementations live outside the core.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Point is one indexed vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Hit is one similarity-search result.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// VectorIndex stores and searches embeddings. Filter entries must all match
// (AND semantics).
type VectorIndex interface {
	Upsert(ctx context.Context, points []Point) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Hit, error)
}

// ChunkFunc splits raw document bytes into indexable text chunks. Parsing is
// out of core scope; deployments register their own. DefaultChunker handles
// plain text.
type ChunkFunc func(ctx context.Context, filename, contentType string, data []byte) ([]string, error)

const defaultChunkSize = 1200
const defaultChunkOverlap = 150

// DefaultChunker splits on paragraph boundaries, packing chunks up to a fixed
// size with a small overlap.
func DefaultChunker(_ context.Context, _ string, _ string, data []byte) ([]string, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var cur strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(p) > defaultChunkSize {
			chunks = append(chunks, cur.String())
			tail := cur.String()
			cur.Reset()
			if len(tail) > defaultChunkOverlap {
				cur.WriteString(tail[len(tail)-defaultChunkOverlap:])
				cur.WriteString("\n")
			}
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks, nil
}
