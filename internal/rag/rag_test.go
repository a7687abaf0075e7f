package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultChunkerSplitsParagraphs(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString(strings.Repeat("lorem ipsum ", 30))
		b.WriteString("\n\n")
	}
	chunks, err := DefaultChunker(context.Background(), "a.txt", "text/plain", []byte(b.String()))
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), defaultChunkSize+defaultChunkOverlap+400)
	}
}

func TestDefaultChunkerEmpty(t *testing.T) {
	chunks, err := DefaultChunker(context.Background(), "a.txt", "text/plain", []byte("  \n "))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestMemoryIndexSearchAndFilter(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]string{"agent_id": "x", "content": "about cats"}},
		{ID: "b", Vector: []float32{0, 1}, Payload: map[string]string{"agent_id": "x", "content": "about dogs"}},
		{ID: "c", Vector: []float32{1, 0}, Payload: map[string]string{"agent_id": "y", "content": "other agent"}},
	}))

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, map[string]string{"agent_id": "x"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-6)

	require.NoError(t, idx.Delete(ctx, []string{"a"}))
	hits, err = idx.Search(ctx, []float32{1, 0}, 10, map[string]string{"agent_id": "x"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}

type unitEmbedder struct{}

func (unitEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "cat") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}
func (unitEmbedder) Dimensions() int { return 2 }

func TestSearcherScopesByAgentAndWorkspace(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "1", Vector: []float32{1, 0}, Payload: map[string]string{"agent_id": "a1", "document_id": "d1", "filename": "cats.txt", "content": "cat facts"}},
		{ID: "2", Vector: []float32{1, 0}, Payload: map[string]string{"workspace_id": "w1", "document_id": "d2", "filename": "shared.txt", "content": "shared cat lore"}},
		{ID: "3", Vector: []float32{1, 0}, Payload: map[string]string{"agent_id": "other", "document_id": "d3", "filename": "private.txt", "content": "secret cats"}},
	}))

	s := NewSearcher(unitEmbedder{}, idx)
	hits, err := s.Search(ctx, "a1", "w1", "cat question", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	ids := []string{hits[0].DocumentID, hits[1].DocumentID}
	assert.ElementsMatch(t, []string{"d1", "d2"}, ids)
}

func TestSearcherNoScopeNoResults(t *testing.T) {
	s := NewSearcher(unitEmbedder{}, NewMemoryIndex())
	hits, err := s.Search(context.Background(), "", "", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
