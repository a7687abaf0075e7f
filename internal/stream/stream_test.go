package stream

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelFor(t *testing.T) {
	assert.Equal(t, "stream:t1:m1", ChannelFor("t1", "m1"))
}

func TestFrameTerminal(t *testing.T) {
	assert.False(t, ContentFrame("x").Terminal())
	assert.True(t, DoneFrame().Terminal())
	assert.True(t, ErrorFrame(assert.AnError).Terminal())
}

func TestSSEWriterFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Send(ContentFrame("hello")))
	require.NoError(t, w.Send(DoneFrame()))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `data: {"type":"content","content":"hello"}`+"\n\n")
	assert.Contains(t, body, `data: {"type":"done"}`+"\n\n")
}

func TestSSEWriterErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Send(ErrorFrame(assert.AnError)))
	assert.Contains(t, rec.Body.String(), `"type":"error"`)
}
