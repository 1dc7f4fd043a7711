package chunking

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkDropsEmptyMessages(t *testing.T) {
	c := New(nil)
	chunks := c.Chunk([]Message{
		{Text: "", Channel: "C1", TS: "1"},
		{Text: "   ", Channel: "C1", TS: "2"},
		{Text: "진행하세요", Channel: "C1", TS: "3"},
	})

	require.Len(t, chunks, 1)
	assert.Equal(t, "진행하세요", chunks[0].Content)
	assert.Equal(t, "3", chunks[0].MessageTS)
}

func TestChunkShortMessageIsSingleChunk(t *testing.T) {
	text := strings.Repeat("a", DefaultChunkSize)
	chunks := New(nil).Chunk([]Message{{Text: text, Channel: "C9", TS: "10.5", ThreadTS: "10.1"}})

	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Content)
	assert.Equal(t, "C9", chunks[0].ChannelID)
	assert.Equal(t, "10.1", chunks[0].ThreadTS)
}

func TestChunkSplitsLongMessageWithoutOverlap(t *testing.T) {
	text := strings.Repeat("가", 2500)
	chunks := New(nil).Chunk([]Message{{Text: text, Channel: "C1", TS: "42"}})

	require.Len(t, chunks, 3)
	assert.Equal(t, 1000, utf8.RuneCountInString(chunks[0].Content))
	assert.Equal(t, 1000, utf8.RuneCountInString(chunks[1].Content))
	assert.Equal(t, 500, utf8.RuneCountInString(chunks[2].Content))

	var rebuilt strings.Builder
	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Content))
		assert.Equal(t, "C1", ch.ChannelID)
		assert.Equal(t, "42", ch.MessageTS)
		rebuilt.WriteString(ch.Content)
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestChunkExactMultiple(t *testing.T) {
	chunks := New(&Config{ChunkSize: 3}).Chunk([]Message{{Text: "abcdef"}})
	require.Len(t, chunks, 2)
	assert.Equal(t, "abc", chunks[0].Content)
	assert.Equal(t, "def", chunks[1].Content)
}

func TestChunkPreservesOrder(t *testing.T) {
	chunks := New(&Config{ChunkSize: 2}).Chunk([]Message{
		{Text: "abc", TS: "1"},
		{Text: "de", TS: "2"},
	})

	var got []string
	for _, ch := range chunks {
		got = append(got, ch.MessageTS+":"+ch.Content)
	}
	assert.Equal(t, []string{"1:ab", "1:c", "2:de"}, got)
}

func TestChunkEmptyInput(t *testing.T) {
	assert.Empty(t, New(nil).Chunk(nil))
}
