// Package chunking splits raw chat messages into bounded-size content units
// for embedding.
package chunking

import (
	"strings"
	"unicode/utf8"

	"github.com/juanpark/slough-ai/internal/vectorstore"
)

// DefaultChunkSize is the maximum number of characters in one chunk.
const DefaultChunkSize = 1000

// Message is a raw source message from the chat platform.
type Message struct {
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// Config configures the chunker behavior
type Config struct {
	ChunkSize int `json:"chunk_size"` // Maximum characters (runes) per chunk
}

// DefaultConfig returns default chunking configuration
func DefaultConfig() *Config {
	return &Config{ChunkSize: DefaultChunkSize}
}

// Chunker performs fixed-size message chunking
type Chunker struct {
	config *Config
}

// New creates a new chunker with the given configuration
func New(config *Config) *Chunker {
	if config == nil || config.ChunkSize <= 0 {
		config = DefaultConfig()
	}
	return &Chunker{config: config}
}

// Chunk converts messages into chunks. Messages with empty text are dropped,
// short messages pass through whole, and long ones are cut into consecutive
// slices of ChunkSize characters with no overlap. Every slice keeps its
// parent's channel and timestamps. Output order is message order, then slice
// order.
func (c *Chunker) Chunk(messages []Message) []vectorstore.Chunk {
	chunks := make([]vectorstore.Chunk, 0, len(messages))
	for _, msg := range messages {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		for _, part := range c.split(msg.Text) {
			chunks = append(chunks, vectorstore.Chunk{
				Content:   part,
				ChannelID: msg.Channel,
				MessageTS: msg.TS,
				ThreadTS:  msg.ThreadTS,
			})
		}
	}
	return chunks
}

// split cuts text on rune boundaries so multi-byte Hangul never splits mid-character.
func (c *Chunker) split(text string) []string {
	size := c.config.ChunkSize
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	parts := make([]string, 0, utf8.RuneCountInString(text)/size+1)
	start, runes := 0, 0
	for i := range text {
		if runes == size {
			parts = append(parts, text[start:i])
			start, runes = i, 0
		}
		runes++
	}
	return append(parts, text[start:])
}
