package memory

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/juanpark/slough-ai/internal/llm"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var (
	encoding    *tiktoken.Tiktoken
	encodingErr error
	encodeOnce  sync.Once
)

// CountTokens estimates the prompt tokens of text with the cl100k_base
// encoding. If the encoding cannot be loaded it falls back to one token per
// two characters, which overestimates English and fits Hangul closely.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}

	encodeOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding("cl100k_base")
	})
	if encodingErr != nil {
		return (utf8.RuneCountInString(text) + 1) / 2
	}
	return len(encoding.Encode(text, nil, nil))
}

// CountMessageTokens sums CountTokens over message contents.
func CountMessageTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += CountTokens(m.Content)
	}
	return total
}
