// Package tokenizer counts, splits and truncates text by BPE tokens.
package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is used when no encoding is configured.
const DefaultEncoding = "cl100k_base"

var loaderOnce sync.Once

// Tokenizer wraps a BPE encoding. It is safe for concurrent use.
type Tokenizer struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

// New loads the named encoding from the embedded offline tables.
func New(encoding string) (*Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %s: %w", encoding, err)
	}
	return &Tokenizer{enc: enc, encoding: encoding}, nil
}

// Encoding returns the encoding name.
func (t *Tokenizer) Encoding() string { return t.encoding }

// Encode returns the token IDs of text.
func (t *Tokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// Decode turns token IDs back into text.
func (t *Tokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	return len(t.Encode(text))
}

// Truncate returns the longest prefix of text that fits in maxTokens tokens.
// A non-positive budget yields the empty string.
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	tokens := t.Encode(text)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.Decode(tokens[:maxTokens])
}
