// Package ingest splits uploaded documents into embedded fragments for search.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/storage"
)

// Default chunking parameters, in tokens.
const (
	DefaultChunkTokens   = 374
	DefaultOverlapTokens = 10
)

const embedBatchSize = 32

// maxDocumentBytes bounds how much of an upload is read for indexing.
const maxDocumentBytes = 20 << 20

var metadataLine = regexp.MustCompile(`^\s*\[\[metadata\s+(.*?)\]\]\s*$`)

// TokenCodec encodes and decodes text as BPE tokens.
type TokenCodec interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// DocumentEmbedder embeds document fragments.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Opener returns an upload and its content.
type Opener interface {
	Open(ctx context.Context, id uuid.UUID) (*domain.Upload, io.ReadCloser, error)
}

// Chunk is one fragment of text before embedding.
type Chunk struct {
	Text     string
	Metadata string
}

// Ingester indexes uploads.
type Ingester struct {
	opener    Opener
	fragments storage.FragmentStore
	tokens    TokenCodec
	embedder  DocumentEmbedder
	logger    *slog.Logger
}

// NewIngester creates an Ingester.
func NewIngester(opener Opener, fragments storage.FragmentStore, tokens TokenCodec, embedder DocumentEmbedder, logger *slog.Logger) *Ingester {
	return &Ingester{
		opener:    opener,
		fragments: fragments,
		tokens:    tokens,
		embedder:  embedder,
		logger:    logger,
	}
}

// Ingest reads the upload, splits it into chunks of chunkTokens tokens with
// overlapTokens of overlap, embeds them and replaces the upload's fragments.
// It returns the number of fragments stored.
func (i *Ingester) Ingest(ctx context.Context, uploadID uuid.UUID, chunkTokens, overlapTokens int) (int, error) {
	start := time.Now()

	_, rc, err := i.opener.Open(ctx, uploadID)
	if err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(rc, maxDocumentBytes))
	rc.Close()
	if err != nil {
		return 0, fmt.Errorf("ingest: reading upload: %w", err)
	}

	chunks := Split(string(data), i.tokens, chunkTokens, overlapTokens)

	fragments := make([]domain.Fragment, 0, len(chunks))
	for off := 0; off < len(chunks); off += embedBatchSize {
		end := min(off+embedBatchSize, len(chunks))
		texts := make([]string, 0, end-off)
		for _, c := range chunks[off:end] {
			texts = append(texts, c.Text)
		}
		vectors, err := i.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("ingest: embedding fragments: %w", err)
		}
		if len(vectors) != len(texts) {
			return 0, fmt.Errorf("ingest: embedder returned %d vectors for %d fragments", len(vectors), len(texts))
		}
		for j, c := range chunks[off:end] {
			fragments = append(fragments, domain.Fragment{
				ID:             uuid.New(),
				UploadID:       uploadID,
				FragmentNumber: off + j + 1,
				Fragment:       c.Text,
				Metadata:       c.Metadata,
				Embedding:      vectors[j],
			})
		}
	}

	if err := i.fragments.ReplaceForUpload(ctx, uploadID, fragments); err != nil {
		return 0, fmt.Errorf("ingest: storing fragments: %w", err)
	}

	i.logger.InfoContext(ctx, "upload indexed",
		slog.String("upload_id", uploadID.String()),
		slog.Int("fragments", len(fragments)),
		slog.Duration("duration", time.Since(start)),
	)
	return len(fragments), nil
}

// Split breaks text into token windows. A line of the form
// "[[metadata <text>]]" sets the metadata of every following chunk until the
// next such line; chunks never span a metadata change.
func Split(text string, tokens TokenCodec, chunkTokens, overlapTokens int) []Chunk {
	if chunkTokens <= 0 {
		chunkTokens = DefaultChunkTokens
	}
	if overlapTokens < 0 || overlapTokens >= chunkTokens {
		overlapTokens = 0
	}

	var chunks []Chunk
	for _, sec := range sections(text) {
		ids := tokens.Encode(sec.Text)
		step := chunkTokens - overlapTokens
		for start := 0; start < len(ids); start += step {
			end := min(start+chunkTokens, len(ids))
			piece := strings.TrimSpace(tokens.Decode(ids[start:end]))
			if piece != "" {
				chunks = append(chunks, Chunk{Text: piece, Metadata: sec.Metadata})
			}
			if end == len(ids) {
				break
			}
		}
	}
	return chunks
}

// sections groups lines by the metadata marker preceding them.
func sections(text string) []Chunk {
	var (
		out      []Chunk
		metadata string
		buf      strings.Builder
	)
	flush := func() {
		if strings.TrimSpace(buf.String()) != "" {
			out = append(out, Chunk{Text: buf.String(), Metadata: metadata})
		}
		buf.Reset()
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), maxDocumentBytes)
	for sc.Scan() {
		line := sc.Text()
		if m := metadataLine.FindStringSubmatch(line); m != nil {
			flush()
			metadata = strings.TrimSpace(m[1])
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	flush()
	return out
}
