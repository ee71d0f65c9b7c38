// Package upload stores files content-addressed by their SHA1 hash.
package upload

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // content addressing, not security
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/storage"
	"github.com/jkaninda/toolrun/internal/workspace"
)

// DefaultMaxBytes is the largest accepted upload when none is configured.
const DefaultMaxBytes = 10 << 20

const maxExtensionLen = 10

// orphanGrace protects files that Create has moved into place but not yet
// recorded.
const orphanGrace = 15 * time.Minute

var (
	// ErrInvalidFilename is returned for names without a usable basename.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrTooLarge is returned when content exceeds the configured ceiling.
	ErrTooLarge = errors.New("upload too large")
)

// Service creates and reads uploads.
type Service struct {
	uploads  storage.UploadStore
	ws       *workspace.Workspace
	baseURL  string
	maxBytes int64
	logger   *slog.Logger
}

// NewService creates an upload Service writing under ws. baseURL prefixes
// the public URL of every upload.
func NewService(uploads storage.UploadStore, ws *workspace.Workspace, baseURL string, maxBytes int64, logger *slog.Logger) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{
		uploads:  uploads,
		ws:       ws,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Create stores content under filename on behalf of actorID. Identical content
// uploaded before returns the existing record.
func (s *Service) Create(ctx context.Context, filename string, content []byte, actorID string) (*domain.Upload, error) {
	name, err := Basename(filename)
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(content), s.maxBytes)
	}

	tmpPath, sum, err := s.writeTemp(content)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)

	existing, err := s.uploads.FindBySHA1(ctx, sum)
	if err == nil {
		s.logger.DebugContext(ctx, "upload deduplicated",
			slog.String("sha1", sum),
			slog.String("upload_id", existing.ID.String()),
		)
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("looking up upload: %w", err)
	}

	ext := Extension(name)
	dst := s.ws.ContentPath(sum, ext)
	if err := os.Rename(tmpPath, dst); err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}

	rel := s.ws.RelativeContentPath(sum, ext)
	up := &domain.Upload{
		ID:               uuid.New(),
		OriginalFilename: name,
		SHA1:             sum,
		Extension:        ext,
		Filesize:         int64(len(content)),
		URL:              s.baseURL + "/uploads/" + rel,
		ShortURL:         ShortURL(sum, ext),
		CreatedBy:        actorID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.uploads.Create(ctx, up); err != nil {
		return nil, fmt.Errorf("recording upload: %w", err)
	}

	s.logger.InfoContext(ctx, "upload created",
		slog.String("upload_id", up.ID.String()),
		slog.String("filename", name),
		slog.Int64("size", up.Filesize),
	)
	return up, nil
}

// writeTemp writes content to a scratch file while hashing it.
func (s *Service) writeTemp(content []byte) (string, string, error) {
	f, err := os.CreateTemp(s.ws.TmpDir(), "upload-*")
	if err != nil {
		return "", "", fmt.Errorf("creating temp file: %w", err)
	}
	h := sha1.New() //nolint:gosec
	if _, err := io.Copy(io.MultiWriter(f, h), bytes.NewReader(content)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", fmt.Errorf("closing temp file: %w", err)
	}
	return f.Name(), hex.EncodeToString(h.Sum(nil)), nil
}

// Open returns the upload record and a reader over its content.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (*domain.Upload, io.ReadCloser, error) {
	up, err := s.uploads.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.ws.ContentPath(up.SHA1, up.Extension))
	if err != nil {
		return nil, nil, fmt.Errorf("opening upload %s: %w", id, err)
	}
	return up, f, nil
}

// PruneOrphans removes stored files whose hash no upload record references.
// Files younger than orphanGrace are left alone.
func (s *Service) PruneOrphans(ctx context.Context) (int, error) {
	known, err := s.uploads.KnownSHA1s(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing uploads: %w", err)
	}

	removed := 0
	err = filepath.WalkDir(s.ws.OriginalDir(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		sum := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if _, ok := known[sum]; ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if time.Since(info.ModTime()) < orphanGrace {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("pruning uploads: %w", err)
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "orphan uploads removed", slog.Int("count", removed))
	}
	return removed, nil
}

// Basename reduces filename to its last path element. Both slash styles are
// treated as separators.
func Basename(filename string) (string, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	return name, nil
}

// Extension returns the lower-cased extension of name without the dot, or ""
// when it has none or an implausible one.
func Extension(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if len(ext) > maxExtensionLen {
		return ""
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// ShortURL returns the stable short reference for content hashed to sha1Hex:
// upload://<base62(sha1)>[.<ext>].
func ShortURL(sha1Hex, ext string) string {
	n, ok := new(big.Int).SetString(sha1Hex, 16)
	if !ok {
		return ""
	}
	u := "upload://" + n.Text(62)
	if ext != "" {
		u += "." + ext
	}
	return u
}
