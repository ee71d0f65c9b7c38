// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolrun/internal/domain"
)

// ErrNotFound is returned (wrapped) when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the unified persistence interface.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Tools() ToolStore
	Uploads() UploadStore
	Fragments() FragmentStore
	Invocations() InvocationStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ToolStore persists tools and their upload attachments.
type ToolStore interface {
	Create(ctx context.Context, tool *domain.Tool) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Tool, error)
	GetByToolName(ctx context.Context, toolName string) (*domain.Tool, error)
	List(ctx context.Context) ([]domain.Tool, error)
	Update(ctx context.Context, tool *domain.Tool) error
	Delete(ctx context.Context, id uuid.UUID) error

	// AttachUpload links an upload to a tool. Attaching twice is a no-op.
	AttachUpload(ctx context.Context, toolID, uploadID uuid.UUID) error
	// UploadIDs returns the uploads attached to a tool.
	UploadIDs(ctx context.Context, toolID uuid.UUID) ([]uuid.UUID, error)
}

// UploadStore persists upload records.
type UploadStore interface {
	Create(ctx context.Context, upload *domain.Upload) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Upload, error)
	FindBySHA1(ctx context.Context, sha1 string) (*domain.Upload, error)
	// ListByIDs returns the uploads among ids, in no particular order.
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Upload, error)
	// KnownSHA1s returns the content hashes of every recorded upload.
	KnownSHA1s(ctx context.Context) (map[string]struct{}, error)
}

// ScoredFragment is a similarity-search hit.
type ScoredFragment struct {
	ID    uuid.UUID
	Score float64
}

// FragmentStore persists embedded fragments and answers similarity queries.
type FragmentStore interface {
	// ReplaceForUpload deletes an upload's fragments and stores fragments in their place.
	ReplaceForUpload(ctx context.Context, uploadID uuid.UUID, fragments []domain.Fragment) error
	// SimilaritySearch returns up to limit fragment IDs from the given uploads,
	// most similar to embedding first.
	SimilaritySearch(ctx context.Context, embedding []float32, uploadIDs []uuid.UUID, limit int) ([]ScoredFragment, error)
	// GetByIDs returns the fragments among ids, in no particular order.
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Fragment, error)
	CountForUpload(ctx context.Context, uploadID uuid.UUID) (int64, error)
}

// InvocationStore persists the tool invocation log.
type InvocationStore interface {
	Record(ctx context.Context, rec *domain.InvocationRecord) error
	ListForTool(ctx context.Context, toolID uuid.UUID, limit int) ([]domain.InvocationRecord, error)
	// DeleteBefore removes records created before cutoff and reports how many.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
