package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/toolrun/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu          sync.Mutex
	tools       storage.ToolStore
	uploads     storage.UploadStore
	fragments   storage.FragmentStore
	invocations storage.InvocationStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Tools() storage.ToolStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tools == nil {
		s.tools = NewToolRepository(s.pgDB.GormDB())
	}
	return s.tools
}

func (s *Store) Uploads() storage.UploadStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploads == nil {
		s.uploads = NewUploadRepository(s.pgDB.GormDB())
	}
	return s.uploads
}

func (s *Store) Fragments() storage.FragmentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fragments == nil {
		s.fragments = NewFragmentRepository(s.pgDB.GormDB(), s.pgDB.pgvector)
	}
	return s.fragments
}

func (s *Store) Invocations() storage.InvocationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invocations == nil {
		s.invocations = NewInvocationRepository(s.pgDB.GormDB())
	}
	return s.invocations
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
