package postgres

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/storage"
)

const fragmentBatchSize = 100

// FragmentRepository implements storage.FragmentStore.
//
// With nativeVector set, similarity ranking runs in PostgreSQL through the
// pgvector <=> operator. Otherwise the candidate embeddings are loaded and
// ranked by cosine similarity in process, which is what the SQLite backend uses.
type FragmentRepository struct {
	db           *gorm.DB
	nativeVector bool
}

// NewFragmentRepository creates a FragmentRepository.
func NewFragmentRepository(db *gorm.DB, nativeVector bool) *FragmentRepository {
	return &FragmentRepository{db: db, nativeVector: nativeVector}
}

// ReplaceForUpload swaps an upload's fragments in one transaction.
func (r *FragmentRepository) ReplaceForUpload(ctx context.Context, uploadID uuid.UUID, fragments []domain.Fragment) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&FragmentModel{}, "upload_id = ?", uploadID).Error; err != nil {
			return fmt.Errorf("deleting fragments of upload %s: %w", uploadID, err)
		}
		if len(fragments) == 0 {
			return nil
		}
		models := make([]FragmentModel, len(fragments))
		for i := range fragments {
			if fragments[i].ID == uuid.Nil {
				fragments[i].ID = uuid.New()
			}
			fragments[i].UploadID = uploadID
			models[i] = toFragmentModel(&fragments[i])
		}
		if err := tx.CreateInBatches(models, fragmentBatchSize).Error; err != nil {
			return fmt.Errorf("storing fragments of upload %s: %w", uploadID, err)
		}
		return nil
	})
}

// SimilaritySearch ranks the fragments of uploadIDs against embedding.
func (r *FragmentRepository) SimilaritySearch(ctx context.Context, embedding []float32, uploadIDs []uuid.UUID, limit int) ([]storage.ScoredFragment, error) {
	if limit <= 0 || len(uploadIDs) == 0 || len(embedding) == 0 {
		return nil, nil
	}
	if r.nativeVector {
		return r.vectorSearch(ctx, embedding, uploadIDs, limit)
	}
	return r.scanSearch(ctx, embedding, uploadIDs, limit)
}

func (r *FragmentRepository) vectorSearch(ctx context.Context, embedding []float32, uploadIDs []uuid.UUID, limit int) ([]storage.ScoredFragment, error) {
	var rows []struct {
		ID       uuid.UUID
		Distance float64
	}
	if err := r.db.WithContext(ctx).
		Model(&FragmentModel{}).
		Select("id, embedding::vector <=> ?::vector AS distance", serializeEmbedding(embedding)).
		Where("upload_id IN ? AND embedding <> ''", uploadIDs).
		Order("distance ASC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	hits := make([]storage.ScoredFragment, len(rows))
	for i, row := range rows {
		hits[i] = storage.ScoredFragment{ID: row.ID, Score: 1 - row.Distance}
	}
	return hits, nil
}

func (r *FragmentRepository) scanSearch(ctx context.Context, embedding []float32, uploadIDs []uuid.UUID, limit int) ([]storage.ScoredFragment, error) {
	var rows []struct {
		ID        uuid.UUID
		Embedding string
	}
	if err := r.db.WithContext(ctx).
		Model(&FragmentModel{}).
		Select("id, embedding").
		Where("upload_id IN ? AND embedding <> ''", uploadIDs).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading fragment embeddings: %w", err)
	}

	hits := make([]storage.ScoredFragment, 0, len(rows))
	for _, row := range rows {
		vec, err := deserializeEmbedding(row.Embedding)
		if err != nil || len(vec) != len(embedding) {
			continue
		}
		hits = append(hits, storage.ScoredFragment{ID: row.ID, Score: cosineSimilarity(embedding, vec)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// GetByIDs returns the fragments among ids.
func (r *FragmentRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []FragmentModel
	if err := r.db.WithContext(ctx).
		Omit("embedding").
		Where("id IN ?", ids).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading fragments: %w", err)
	}
	fragments := make([]domain.Fragment, len(models))
	for i := range models {
		fragments[i] = *toFragmentDomain(&models[i])
	}
	return fragments, nil
}

// CountForUpload returns how many fragments an upload has.
func (r *FragmentRepository) CountForUpload(ctx context.Context, uploadID uuid.UUID) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&FragmentModel{}).Where("upload_id = ?", uploadID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting fragments of upload %s: %w", uploadID, err)
	}
	return n, nil
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
