package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/toolrun/internal/domain"
)

// UploadRepository implements storage.UploadStore.
type UploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository creates an UploadRepository.
func NewUploadRepository(db *gorm.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// Create persists a new upload record.
func (r *UploadRepository) Create(ctx context.Context, u *domain.Upload) error {
	model := toUploadModel(u)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating upload: %w", err)
	}
	u.CreatedAt = model.CreatedAt
	return nil
}

// Get retrieves an upload by ID.
func (r *UploadRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Upload, error) {
	var model UploadModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting upload %s: %w", id, notFound(err))
	}
	return toUploadDomain(&model), nil
}

// FindBySHA1 retrieves the upload holding the given content.
func (r *UploadRepository) FindBySHA1(ctx context.Context, sha1 string) (*domain.Upload, error) {
	var model UploadModel
	if err := r.db.WithContext(ctx).First(&model, "sha1 = ?", sha1).Error; err != nil {
		return nil, fmt.Errorf("getting upload by sha1 %s: %w", sha1, notFound(err))
	}
	return toUploadDomain(&model), nil
}

// ListByIDs returns the uploads among ids.
func (r *UploadRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Upload, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []UploadModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	uploads := make([]domain.Upload, len(models))
	for i := range models {
		uploads[i] = *toUploadDomain(&models[i])
	}
	return uploads, nil
}

// KnownSHA1s returns the set of content hashes with an upload record.
func (r *UploadRepository) KnownSHA1s(ctx context.Context) (map[string]struct{}, error) {
	var hashes []string
	if err := r.db.WithContext(ctx).Model(&UploadModel{}).Pluck("sha1", &hashes).Error; err != nil {
		return nil, fmt.Errorf("listing upload hashes: %w", err)
	}
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set, nil
}
