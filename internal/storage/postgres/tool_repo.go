package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/toolrun/internal/domain"
	"github.com/jkaninda/toolrun/internal/storage"
)

// ToolRepository implements storage.ToolStore.
type ToolRepository struct {
	db *gorm.DB
}

// NewToolRepository creates a ToolRepository.
func NewToolRepository(db *gorm.DB) *ToolRepository {
	return &ToolRepository{db: db}
}

// Create persists a new tool.
func (r *ToolRepository) Create(ctx context.Context, t *domain.Tool) error {
	model := toToolModel(t)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating tool: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = model.CreatedAt, model.UpdatedAt
	return nil
}

// Get retrieves a tool by ID.
func (r *ToolRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Tool, error) {
	var model ToolModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting tool %s: %w", id, notFound(err))
	}
	return toToolDomain(&model), nil
}

// GetByToolName retrieves a tool by its caller-facing name.
func (r *ToolRepository) GetByToolName(ctx context.Context, toolName string) (*domain.Tool, error) {
	var model ToolModel
	if err := r.db.WithContext(ctx).First(&model, "tool_name = ?", toolName).Error; err != nil {
		return nil, fmt.Errorf("getting tool %q: %w", toolName, notFound(err))
	}
	return toToolDomain(&model), nil
}

// List returns all tools ordered by name.
func (r *ToolRepository) List(ctx context.Context) ([]domain.Tool, error) {
	var models []ToolModel
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	tools := make([]domain.Tool, len(models))
	for i := range models {
		tools[i] = *toToolDomain(&models[i])
	}
	return tools, nil
}

// Update persists changes to an existing tool.
func (r *ToolRepository) Update(ctx context.Context, t *domain.Tool) error {
	model := toToolModel(t)
	model.UpdatedAt = time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&ToolModel{}).Where("id = ?", t.ID).Select("*").Omit("created_at").Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating tool %s: %w", t.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating tool %s: %w", t.ID, storage.ErrNotFound)
	}
	t.UpdatedAt = model.UpdatedAt
	return nil
}

// Delete removes a tool and its upload attachments. Uploads themselves are kept.
func (r *ToolRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ToolUploadModel{}, "tool_id = ?", id).Error; err != nil {
			return fmt.Errorf("detaching uploads of tool %s: %w", id, err)
		}
		result := tx.Delete(&ToolModel{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("deleting tool %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("deleting tool %s: %w", id, storage.ErrNotFound)
		}
		return nil
	})
}

// AttachUpload links an upload to a tool.
func (r *ToolRepository) AttachUpload(ctx context.Context, toolID, uploadID uuid.UUID) error {
	link := ToolUploadModel{ToolID: toolID, UploadID: uploadID}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&link).Error; err != nil {
		return fmt.Errorf("attaching upload %s to tool %s: %w", uploadID, toolID, err)
	}
	return nil
}

// UploadIDs returns the uploads attached to a tool, oldest attachment first.
func (r *ToolRepository) UploadIDs(ctx context.Context, toolID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).
		Model(&ToolUploadModel{}).
		Where("tool_id = ?", toolID).
		Order("created_at ASC").
		Pluck("upload_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing uploads of tool %s: %w", toolID, err)
	}
	return ids, nil
}

// notFound maps GORM's missing-record error onto storage.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}
