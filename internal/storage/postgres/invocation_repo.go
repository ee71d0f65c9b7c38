package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/toolrun/internal/domain"
)

// DefaultInvocationListLimit caps ListForTool when no limit is given.
const DefaultInvocationListLimit = 50

// InvocationRepository implements storage.InvocationStore.
type InvocationRepository struct {
	db *gorm.DB
}

// NewInvocationRepository creates an InvocationRepository.
func NewInvocationRepository(db *gorm.DB) *InvocationRepository {
	return &InvocationRepository{db: db}
}

// Record appends an entry to the invocation log.
func (r *InvocationRepository) Record(ctx context.Context, rec *domain.InvocationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	model := toInvocationModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording invocation: %w", err)
	}
	rec.CreatedAt = model.CreatedAt
	return nil
}

// ListForTool returns a tool's most recent invocations, newest first.
func (r *InvocationRepository) ListForTool(ctx context.Context, toolID uuid.UUID, limit int) ([]domain.InvocationRecord, error) {
	if limit <= 0 {
		limit = DefaultInvocationListLimit
	}
	var models []InvocationModel
	if err := r.db.WithContext(ctx).
		Where("tool_id = ?", toolID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing invocations of tool %s: %w", toolID, err)
	}
	records := make([]domain.InvocationRecord, len(models))
	for i := range models {
		records[i] = toInvocationDomain(&models[i])
	}
	return records, nil
}

// DeleteBefore prunes invocations older than cutoff.
func (r *InvocationRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&InvocationModel{}, "created_at < ?", cutoff)
	if result.Error != nil {
		return 0, fmt.Errorf("pruning invocations: %w", result.Error)
	}
	return result.RowsAffected, nil
}
