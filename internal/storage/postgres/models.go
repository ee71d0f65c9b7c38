package postgres

import (
	"time"

	"github.com/google/uuid"
)

// ToolModel maps to the "tools" table.
type ToolModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name             string    `gorm:"not null"`
	ToolName         string    `gorm:"not null;uniqueIndex"`
	Description      string    `gorm:"type:text"`
	Summary          string    `gorm:"type:text"`
	Parameters       string    `gorm:"type:text"` // JSON-encoded []domain.ToolParameter
	Script           string    `gorm:"type:text;not null"`
	RAGChunkTokens   int       `gorm:"column:rag_chunk_tokens;not null"`
	RAGOverlapTokens int       `gorm:"column:rag_overlap_tokens;not null"`
	Enabled          bool      `gorm:"not null"`
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (ToolModel) TableName() string { return "tools" }

// ToolUploadModel maps to the "tool_uploads" join table.
type ToolUploadModel struct {
	ToolID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	UploadID  uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	CreatedAt time.Time
}

func (ToolUploadModel) TableName() string { return "tool_uploads" }

// UploadModel maps to the "uploads" table.
type UploadModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	OriginalFilename string    `gorm:"not null;index"`
	SHA1             string    `gorm:"column:sha1;not null;uniqueIndex"`
	Extension        string
	Filesize         int64 `gorm:"not null"`
	URL              string
	ShortURL         string
	CreatedBy        string
	CreatedAt        time.Time
}

func (UploadModel) TableName() string { return "uploads" }

// FragmentModel maps to the "document_fragments" table.
// Embedding is stored as a JSON array, which is also pgvector's text input format.
type FragmentModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UploadID       uuid.UUID `gorm:"type:uuid;not null;index:idx_fragment_upload_number,priority:1"`
	FragmentNumber int       `gorm:"not null;index:idx_fragment_upload_number,priority:2"`
	Fragment       string    `gorm:"type:text;not null"`
	Metadata       string    `gorm:"type:text"`
	Embedding      string    `gorm:"type:text"`
	CreatedAt      time.Time
}

func (FragmentModel) TableName() string { return "document_fragments" }

// InvocationModel maps to the "tool_invocations" table.
type InvocationModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ToolID     uuid.UUID `gorm:"type:uuid;not null;index"`
	ActorID    string
	Status     string    `gorm:"not null"`
	Error      string    `gorm:"type:text"`
	HTTPCalls  int       `gorm:"column:http_calls;not null"`
	DurationMS int64     `gorm:"column:duration_ms;not null"`
	CreatedAt  time.Time `gorm:"index"`
}

func (InvocationModel) TableName() string { return "tool_invocations" }

// AllModels lists every model in FK-dependency order for AutoMigrate.
func AllModels() []any {
	return []any{
		&ToolModel{},
		&UploadModel{},
		&ToolUploadModel{},
		&FragmentModel{},
		&InvocationModel{},
	}
}
