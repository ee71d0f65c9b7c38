// Package domain defines the entity types shared across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Parameter types a tool may declare.
const (
	ParamString  = "string"
	ParamInteger = "integer"
	ParamNumber  = "number"
	ParamBoolean = "boolean"
	ParamArray   = "array"
)

// Tool is an operator-authored script together with its declared inputs and
// retrieval settings.
type Tool struct {
	ID          uuid.UUID
	Name        string // Display name.
	ToolName    string // Identifier exposed to callers, e.g. "weather_lookup".
	Description string
	Summary     string
	Parameters  []ToolParameter
	Script      string

	RAGChunkTokens   int
	RAGOverlapTokens int

	Enabled   bool
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolParameter declares one input accepted by a tool's invoke function.
type ToolParameter struct {
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Upload is a stored file. Files are content-addressed by SHA1, so the same
// bytes uploaded twice share one record.
type Upload struct {
	ID               uuid.UUID
	OriginalFilename string
	SHA1             string
	Extension        string
	Filesize         int64
	URL              string
	ShortURL         string
	CreatedBy        string
	CreatedAt        time.Time
}

// Fragment is one embedded slice of an upload's text.
type Fragment struct {
	ID             uuid.UUID
	UploadID       uuid.UUID
	FragmentNumber int
	Fragment       string
	Metadata       string
	Embedding      []float32
	CreatedAt      time.Time
}

// Invocation outcomes recorded in the invocation log.
const (
	InvocationOK      = "ok"
	InvocationTimeout = "timeout"
	InvocationQuota   = "quota"
	InvocationError   = "error"
)

// InvocationRecord is one entry in the tool invocation log.
type InvocationRecord struct {
	ID         uuid.UUID
	ToolID     uuid.UUID
	ActorID    string
	Status     string
	Error      string
	HTTPCalls  int
	DurationMS int64
	CreatedAt  time.Time
}
