package postgres

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/jkaninda/toolrun/internal/domain"
)

// --- Tool ---

func toToolModel(t *domain.Tool) ToolModel {
	params, _ := json.Marshal(t.Parameters)
	if t.Parameters == nil {
		params = []byte("[]")
	}
	return ToolModel{
		ID:               t.ID,
		Name:             t.Name,
		ToolName:         t.ToolName,
		Description:      t.Description,
		Summary:          t.Summary,
		Parameters:       string(params),
		Script:           t.Script,
		RAGChunkTokens:   t.RAGChunkTokens,
		RAGOverlapTokens: t.RAGOverlapTokens,
		Enabled:          t.Enabled,
		CreatedBy:        t.CreatedBy,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func toToolDomain(m *ToolModel) *domain.Tool {
	var params []domain.ToolParameter
	if m.Parameters != "" {
		_ = json.Unmarshal([]byte(m.Parameters), &params)
	}
	return &domain.Tool{
		ID:               m.ID,
		Name:             m.Name,
		ToolName:         m.ToolName,
		Description:      m.Description,
		Summary:          m.Summary,
		Parameters:       params,
		Script:           m.Script,
		RAGChunkTokens:   m.RAGChunkTokens,
		RAGOverlapTokens: m.RAGOverlapTokens,
		Enabled:          m.Enabled,
		CreatedBy:        m.CreatedBy,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// --- Upload ---

func toUploadModel(u *domain.Upload) UploadModel {
	return UploadModel{
		ID:               u.ID,
		OriginalFilename: u.OriginalFilename,
		SHA1:             u.SHA1,
		Extension:        u.Extension,
		Filesize:         u.Filesize,
		URL:              u.URL,
		ShortURL:         u.ShortURL,
		CreatedBy:        u.CreatedBy,
		CreatedAt:        u.CreatedAt,
	}
}

func toUploadDomain(m *UploadModel) *domain.Upload {
	return &domain.Upload{
		ID:               m.ID,
		OriginalFilename: m.OriginalFilename,
		SHA1:             m.SHA1,
		Extension:        m.Extension,
		Filesize:         m.Filesize,
		URL:              m.URL,
		ShortURL:         m.ShortURL,
		CreatedBy:        m.CreatedBy,
		CreatedAt:        m.CreatedAt,
	}
}

// --- Fragment ---

func toFragmentModel(f *domain.Fragment) FragmentModel {
	return FragmentModel{
		ID:             f.ID,
		UploadID:       f.UploadID,
		FragmentNumber: f.FragmentNumber,
		Fragment:       f.Fragment,
		Metadata:       f.Metadata,
		Embedding:      serializeEmbedding(f.Embedding),
		CreatedAt:      f.CreatedAt,
	}
}

func toFragmentDomain(m *FragmentModel) *domain.Fragment {
	embedding, _ := deserializeEmbedding(m.Embedding)
	return &domain.Fragment{
		ID:             m.ID,
		UploadID:       m.UploadID,
		FragmentNumber: m.FragmentNumber,
		Fragment:       m.Fragment,
		Metadata:       m.Metadata,
		Embedding:      embedding,
		CreatedAt:      m.CreatedAt,
	}
}

// --- Invocation ---

func toInvocationModel(r *domain.InvocationRecord) InvocationModel {
	return InvocationModel{
		ID:         r.ID,
		ToolID:     r.ToolID,
		ActorID:    r.ActorID,
		Status:     r.Status,
		Error:      r.Error,
		HTTPCalls:  r.HTTPCalls,
		DurationMS: r.DurationMS,
		CreatedAt:  r.CreatedAt,
	}
}

func toInvocationDomain(m *InvocationModel) domain.InvocationRecord {
	return domain.InvocationRecord{
		ID:         m.ID,
		ToolID:     m.ToolID,
		ActorID:    m.ActorID,
		Status:     m.Status,
		Error:      m.Error,
		HTTPCalls:  m.HTTPCalls,
		DurationMS: m.DurationMS,
		CreatedAt:  m.CreatedAt,
	}
}

// --- Embeddings ---

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]",
// readable both as JSON and as pgvector text input.
func serializeEmbedding(embedding []float32) string {
	if len(embedding) == 0 {
		return ""
	}
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func deserializeEmbedding(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
