package models

// Embedding providers accepted by the resolver.
const (
	EmbeddingProviderOpenAI           = "openai"
	EmbeddingProviderOpenAICompatible = "openai_compatible"
	EmbeddingProviderQwen3            = "qwen3"
)

// RequiredEmbeddingDimensions is the fixed dimension contract for the shared
// vector column; batch-sync rejects configs that declare anything else.
const RequiredEmbeddingDimensions = 1536

// Qwen3MaxBatchSize caps embedding batches for the qwen3 provider.
const Qwen3MaxBatchSize = 10

// EmbeddingConfigModel binds a project to its embedding provider. At most one
// active config exists per project (partial unique index in the migrations);
// resolution has no global fallback.
type EmbeddingConfigModel struct {
	Base
	ProjectScoped
	Provider   string  `json:"provider"           gorm:"type:varchar(32);not null"`
	Model      string  `json:"model"              gorm:"not null"`
	Dimensions int     `json:"dimensions"         gorm:"not null;default:1536"`
	BatchSize  int     `json:"batch_size"         gorm:"not null;default:16"`
	APIKey     string  `json:"-"                  gorm:"column:api_key;not null"`
	BaseURL    *string `json:"base_url,omitempty"`
	IsActive   bool    `json:"is_active"          gorm:"not null;default:false;index"`
}

func (EmbeddingConfigModel) TableName() string { return "embedding_configs" }

// ValidEmbeddingProvider reports whether p names a supported provider.
func ValidEmbeddingProvider(p string) bool {
	switch p {
	case EmbeddingProviderOpenAI, EmbeddingProviderOpenAICompatible, EmbeddingProviderQwen3:
		return true
	}
	return false
}
