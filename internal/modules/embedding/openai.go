package embedding

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	openaisdk "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"

	"github.com/echodesk/core/internal/models"
)

// openAIClient serves both the openai and openai_compatible providers; the
// latter only differs by a custom base URL.
type openAIClient struct {
	api        openaisdk.Client
	provider   string
	model      string
	dimensions int
	batchSize  int
}

func newOpenAIClient(cfg *models.EmbeddingConfigModel) *openAIClient {
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(cfg.APIKey),
		openaioption.WithMaxRetries(0),
		openaioption.WithHTTPClient(&http.Client{Timeout: embedTimeout}),
	}
	if cfg.BaseURL != nil {
		if base := normalizeBaseURL(*cfg.BaseURL); base != "" {
			opts = append(opts, openaioption.WithBaseURL(base))
		}
	}

	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 16
	}

	return &openAIClient{
		api:        openaisdk.NewClient(opts...),
		provider:   cfg.Provider,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  batchSize,
	}
}

func (c *openAIClient) Dimensions() int  { return c.dimensions }
func (c *openAIClient) Model() string    { return c.model }
func (c *openAIClient) Provider() string { return c.provider }

func (c *openAIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *openAIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, c.batchSize, c.embedBatch)
}

func (c *openAIClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.api.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openaisdk.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, err
	}

	// Results are reordered by index; providers may not preserve input order.
	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if int(item.Index) < len(vectors) {
			vectors[item.Index] = toFloat32(item.Embedding)
		}
	}
	if err := checkDimensions(vectors, c.dimensions); err != nil {
		return nil, err
	}
	return vectors, nil
}

// normalizeBaseURL ensures the base URL carries the /v1 path segment the SDK
// resolves its routes against.
func normalizeBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/")
	}
	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/")
}
