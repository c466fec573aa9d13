package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/echodesk/core/internal/models"
)

// defaultQwen3BaseURL is DashScope's OpenAI-compatible endpoint.
const defaultQwen3BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// qwen3Client talks to DashScope's compatible-mode embeddings endpoint
// directly. The provider rejects batches larger than models.Qwen3MaxBatchSize,
// so the configured batch size is clamped.
type qwen3Client struct {
	endpoint   string
	apiKey     string
	model      string
	dimensions int
	batchSize  int
	httpClient *http.Client
}

func newQwen3Client(cfg *models.EmbeddingConfigModel) *qwen3Client {
	base := defaultQwen3BaseURL
	if cfg.BaseURL != nil && strings.TrimSpace(*cfg.BaseURL) != "" {
		base = strings.TrimRight(strings.TrimSpace(*cfg.BaseURL), "/")
	}

	batchSize := cfg.BatchSize
	if batchSize < 1 || batchSize > models.Qwen3MaxBatchSize {
		batchSize = models.Qwen3MaxBatchSize
	}

	return &qwen3Client{
		endpoint:   base + "/embeddings",
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  batchSize,
		httpClient: &http.Client{Timeout: embedTimeout},
	}
}

func (c *qwen3Client) Dimensions() int  { return c.dimensions }
func (c *qwen3Client) Model() string    { return c.model }
func (c *qwen3Client) Provider() string { return models.EmbeddingProviderQwen3 }

func (c *qwen3Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *qwen3Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return embedInBatches(ctx, texts, c.batchSize, c.embedBatch)
}

type qwen3EmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type qwen3EmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *qwen3Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(qwen3EmbedRequest{
		Model:      c.model,
		Input:      texts,
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qwen3 embeddings returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result qwen3EmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("qwen3 error: %s (%s)", result.Error.Message, result.Error.Type)
	}

	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < len(vectors) {
			vectors[item.Index] = toFloat32(item.Embedding)
		}
	}
	if err := checkDimensions(vectors, c.dimensions); err != nil {
		return nil, err
	}
	return vectors, nil
}
