// Package embedding resolves a project to its bound embedding client.
// Every project carries exactly one active EmbeddingConfig row; there is no
// global fallback, so a missing row is a configuration error, not a default.
package embedding

import (
	"context"
	"fmt"
	"time"
)

// embedTimeout bounds one embeddings HTTP round trip.
const embedTimeout = 30 * time.Second

// Client converts text into fixed-dimension vectors using one provider
// binding. Implementations split oversized inputs into provider-safe
// sub-batches internally.
type Client interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
	Provider() string
}

// embedBatchFunc performs one raw provider call for a single sub-batch.
type embedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)

// embedInBatches splits texts into sub-batches of at most batchSize, calls
// fn for each, and concatenates the results in input order.
func embedInBatches(ctx context.Context, texts []string, batchSize int, fn embedBatchFunc) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if batchSize < 1 {
		batchSize = 1
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("embedding batch returned %d vectors for %d inputs", len(batch), end-start)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// checkDimensions rejects vectors that do not match the configured dimension
// contract. The shared vector column is fixed-width; a mismatched vector
// would corrupt the store.
func checkDimensions(vectors [][]float32, want int) error {
	for i, vec := range vectors {
		if len(vec) != want {
			return fmt.Errorf("embedding dimensions mismatch at index %d: got %d, want %d", i, len(vec), want)
		}
	}
	return nil
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
