package retrieval

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/genai"
)

// Embedder produces the vectors the Retrieval Engine indexes and
// queries against.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float64, error)
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
}

// GenAIEmbedder targets Google's Gemini embedding model, matching
// EMBEDDING_MODEL="models/gemini-embedding-001" from
// original_source/llm-go/knowledge/knowledge.go.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	if model == "" {
		model = "models/gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

func (e *GenAIEmbedder) embed(ctx context.Context, text string, task string) ([]float64, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{TaskType: task})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("genai embed: no embeddings returned")
	}
	values := result.Embeddings[0].Values
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out, nil
}

func (e *GenAIEmbedder) EmbedDocument(ctx context.Context, text string) ([]float64, error) {
	return e.embed(ctx, text, "RETRIEVAL_DOCUMENT")
}

func (e *GenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	return e.embed(ctx, text, "RETRIEVAL_QUERY")
}

// EmbeddingDim is the fixed dimension every stored/query vector is
// truncated and L2-normalized to (spec §3).
const EmbeddingDim = 768

// ProcessVector truncates vec to targetDim and L2-normalizes it, per
// spec §4.5 step 1.
func ProcessVector(vec []float64, targetDim int) []float64 {
	if len(vec) > targetDim {
		vec = vec[:targetDim]
	}
	var normSq float64
	for _, x := range vec {
		normSq += x * x
	}
	norm := math.Sqrt(normSq)
	if norm == 0 {
		out := make([]float64, len(vec))
		copy(out, vec)
		return out
	}
	out := make([]float64, len(vec))
	for i, x := range vec {
		out[i] = x / norm
	}
	return out
}
