// Package rag is the semantic vector index of the lake. Rows are keyed by
// content signature and point back to every artifact holding that content.
package rag

import (
	"context"
	"errors"
	"math"
	"unicode/utf16"

	"github.com/sashabaranov/go-openai"

	lakeerrors "github.com/maruel/memlake/internal/errors"
)

// FallbackDim is the dimension of [FallbackVector].
const FallbackDim = 16

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder calls an OpenAI compatible embeddings endpoint. Local
// inference servers exposing /v1/embeddings work through BaseURL.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder returns an embedder for model. An empty baseURL uses the
// OpenAI API.
func NewOpenAIEmbedder(baseURL, apiKey, model string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: openai.EmbeddingModel(model)}
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string {
	return string(e.model)
}

// Embed implements [Embedder].
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, lakeerrors.EmbedderUnavailable(err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, lakeerrors.EmbedderUnavailable(errors.New("embeddings response is empty"))
	}
	return resp.Data[0].Embedding, nil
}

// Unavailable is an embedder that always fails.
type Unavailable struct{}

// Embed implements [Embedder].
func (Unavailable) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, lakeerrors.EmbedderUnavailable(errors.New("no embedder configured"))
}

// FallbackVector is the deterministic pseudo-embedding used when the embedder
// fails: FNV-1a over the UTF-16 code units of text, spread over 16
// components.
func FallbackVector(text string) []float32 {
	h := uint32(2166136261)
	for _, c := range utf16.Encode([]rune(text)) {
		h = (h ^ uint32(c)) * 16777619
	}
	v := make([]float32, FallbackDim)
	for i := range v {
		v[i] = float32((h>>(i%24))&0xff) / 255
	}
	return v
}

// Cosine returns the cosine similarity of a and b over their common prefix.
func Cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, aa, bb float64
	for i := range n {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		aa += x * x
		bb += y * y
	}
	return dot / (math.Sqrt(aa)*math.Sqrt(bb) + 1e-9)
}
