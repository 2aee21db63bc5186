// Package testutil provides deterministic fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"hash/fnv"
	"math"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// ErrEmbedderDown is returned by a FailingEmbedder.
var ErrEmbedderDown = errors.New("embedder down")

// EmbedderFunc adapts a function to ai.Embedder.
type EmbedderFunc func(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error)

// Name implements ai.Embedder.
func (f EmbedderFunc) Name() string { return "testutil/embedder" }

// Register implements ai.Embedder.
func (f EmbedderFunc) Register(api.Registry) {}

// Embed implements ai.Embedder.
func (f EmbedderFunc) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	return f(ctx, req)
}

// HashEmbedder returns an embedder producing a deterministic unit-length
// vector of the given dimension from each document's text. Identical text
// always embeds identically, which is all the pipeline tests need.
func HashEmbedder(dim int) ai.Embedder {
	return EmbedderFunc(func(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
		resp := &ai.EmbedResponse{}
		for _, doc := range req.Input {
			var text string
			for _, part := range doc.Content {
				text += part.Text
			}
			resp.Embeddings = append(resp.Embeddings, &ai.Embedding{
				Embedding: hashVector(text, dim),
			})
		}
		return resp, nil
	})
}

// FailingEmbedder returns an embedder whose Embed always fails.
func FailingEmbedder() ai.Embedder {
	return EmbedderFunc(func(context.Context, *ai.EmbedRequest) (*ai.EmbedResponse, error) {
		return nil, ErrEmbedderDown
	})
}

func hashVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float32(int64(seed>>32)) / float32(1<<31)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
