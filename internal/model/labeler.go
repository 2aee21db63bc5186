package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/recallhq/recall/internal/cluster"
)

// labelTimeout bounds one labeling call; the clustering engine falls back to
// keyword names when it expires.
const labelTimeout = 15 * time.Second

const labelPrompt = `You are naming a topic cluster for a knowledge base.
Given the following content samples that were grouped together by similarity,
produce a short topic name (at most five words), a one-sentence description,
and up to five lowercase keywords.

Samples:
%s`

type labelOutput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// Labeler implements cluster.Labeler on a Genkit model.
type Labeler struct {
	g      *genkit.Genkit
	model  string
	logger *slog.Logger
}

// NewLabeler creates a Labeler. A nil logger falls back to slog.Default().
func NewLabeler(g *genkit.Genkit, model string, logger *slog.Logger) *Labeler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Labeler{g: g, model: model, logger: logger}
}

// LabelCluster asks the model for a structured topic label.
func (l *Labeler) LabelCluster(ctx context.Context, samples []string) (cluster.Label, error) {
	ctx, cancel := context.WithTimeout(ctx, labelTimeout)
	defer cancel()

	resp, err := genkit.Generate(ctx, l.g,
		ai.WithModelName(l.model),
		ai.WithPrompt(labelPrompt, formatSamples(samples)),
		ai.WithOutputType(labelOutput{}),
	)
	if err != nil {
		return cluster.Label{}, fmt.Errorf("cluster labeling failed: %w", err)
	}

	var out labelOutput
	if err := resp.Output(&out); err != nil {
		return cluster.Label{}, fmt.Errorf("failed to parse label output: %w", err)
	}
	if strings.TrimSpace(out.Name) == "" {
		return cluster.Label{}, errors.New("model returned an empty label")
	}

	return cluster.Label{
		Name:        strings.TrimSpace(out.Name),
		Description: strings.TrimSpace(out.Description),
		Keywords:    out.Keywords,
	}, nil
}

func formatSamples(samples []string) string {
	var b strings.Builder
	for i, s := range samples {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}
