// Package describe is the boundary to the downstream image-understanding
// service. The selection engine hands it an ordered frame set; everything
// behind the Describer interface is an external collaborator.
package describe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agent-api/core"
	"github.com/agent-api/core/agent"
	"github.com/agent-api/core/agent/bootstrap"
	"github.com/agent-api/ollama"
	"github.com/go-logr/logr"
)

// Describer turns an ordered set of frame images into a text description,
// optionally steered by the user's query.
type Describer interface {
	Describe(ctx context.Context, framePaths []string, query string) (string, error)
}

// visionAgent is the slice of the agent API the describer needs; tests
// substitute a fake.
type visionAgent interface {
	Run(ctx context.Context, opts ...agent.RunOptionFunc) (*agent.AgentRunAggregator, error)
}

// OllamaDescriber runs a local vision model through the ollama provider.
type OllamaDescriber struct {
	agent visionAgent
}

func NewOllamaDescriber(ctx context.Context, baseURL string, port int, model string, logger *slog.Logger) (*OllamaDescriber, error) {
	logrLogger := logr.FromSlogHandler(logger.Handler())
	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  &logrLogger,
		BaseURL: baseURL,
		Port:    port,
	})
	provider.UseModel(ctx, &core.Model{ID: model})

	a, err := agent.NewAgent(
		bootstrap.WithLogger(&logrLogger),
		bootstrap.WithProvider(provider),
		bootstrap.WithSystemPrompt("You are a security-footage analyst. Describe what happens across the provided frames in order, noting people, vehicles, packages, and any motion between frames."),
	)
	if err != nil {
		return nil, err
	}
	return &OllamaDescriber{agent: a}, nil
}

// Describe analyzes the frames in chronological order and joins the
// per-frame observations into one narrative answer.
func (d *OllamaDescriber) Describe(ctx context.Context, framePaths []string, query string) (string, error) {
	prompt := "What is happening in this image? Be specific and detailed."
	if query != "" {
		prompt = fmt.Sprintf("The user asked: %q. Describe this image with that question in mind.", query)
	}

	var parts []string
	for _, path := range framePaths {
		response, err := d.agent.Run(
			ctx,
			agent.WithInput(prompt),
			agent.WithImagePath(path),
		)
		if err != nil {
			return "", fmt.Errorf("frame %s: %w", path, err)
		}
		if len(response.Messages) == 0 {
			return "", fmt.Errorf("frame %s: no response messages received from model", path)
		}
		parts = append(parts, response.Messages[len(response.Messages)-1].Content)
	}
	return strings.Join(parts, "\n\n"), nil
}
