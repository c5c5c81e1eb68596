package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/openfroyo/pilot/pkg/engine"
)

// Reasoner is a ReasoningOracle backed by a chat model.
type Reasoner struct {
	model  llms.Model
	config Config
	logger zerolog.Logger
}

// NewReasoner creates a reasoner.
func NewReasoner(model llms.Model, cfg Config, logger zerolog.Logger) *Reasoner {
	return &Reasoner{
		model:  model,
		config: cfg,
		logger: logger.With().Str("component", "reasoner").Logger(),
	}
}

// Reason sends req as JSON under the system prompt for its kind and returns
// the raw model output.
func (r *Reasoner) Reason(ctx context.Context, req engine.ReasoningRequest) (string, error) {
	system, ok := systemPrompts[req.Kind]
	if !ok {
		return "", fmt.Errorf("unsupported request kind %q", req.Kind)
	}

	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, string(body)),
	}

	r.logger.Debug().Str("kind", string(req.Kind)).Int("bytes", len(body)).Msg("Sending reasoning request")

	out, err := generate(ctx, r.model, messages, callOptions(r.config, r.config.Model))
	if err != nil {
		return "", fmt.Errorf("reasoning request failed: %w", err)
	}
	return out, nil
}

var _ engine.ReasoningOracle = (*Reasoner)(nil)
