package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tmc/langchaingo/llms"

	"github.com/openfroyo/pilot/pkg/engine"
)

// Perceiver is a PerceptionOracle that shows screenshots to a vision model.
type Perceiver struct {
	model    llms.Model
	capturer Capturer
	config   Config
	logger   zerolog.Logger
}

// NewPerceiver creates a perceiver. capturer must not be nil.
func NewPerceiver(model llms.Model, capturer Capturer, cfg Config, logger zerolog.Logger) *Perceiver {
	return &Perceiver{
		model:    model,
		capturer: capturer,
		config:   cfg,
		logger:   logger.With().Str("component", "perceiver").Logger(),
	}
}

// Observe captures the screen and asks the model to describe it with query
// as guidance. Non-JSON answers become the description verbatim.
func (p *Perceiver) Observe(ctx context.Context, query string) (*engine.Observation, error) {
	image, err := p.capturer.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screen: %w", err)
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, observePrompt),
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart(query),
				llms.BinaryPart(http.DetectContentType(image), image),
			},
		},
	}

	raw, err := generate(ctx, p.model, messages, callOptions(p.config, p.config.visionModel()))
	if err != nil {
		return nil, fmt.Errorf("observation request failed: %w", err)
	}

	p.logger.Debug().Int("image_bytes", len(image)).Int("response_bytes", len(raw)).Msg("Screen observed")
	return parseObservation(raw), nil
}

// Judge asks the model whether req.Expected holds given the before and after
// observations. An answer without a boolean "achieved" is inconclusive.
func (p *Perceiver) Judge(ctx context.Context, req engine.JudgeRequest) (*engine.Verdict, error) {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode judge request: %w", err)
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, judgePrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, string(body)),
	}

	raw, err := generate(ctx, p.model, messages, callOptions(p.config, p.config.Model))
	if err != nil {
		return nil, fmt.Errorf("judge request failed: %w", err)
	}
	return parseVerdict(raw), nil
}

func parseObservation(raw string) *engine.Observation {
	obs := &engine.Observation{CapturedAt: time.Now().UTC()}

	doc, ok := jsonObject(raw)
	if !ok {
		obs.Description = strings.TrimSpace(raw)
		return obs
	}

	obs.Description = gjson.Get(doc, "description").String()
	if obs.Description == "" {
		obs.Description = strings.TrimSpace(raw)
	}
	for _, el := range gjson.Get(doc, "elements").Array() {
		if s := el.String(); s != "" {
			obs.Elements = append(obs.Elements, s)
		}
	}
	if data, ok := gjson.Get(doc, "data").Value().(map[string]any); ok {
		obs.Data = data
	}
	return obs
}

func parseVerdict(raw string) *engine.Verdict {
	doc, ok := jsonObject(raw)
	if !ok {
		return &engine.Verdict{Achieved: true, Inconclusive: true, Reason: "verdict is not JSON"}
	}

	achieved := gjson.Get(doc, "achieved")
	if achieved.Type != gjson.True && achieved.Type != gjson.False {
		return &engine.Verdict{Achieved: true, Inconclusive: true, Reason: "verdict has no achieved flag"}
	}

	verdict := &engine.Verdict{
		Achieved: achieved.Bool(),
		Reason:   gjson.Get(doc, "reason").String(),
	}
	if !verdict.Achieved {
		verdict.Hint = gjson.Get(doc, "hint").String()
	}
	return verdict
}

var _ engine.PerceptionOracle = (*Perceiver)(nil)
