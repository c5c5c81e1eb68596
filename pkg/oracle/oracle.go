package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/sysinfo"
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("model returned no choices")

// NewModel creates the language model named by cfg.Provider. It returns a nil
// model for ProviderNone.
func NewModel(cfg Config) (llms.Model, error) {
	if err := cfg.validateProvider(); err != nil {
		return nil, err
	}
	if cfg.Provider == ProviderNone {
		return nil, nil
	}

	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", cfg.Provider, err)
	}
	return llm, nil
}

// Set bundles the oracles and context providers built from one model.
type Set struct {
	Reasoner  *Reasoner
	Perceiver *Perceiver
	Providers []engine.ContextProvider
}

// NewSet wires the oracles around model. A nil model yields a set with no
// oracles, and perception needs a screenshot command. The system context
// provider is included whenever enabled.
func NewSet(model llms.Model, cfg Config, logger zerolog.Logger) *Set {
	set := &Set{}
	if cfg.SystemContext {
		set.Providers = append(set.Providers, NewSystemProvider(sysinfo.Options{TopProcesses: 5}))
	}
	if model == nil {
		return set
	}

	set.Reasoner = NewReasoner(model, cfg, logger)
	if cfg.ScreenshotCommand == "" {
		return set
	}

	capturer := NewCommandCapturer(cfg.ScreenshotCommand, cfg.CaptureTimeout)
	set.Perceiver = NewPerceiver(model, capturer, cfg, logger)
	if cfg.ScreenContext {
		set.Providers = append(set.Providers, NewScreenProvider(set.Perceiver))
	}
	return set
}

// ReasoningOracle returns the reasoner as an interface value, nil when absent.
func (s *Set) ReasoningOracle() engine.ReasoningOracle {
	if s == nil || s.Reasoner == nil {
		return nil
	}
	return s.Reasoner
}

// PerceptionOracle returns the perceiver as an interface value, nil when absent.
func (s *Set) PerceptionOracle() engine.PerceptionOracle {
	if s == nil || s.Perceiver == nil {
		return nil
	}
	return s.Perceiver
}

func callOptions(cfg Config, model string) []llms.CallOption {
	opts := []llms.CallOption{
		llms.WithTemperature(cfg.Temperature),
		llms.WithJSONMode(),
	}
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(cfg.MaxTokens))
	}
	return opts
}

func generate(ctx context.Context, model llms.Model, messages []llms.MessageContent, opts []llms.CallOption) (string, error) {
	resp, err := model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

// jsonObject returns the outermost JSON object in text, ignoring markdown
// fences and surrounding prose.
func jsonObject(text string) (string, bool) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	doc := text[start : end+1]
	if !gjson.Valid(doc) {
		return "", false
	}
	return doc, true
}
