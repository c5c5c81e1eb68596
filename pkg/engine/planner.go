package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/openfroyo/pilot/pkg/telemetry"
)

// DefaultOracleTimeout bounds a single reasoning or perception call.
const DefaultOracleTimeout = 30 * time.Second

// Keyword sets used by the fallback plan. Matching is case-insensitive on the
// raw user input; file keywords are checked before browser keywords.
var (
	fileKeywords    = []string{"file", "folder", "directory", "document", "save"}
	browserKeywords = []string{"browser", "website", "web", "url", "http", "search", "google"}
)

// PlannerConfig controls the plan builder.
type PlannerConfig struct {
	// OracleTimeout bounds each reasoning oracle call.
	OracleTimeout time.Duration

	// StepMaxRetries is applied to planned steps that do not declare a bound.
	StepMaxRetries int
}

// planAction is one action in the reasoning oracle's response.
type planAction struct {
	ID              string         `json:"id" validate:"required"`
	Description     string         `json:"description"`
	ActionType      string         `json:"action_type" validate:"required,oneof=system browser file input analysis media"`
	Parameters      map[string]any `json:"parameters"`
	Dependencies    []string       `json:"dependencies"`
	ExpectedOutcome string         `json:"expected_outcome"`
	MaxRetries      *int           `json:"max_retries" validate:"omitempty,gte=0,lte=10"`
}

// PlanResult is a parsed reasoning response.
type PlanResult struct {
	Goal          string
	Reasoning     string
	EstimatedTime string
	Steps         []*Step
	Fallback      bool
}

// Planner turns goals into step graphs with the help of a reasoning oracle.
type Planner struct {
	oracle    ReasoningOracle
	providers []ContextProvider
	validate  *validator.Validate
	config    PlannerConfig
	inst      Instruments
}

// NewPlanner creates a plan builder. A nil oracle makes every plan a fallback plan.
func NewPlanner(oracle ReasoningOracle, cfg PlannerConfig, inst Instruments, providers ...ContextProvider) *Planner {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = DefaultOracleTimeout
	}
	if cfg.StepMaxRetries <= 0 {
		cfg.StepMaxRetries = DefaultMaxRetries
	}
	inst.Logger = inst.Logger.With().Str("component", "planner").Logger()
	return &Planner{
		oracle:    oracle,
		providers: providers,
		validate:  validator.New(),
		config:    cfg,
		inst:      inst,
	}
}

// BuildPlan asks the reasoning oracle for a plan and falls back to a single
// keyword-selected step when the oracle fails or its response cannot be used.
// It returns an error only when ctx is done.
func (p *Planner) BuildPlan(ctx context.Context, task *Task) (*PlanResult, error) {
	ctx, span := p.inst.tracer().StartPlanSpan(ctx, task.ID)
	defer span.End()

	log := p.inst.Logger.With().Str("task_id", task.ID).Logger()

	req := ReasoningRequest{
		Kind:         RequestKindPlan,
		Goal:         task.Description,
		UserInput:    task.UserInput,
		Context:      p.collectContext(ctx),
		Capabilities: AllCapabilities(),
	}

	raw, err := p.reason(ctx, req)
	if ctxErr := ctx.Err(); ctxErr != nil {
		telemetry.RecordError(span, ctxErr)
		return nil, NewTransientError("planning cancelled", ctxErr).WithCode(ErrCodeCancelled)
	}

	var result *PlanResult
	if err == nil {
		result, err = p.parsePlan(raw)
	}
	if err != nil {
		log.Warn().Err(err).Msg("reasoning oracle unusable, using fallback plan")
		result = p.fallbackPlan(task.UserInput)
		p.inst.Metrics.RecordPlanFallback(string(result.Steps[0].Capability))
		telemetry.AddTaskEvent(span, "plan.fallback", err.Error())
	}

	telemetry.RecordSuccess(span)
	log.Info().Int("steps", len(result.Steps)).Bool("fallback", result.Fallback).Msg("plan built")
	return result, nil
}

// AdaptPlan asks the reasoning oracle for a replacement of the unexecuted part
// of a task's plan, given the step that did not achieve its outcome and a
// corrective hint. There is no fallback: an unusable response is an error.
func (p *Planner) AdaptPlan(ctx context.Context, task *Task, failed *Step, hint string) ([]*Step, error) {
	snap := task.Snapshot()
	completed := make([]*Step, 0, len(snap.Steps))
	for _, s := range snap.Steps {
		if s.Status == StepStatusCompleted {
			completed = append(completed, s)
		}
	}

	raw, err := p.reason(ctx, ReasoningRequest{
		Kind:           RequestKindAdapt,
		Goal:           snap.Description,
		UserInput:      snap.UserInput,
		Context:        p.collectContext(ctx),
		Capabilities:   AllCapabilities(),
		CompletedSteps: completed,
		Step:           failed.Clone(),
		Hint:           hint,
	})
	if err != nil {
		return nil, err
	}

	result, err := p.parsePlan(raw)
	if err != nil {
		return nil, NewTransientError("unusable adaptation from reasoning oracle", err).
			WithCode(ErrCodeOracleFailed).WithStep(failed.ID)
	}
	return result.Steps, nil
}

// DebugStep asks the reasoning oracle for revised parameters of a failed step.
// A response without usable parameters yields a nil patch and no error.
func (p *Planner) DebugStep(ctx context.Context, task *Task, step *Step) (map[string]any, error) {
	raw, err := p.reason(ctx, ReasoningRequest{
		Kind:         RequestKindDebug,
		Goal:         task.Description,
		UserInput:    task.UserInput,
		Capabilities: AllCapabilities(),
		Step:         step.Clone(),
		Error:        step.Error,
	})
	if err != nil {
		return nil, err
	}

	doc, ok := extractJSON(raw)
	if !ok {
		return nil, nil
	}
	for _, key := range []string{"parameters", "revised_parameters", "fixed_parameters"} {
		if v := gjson.Get(doc, key); v.IsObject() {
			patch := make(map[string]any)
			if err := json.Unmarshal([]byte(v.Raw), &patch); err != nil {
				return nil, nil
			}
			return patch, nil
		}
	}
	return nil, nil
}

// reason performs one oracle call under the configured timeout.
func (p *Planner) reason(ctx context.Context, req ReasoningRequest) (string, error) {
	if p.oracle == nil {
		return "", NewTransientError("no reasoning oracle configured", nil).WithCode(ErrCodeOracleFailed)
	}

	var (
		raw      string
		timedOut bool
	)
	err := p.inst.oracleCall(ctx, "reasoning", string(req.Kind), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.config.OracleTimeout)
		defer cancel()

		var err error
		raw, err = p.oracle.Reason(callCtx, req)
		timedOut = err != nil && callCtx.Err() == context.DeadlineExceeded
		return err
	})
	if err != nil {
		code := ErrCodeOracleFailed
		if timedOut {
			code = ErrCodeTimeout
		}
		return "", NewTransientError(fmt.Sprintf("reasoning oracle %s request failed", req.Kind), err).WithCode(code)
	}
	return raw, nil
}

// collectContext merges the blobs of every context provider. Providers that
// fail are skipped.
func (p *Planner) collectContext(ctx context.Context) map[string]any {
	merged := make(map[string]any, len(p.providers))
	for _, provider := range p.providers {
		callCtx, cancel := context.WithTimeout(ctx, p.config.OracleTimeout)
		blob, err := provider.Collect(callCtx)
		cancel()
		if err != nil {
			p.inst.Logger.Debug().Err(err).Str("provider", provider.Name()).Msg("context provider failed")
			continue
		}
		merged[provider.Name()] = blob
	}
	return merged
}

// parsePlan extracts and validates a plan from an oracle response.
func (p *Planner) parsePlan(raw string) (*PlanResult, error) {
	doc, ok := extractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("response contains no JSON object")
	}

	actions := gjson.Get(doc, "actions")
	if !actions.Exists() {
		actions = gjson.Get(doc, "steps")
	}
	if !actions.IsArray() {
		return nil, fmt.Errorf("response has no actions array")
	}
	if len(actions.Array()) == 0 {
		return nil, fmt.Errorf("response has an empty actions array")
	}

	result := &PlanResult{
		Goal:          gjson.Get(doc, "goal").String(),
		Reasoning:     gjson.Get(doc, "reasoning").String(),
		EstimatedTime: gjson.Get(doc, "estimated_time").String(),
		Steps:         make([]*Step, 0, len(actions.Array())),
	}

	for i, item := range actions.Array() {
		var action planAction
		if err := json.Unmarshal([]byte(item.Raw), &action); err != nil {
			return nil, fmt.Errorf("action %d is malformed: %w", i, err)
		}
		action.ActionType = strings.ToLower(strings.TrimSpace(action.ActionType))
		if err := p.validate.Struct(action); err != nil {
			return nil, fmt.Errorf("action %d is invalid: %w", i, err)
		}

		step := NewStep(action.ID, action.Description, Capability(action.ActionType), action.Parameters, action.Dependencies...)
		step.ExpectedOutcome = action.ExpectedOutcome
		step.MaxRetries = p.config.StepMaxRetries
		if action.MaxRetries != nil {
			step.MaxRetries = *action.MaxRetries
		}
		if step.Description == "" {
			step.Description = fmt.Sprintf("%s action %s", step.Capability, step.ID)
		}
		result.Steps = append(result.Steps, step)
	}
	return result, nil
}

// fallbackPlan builds the deterministic single-step plan.
func (p *Planner) fallbackPlan(userInput string) *PlanResult {
	capability, params := FallbackCapability(userInput)
	step := NewStep("step_1", userInput, capability, params)
	step.MaxRetries = p.config.StepMaxRetries
	return &PlanResult{
		Goal:      userInput,
		Reasoning: "fallback plan: reasoning oracle response unusable",
		Steps:     []*Step{step},
		Fallback:  true,
	}
}

// FallbackCapability maps raw user input to a capability and handler
// parameters using fixed keyword sets.
func FallbackCapability(userInput string) (Capability, map[string]any) {
	lower := strings.ToLower(userInput)
	switch {
	case containsAny(lower, fileKeywords):
		return CapabilityFile, map[string]any{"action": "list", "path": "."}
	case containsAny(lower, browserKeywords):
		return CapabilityBrowser, map[string]any{"action": "search", "query": userInput}
	default:
		return CapabilitySystem, map[string]any{"action": "describe", "goal": userInput}
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// extractJSON locates a JSON object in free-form oracle output, tolerating
// surrounding prose and markdown fences.
func extractJSON(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", false
	}
	if gjson.Valid(text) && strings.HasPrefix(text, "{") {
		return text, true
	}

	end := strings.LastIndex(text, "}")
	if end < 0 {
		return "", false
	}
	for start := strings.Index(text, "{"); start >= 0 && start < end; {
		candidate := text[start : end+1]
		if gjson.Valid(candidate) {
			return candidate, true
		}
		next := strings.Index(text[start+1:], "{")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}
