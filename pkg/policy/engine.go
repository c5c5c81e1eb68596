package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/telemetry"
)

// Engine evaluates Rego policies against steps before they run. It
// implements engine.StepGuard.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	cfg      Config
	loader   *Loader
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
}

var _ engine.StepGuard = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded,
// then the policies under cfg.Paths.
func NewEngine(ctx context.Context, cfg Config, inst engine.Instruments) (*Engine, error) {
	if len(cfg.AllowedSchemes) == 0 {
		cfg.AllowedSchemes = []string{"http", "https"}
	}
	if cfg.AllowedRoots == nil {
		cfg.AllowedRoots = []string{}
	}

	logger := inst.Logger.With().Str("component", "policy-engine").Logger()
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		cfg:      cfg,
		loader:   NewLoader(logger),
		logger:   logger,
		metrics:  inst.Metrics,
		events:   inst.Events,
	}

	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	if len(cfg.Paths) > 0 {
		if err := e.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}

	for _, name := range cfg.Disabled {
		if err := e.DisablePolicy(name); err != nil {
			e.logger.Warn().Str("policy", name).Msg("Cannot disable unknown policy")
		}
	}

	return e, nil
}

// Check rejects the step when any enabled policy reports a blocking
// violation. The error carries the POLICY_DENIED code.
func (e *Engine) Check(ctx context.Context, taskID string, step *engine.Step) error {
	decision, err := e.EvaluateStep(ctx, taskID, step)
	if err != nil {
		return err
	}

	for _, w := range decision.Warnings {
		e.logger.Warn().
			Str("task_id", taskID).
			Str("step_id", step.ID).
			Str("policy", w.Policy).
			Msg(w.Message)
	}

	if decision.Allowed {
		return nil
	}

	for _, v := range decision.Violations {
		e.metrics.RecordPolicyDenial(v.Policy)
		_ = e.events.PublishPolicyDenied(taskID, step.ID, v.Policy, v.Message)
	}

	first := decision.Violations[0]
	e.logger.Warn().
		Str("task_id", taskID).
		Str("step_id", step.ID).
		Str("policy", first.Policy).
		Int("violations", len(decision.Violations)).
		Msg("Step denied by policy")

	return engine.NewPermanentError(fmt.Sprintf("policy %s: %s", first.Policy, first.Message), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithStep(step.ID).
		WithDetail("policy", first.Policy)
}

// EvaluateStep evaluates every enabled policy against one step.
func (e *Engine) EvaluateStep(ctx context.Context, taskID string, step *engine.Step) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := e.input(taskID, step)
	decision := &Decision{Allowed: true, EvaluatedPolicies: []string{}}

	for _, cp := range e.sortedLocked() {
		if !cp.policy.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, engine.NewTransientError("policy evaluation cancelled", err).
				WithCode(engine.ErrCodeCancelled).WithStep(step.ID)
		}

		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("step_id", step.ID).
				Msg("Policy evaluation failed")
			decision.Warnings = append(decision.Warnings, Violation{
				Policy:   cp.policy.Name,
				StepID:   step.ID,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.EvaluatedAt = time.Now()
	decision.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("task_id", taskID).
		Str("step_id", step.ID).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Step policy evaluation completed")

	return decision, nil
}

// EvaluatePlan evaluates every step of a plan and merges the decisions.
func (e *Engine) EvaluatePlan(ctx context.Context, taskID string, steps []*engine.Step) (*Decision, error) {
	startTime := time.Now()
	merged := &Decision{Allowed: true, EvaluatedPolicies: []string{}}

	for _, step := range steps {
		d, err := e.EvaluateStep(ctx, taskID, step)
		if err != nil {
			return nil, err
		}
		merged.Allowed = merged.Allowed && d.Allowed
		merged.Violations = append(merged.Violations, d.Violations...)
		merged.Warnings = append(merged.Warnings, d.Warnings...)
		merged.EvaluatedPolicies = d.EvaluatedPolicies
	}

	merged.EvaluatedAt = time.Now()
	merged.Duration = time.Since(startTime)
	return merged, nil
}

// LoadPolicies loads policy files and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.Load(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if e.isBuiltinLocked(policies[i].Name) {
			e.logger.Warn().Str("policy", policies[i].Name).Msg("Policy name shadows a built-in policy, skipping")
			continue
		}
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		e.policies[policies[i].Name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplaceCustomPolicies swaps every non-builtin policy for policies. If any
// policy fails to compile the current set is kept. Disabled policies stay
// disabled across the swap.
func (e *Engine) ReplaceCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	disabled := make(map[string]bool)
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			continue
		}
		if !cp.policy.Enabled {
			disabled[name] = true
		}
		delete(e.policies, name)
	}

	for name, cp := range compiled {
		if e.isBuiltinLocked(name) {
			e.logger.Warn().Str("policy", name).Msg("Policy name shadows a built-in policy, skipping")
			continue
		}
		if disabled[name] {
			cp.policy.Enabled = false
		}
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Custom policies replaced")
	return nil
}

// Watch reloads the configured policy paths whenever a file under them
// changes. It returns immediately; watching stops when ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if len(e.cfg.Paths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, e.cfg.Paths, func(policies []Policy) error {
		return e.ReplaceCustomPolicies(ctx, policies)
	})
}

// Close stops watching policy paths.
func (e *Engine) Close() error {
	return e.loader.Close()
}

func (e *Engine) input(taskID string, step *engine.Step) *StepInput {
	params := step.Parameters
	if params == nil {
		params = map[string]any{}
	}
	deps := step.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return &StepInput{
		TaskID: taskID,
		Step: StepDocument{
			ID:           step.ID,
			Description:  step.Description,
			Capability:   string(step.Capability),
			Parameters:   params,
			Dependencies: deps,
		},
		Context: &Context{
			Timestamp:      time.Now(),
			AllowedRoots:   e.cfg.AllowedRoots,
			AllowedSchemes: e.cfg.AllowedSchemes,
		},
	}
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *StepInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input.Step.ID))
		}
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation creates a Violation from a deny entry.
func createViolation(policy *Policy, result interface{}, stepID string) Violation {
	violation := Violation{
		Policy:   policy.Name,
		StepID:   stepID,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if rem, ok := v["remediation"].(string); ok {
			violation.Remediation = rem
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) isBuiltinLocked(name string) bool {
	cp, ok := e.policies[name]
	return ok && cp.policy.Builtin
}

func (e *Engine) sortedLocked() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.sortedLocked() {
		policies = append(policies, *cp.policy)
	}

	return policies
}

// ReloadPolicies recompiles the built-ins and reloads the configured paths.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	e.mu.Unlock()

	e.loader.ClearCache()
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return err
	}
	if len(e.cfg.Paths) == 0 {
		return nil
	}
	return e.LoadPolicies(ctx, e.cfg.Paths)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
