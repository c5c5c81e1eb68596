package config

import (
	"time"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/handlers"
	"github.com/openfroyo/pilot/pkg/knowledge"
	"github.com/openfroyo/pilot/pkg/oracle"
	"github.com/openfroyo/pilot/pkg/orchestrator"
	"github.com/openfroyo/pilot/pkg/policy"
	"github.com/openfroyo/pilot/pkg/stores"
	"github.com/openfroyo/pilot/pkg/telemetry"
)

// Config is the complete pilot configuration file.
type Config struct {
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Executor     ExecutorConfig      `yaml:"executor"`
	Planner      PlannerConfig       `yaml:"planner"`
	Runner       RunnerConfig        `yaml:"runner"`
	Verifier     VerifierConfig      `yaml:"verifier"`
	Oracle       oracle.Config       `yaml:"oracle"`
	Handlers     handlers.Config     `yaml:"handlers"`
	Knowledge    knowledge.Config    `yaml:"knowledge"`
	Store        StoreConfig         `yaml:"store"`
	Policy       policy.Config       `yaml:"policy"`
	Telemetry    telemetry.Config    `yaml:"telemetry"`
}

// ExecutorConfig configures step execution.
type ExecutorConfig struct {
	// RetryDelay is the fixed pause between attempts of a failing step.
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`

	// StepTimeout bounds one handler invocation.
	StepTimeout time.Duration `yaml:"step_timeout" validate:"gte=0"`
}

// Engine converts to the executor's configuration.
func (c ExecutorConfig) Engine() engine.ExecutorConfig {
	return engine.ExecutorConfig{RetryDelay: c.RetryDelay, StepTimeout: c.StepTimeout}
}

// PlannerConfig configures plan building.
type PlannerConfig struct {
	// OracleTimeout bounds one reasoning call.
	OracleTimeout time.Duration `yaml:"oracle_timeout" validate:"gte=0"`

	// StepMaxRetries applies to planned steps without their own bound.
	StepMaxRetries int `yaml:"step_max_retries" validate:"gte=0,lte=10"`
}

// Engine converts to the planner's configuration.
func (c PlannerConfig) Engine() engine.PlannerConfig {
	return engine.PlannerConfig{OracleTimeout: c.OracleTimeout, StepMaxRetries: c.StepMaxRetries}
}

// RunnerConfig configures the task lifecycle.
type RunnerConfig struct {
	// MaxReplans bounds adaptive replans per task; -1 disables replanning.
	MaxReplans int `yaml:"max_replans" validate:"gte=-1,lte=20"`

	// MaxParallelSteps limits concurrent steps in one batch; 0 is unbounded.
	MaxParallelSteps int `yaml:"max_parallel_steps" validate:"gte=0"`

	DisableDebugPass bool `yaml:"disable_debug_pass"`
}

// Engine converts to the runner's configuration.
func (c RunnerConfig) Engine() engine.RunnerConfig {
	return engine.RunnerConfig{
		MaxReplans:       c.MaxReplans,
		MaxParallelSteps: c.MaxParallelSteps,
		DisableDebugPass: c.DisableDebugPass,
	}
}

// VerifierConfig configures outcome verification.
type VerifierConfig struct {
	// Timeout bounds one perception call.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// StoreConfig configures the SQLite journal.
type StoreConfig struct {
	// Enabled persists finished tasks, knowledge entries and events.
	Enabled bool `yaml:"enabled"`

	stores.Config `yaml:",inline"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Orchestrator: orchestrator.Config{MaxConcurrentTasks: 3},
		Executor: ExecutorConfig{
			RetryDelay:  engine.DefaultRetryDelay,
			StepTimeout: engine.DefaultStepTimeout,
		},
		Planner: PlannerConfig{
			OracleTimeout:  engine.DefaultOracleTimeout,
			StepMaxRetries: engine.DefaultMaxRetries,
		},
		Runner:   RunnerConfig{MaxReplans: engine.DefaultMaxReplans},
		Verifier: VerifierConfig{Timeout: engine.DefaultOracleTimeout},
		Oracle:   oracle.DefaultConfig(),
		Handlers: handlers.DefaultConfig(),
		Knowledge: knowledge.Config{
			SuccessCapacity: knowledge.DefaultSuccessCapacity,
			FailureCapacity: knowledge.DefaultFailureCapacity,
		},
		Store: StoreConfig{
			Enabled: true,
			Config: stores.Config{
				Path:               "pilot.db",
				KnowledgeRetention: 5000,
			},
		},
		Policy: policy.Config{
			Enabled:        true,
			AllowedSchemes: []string{"http", "https"},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}
