package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Verifier checks a step's real-world effect through the perception oracle.
// Oracle failures never fail a step; they produce inconclusive verdicts.
type Verifier struct {
	oracle  PerceptionOracle
	timeout time.Duration
	inst    Instruments
}

// NewVerifier creates a verifier. A nil oracle disables verification.
func NewVerifier(oracle PerceptionOracle, timeout time.Duration, inst Instruments) *Verifier {
	if timeout <= 0 {
		timeout = DefaultOracleTimeout
	}
	inst.Logger = inst.Logger.With().Str("component", "verifier").Logger()
	return &Verifier{oracle: oracle, timeout: timeout, inst: inst}
}

// Enabled reports whether the verifier should be consulted for the step.
func (v *Verifier) Enabled(step *Step) bool {
	return v != nil && v.oracle != nil && step.ExpectedOutcome != ""
}

// Before captures the state prior to executing step. It returns nil when
// verification is disabled for the step or the oracle fails.
func (v *Verifier) Before(ctx context.Context, step *Step) *Observation {
	if !v.Enabled(step) {
		return nil
	}
	obs, err := v.observe(ctx, fmt.Sprintf("Describe the current state before: %s", step.Description))
	if err != nil {
		v.inst.Logger.Debug().Err(err).Str("step_id", step.ID).Msg("pre-step observation failed")
		return nil
	}
	return obs
}

// Verify judges whether step achieved its expected outcome.
func (v *Verifier) Verify(ctx context.Context, step *Step, before *Observation) Verdict {
	if !v.Enabled(step) {
		return Verdict{Achieved: true, Inconclusive: true, Reason: "verification disabled"}
	}

	after, err := v.observe(ctx, fmt.Sprintf("Describe the current state after: %s", step.Description))
	if err != nil {
		v.inst.Logger.Debug().Err(err).Str("step_id", step.ID).Msg("post-step observation failed")
		return Verdict{Achieved: true, Inconclusive: true, Reason: err.Error()}
	}

	var verdict *Verdict
	err = v.inst.oracleCall(ctx, "perception", "judge", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()

		var err error
		verdict, err = v.oracle.Judge(callCtx, JudgeRequest{
			StepID:   step.ID,
			Expected: step.ExpectedOutcome,
			Before:   before,
			After:    after,
		})
		if err == nil && verdict == nil {
			err = errors.New("perception oracle returned no verdict")
		}
		return err
	})
	if err != nil {
		return Verdict{Achieved: true, Inconclusive: true, Reason: err.Error()}
	}
	return *verdict
}

func (v *Verifier) observe(ctx context.Context, query string) (*Observation, error) {
	var obs *Observation
	err := v.inst.oracleCall(ctx, "perception", "observe", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()

		var err error
		obs, err = v.oracle.Observe(callCtx, query)
		if err == nil && obs == nil {
			err = errors.New("perception oracle returned no observation")
		}
		return err
	})
	return obs, err
}
