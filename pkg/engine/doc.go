// Package engine turns a natural-language goal into a graph of steps, runs the
// graph under dependency constraints, verifies outcomes, and repairs the plan
// when reality diverges from expectation.
//
// # Overview
//
// A Task moves through the following lifecycle:
//
//  1. Plan - the Planner asks a ReasoningOracle for a step graph and falls
//     back to a keyword-selected single step when the oracle is unusable
//  2. Execute - the Runner repeatedly asks ReadySteps for the next batch
//     and dispatches the batch concurrently through the Executor
//  3. Verify - steps that declare an expected outcome are judged by a
//     PerceptionOracle; a corrective hint triggers an adaptive replan of
//     the unexecuted part of the plan
//  4. Debug - on failure, failed steps are revised by the reasoning oracle,
//     reset, and the task is run once more
//
// # Core Domain Types
//
//   - Step: one atomic unit of work, dispatched by Capability
//   - Task: a user goal and its plan, with an internal lock so status
//     reports can be taken while it runs
//   - TaskSnapshot: a deep copy of a task for reporting and knowledge records
//   - Outcome: the result of executing one step including retries
//
// # Collaborators
//
// The engine consumes four contracts and owns none of their implementations:
//
//	type Handler interface {
//	    Handle(ctx context.Context, params map[string]any) (*HandlerResult, error)
//	}
//
//	type ReasoningOracle interface {
//	    Reason(ctx context.Context, req ReasoningRequest) (string, error)
//	}
//
//	type PerceptionOracle interface {
//	    Observe(ctx context.Context, query string) (*Observation, error)
//	    Judge(ctx context.Context, req JudgeRequest) (*Verdict, error)
//	}
//
//	type StepGuard interface {
//	    Check(ctx context.Context, taskID string, step *Step) error
//	}
//
// # Error Classification
//
// Errors are EngineError values classified for retry decisions:
//
//   - Transient: handler failures and timeouts, retried up to MaxRetries
//   - Conflict: an expected outcome that was not achieved
//   - Permanent: structural problems such as cycles, deadlocks, unknown
//     capabilities and policy denials, never retried
//
// Use IsRetryable, IsStructural, and ErrorCode to inspect errors.
//
// # Example Usage
//
//	exec := engine.NewExecutor(handlers, engine.ExecutorConfig{}, nil, engine.Instruments{})
//	planner := engine.NewPlanner(oracle, engine.PlannerConfig{}, engine.Instruments{})
//	runner := engine.NewRunner(planner, exec, nil, engine.RunnerConfig{}, engine.Instruments{})
//
//	task := engine.NewTask("list the files in my home folder", 3)
//	if err := runner.Plan(ctx, task); err != nil {
//	    return err
//	}
//	_ = runner.Run(ctx, task)
//	fmt.Println(task.Snapshot().Status)
package engine
