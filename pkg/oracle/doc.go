// Package oracle adapts a langchaingo chat model to the engine's reasoning and
// perception oracles.
//
// The Reasoner sends each ReasoningRequest as JSON under a system prompt
// chosen by request kind (plan, adapt, debug) and returns the raw answer; the
// planner does its own tolerant parsing. The Perceiver captures the screen
// with a Capturer, attaches the image as a binary part, and parses the
// model's JSON answer with gjson. Answers it cannot read become inconclusive
// verdicts rather than errors.
//
// Context providers contribute planning context: SystemProvider reports host
// state via gopsutil and ScreenProvider reports a screen description.
//
// Example:
//
//	model, err := oracle.NewModel(cfg)
//	if err != nil {
//	    return err
//	}
//	set := oracle.NewSet(model, cfg, logger)
//	planner := engine.NewPlanner(set.ReasoningOracle(), plannerCfg, inst, set.Providers...)
package oracle
