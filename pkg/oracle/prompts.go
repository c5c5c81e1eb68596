package oracle

import "github.com/openfroyo/pilot/pkg/engine"

const capabilityGuide = `Capabilities and their parameters:
- system: {"command": "<shell command>"} runs a command; {"action": "describe"} reports host state.
  Add "host": "<name>" to run the command on one of the environment's remote_hosts.
- file: {"action": "read|write|append|list|mkdir|delete|copy|stat", "path": "...", "content": "...", "source": "...", "destination": "..."}.
  {"action": "upload|download", "host": "<name>", "path": "<local>", "remote": "<remote path>"} moves files to or from a remote host.
- browser: {"action": "fetch|search|open|click|type|screenshot", "url": "...", "query": "...", "selector": "...", "text": "..."}.
- analysis: {"action": "snapshot|processes|disk", "path": "...", "limit": 10}.
- input, media: only when the request lists them.
Use only capabilities listed in the request.`

const planShape = `Respond with one JSON object:
{"goal": "...", "reasoning": "...", "estimated_time": "...",
 "actions": [{"id": "step_1", "description": "...", "action_type": "<capability>",
   "parameters": {...}, "dependencies": ["<earlier step id>"], "expected_outcome": "..."}]}
Step ids are unique. Dependencies name steps in the same response or completed steps.
Leave expected_outcome empty unless the result can be checked by looking at the screen.`

var systemPrompts = map[engine.RequestKind]string{
	engine.RequestKindPlan: `You turn a user's goal into a short executable plan for a desktop automation agent.
` + capabilityGuide + `
` + planShape,

	engine.RequestKindAdapt: `A step of a running plan did not achieve its expected outcome.
Replace the unexecuted remainder of the plan. Do not repeat completed steps and do not reuse their ids.
Use the hint when one is given.
` + capabilityGuide + `
` + planShape,

	engine.RequestKindDebug: `A plan step failed. Propose corrected parameters for that step only.
` + capabilityGuide + `
Respond with one JSON object: {"analysis": "...", "parameters": {...}}.
Return an empty parameters object if the step cannot be fixed.`,
}

const observePrompt = `You describe the current state of a computer screen for an automation agent.
Respond with one JSON object: {"description": "...", "elements": ["visible element", ...], "data": {...}}.`

const judgePrompt = `You decide whether an automation step achieved its expected outcome.
You are given the expected outcome and descriptions of the state before and after the step.
Respond with one JSON object: {"achieved": true|false, "reason": "...", "hint": "what to try instead"}.
Only include a hint when achieved is false.`
