package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeReasoner replays scripted responses per request kind. The last
// response of a kind is repeated once the script is exhausted.
type fakeReasoner struct {
	mu        sync.Mutex
	responses map[RequestKind][]string
	errs      map[RequestKind]error
	calls     map[RequestKind]int
	requests  []ReasoningRequest
}

func newFakeReasoner() *fakeReasoner {
	return &fakeReasoner{
		responses: make(map[RequestKind][]string),
		errs:      make(map[RequestKind]error),
		calls:     make(map[RequestKind]int),
	}
}

func (f *fakeReasoner) on(kind RequestKind, responses ...string) *fakeReasoner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[kind] = append(f.responses[kind], responses...)
	return f
}

func (f *fakeReasoner) fail(kind RequestKind, err error) *fakeReasoner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[kind] = err
	return f
}

func (f *fakeReasoner) Reason(ctx context.Context, req ReasoningRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.calls[req.Kind]
	f.calls[req.Kind]++
	f.requests = append(f.requests, req)

	if err := f.errs[req.Kind]; err != nil {
		return "", err
	}
	script := f.responses[req.Kind]
	if len(script) == 0 {
		return "", fmt.Errorf("no scripted %s response", req.Kind)
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n], nil
}

func (f *fakeReasoner) callCount(kind RequestKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

// fakePerception judges steps with a scripted sequence of verdicts.
type fakePerception struct {
	mu         sync.Mutex
	verdicts   []Verdict
	judged     int
	observeErr error
}

func (f *fakePerception) Observe(ctx context.Context, query string) (*Observation, error) {
	if f.observeErr != nil {
		return nil, f.observeErr
	}
	return &Observation{Description: query, CapturedAt: time.Now()}, nil
}

func (f *fakePerception) Judge(ctx context.Context, req JudgeRequest) (*Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.judged
	f.judged++
	if len(f.verdicts) == 0 {
		return &Verdict{Achieved: true}, nil
	}
	if n >= len(f.verdicts) {
		n = len(f.verdicts) - 1
	}
	v := f.verdicts[n]
	return &v, nil
}

// countingHandler records invocations keyed by the "name" parameter and
// delegates the outcome to fn.
type countingHandler struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(name string, call int, params map[string]any) (*HandlerResult, error)
}

func newCountingHandler(fn func(name string, call int, params map[string]any) (*HandlerResult, error)) *countingHandler {
	if fn == nil {
		fn = func(string, int, map[string]any) (*HandlerResult, error) {
			return &HandlerResult{Success: true}, nil
		}
	}
	return &countingHandler{calls: make(map[string]int), fn: fn}
}

func (h *countingHandler) Handle(ctx context.Context, params map[string]any) (*HandlerResult, error) {
	name, _ := params["name"].(string)
	h.mu.Lock()
	h.calls[name]++
	call := h.calls[name]
	h.mu.Unlock()
	return h.fn(name, call, params)
}

func (h *countingHandler) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[name]
}

func (h *countingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		n += c
	}
	return n
}

func namedStep(id string, deps ...string) *Step {
	return NewStep(id, "step "+id, CapabilitySystem, map[string]any{"name": id}, deps...)
}

func fastExecutor(h Handler, guard StepGuard) *Executor {
	return NewExecutor(map[Capability]Handler{CapabilitySystem: h},
		ExecutorConfig{RetryDelay: time.Millisecond, StepTimeout: time.Second}, guard, Instruments{})
}

func plannedTask(steps ...*Step) *Task {
	task := NewTask("test goal", 3)
	task.SetPlan(steps, "", "", "")
	return task
}
