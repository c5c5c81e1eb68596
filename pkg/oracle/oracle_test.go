package oracle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/sysinfo"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type recordingModel struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     [][]llms.MessageContent
	options   []llms.CallOptions
}

func (m *recordingModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var opts llms.CallOptions
	for _, opt := range options {
		opt(&opts)
	}
	m.calls = append(m.calls, messages)
	m.options = append(m.options, opts)

	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &llms.ContentResponse{}, nil
	}
	out := m.responses[0]
	m.responses = m.responses[1:]
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}

func (m *recordingModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func textOf(t *testing.T, msg llms.MessageContent) string {
	t.Helper()
	var b strings.Builder
	for _, part := range msg.Parts {
		if text, ok := part.(llms.TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	return b.String()
}

type staticCapturer struct {
	image []byte
	err   error
	calls int
}

func (c *staticCapturer) Capture(ctx context.Context) ([]byte, error) {
	c.calls++
	return c.image, c.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Model = "reasoning-model"
	cfg.VisionModel = "vision-model"
	return cfg
}

func TestReasonerSendsPromptForKind(t *testing.T) {
	model := &recordingModel{responses: []string{`{"actions": []}`}}
	r := NewReasoner(model, testConfig(), zerolog.Nop())

	out, err := r.Reason(context.Background(), engine.ReasoningRequest{
		Kind:         engine.RequestKindPlan,
		Goal:         "check disk space",
		UserInput:    "check disk space",
		Capabilities: []engine.Capability{engine.CapabilitySystem},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"actions": []}`, out)

	require.Len(t, model.calls, 1)
	messages := model.calls[0]
	require.Len(t, messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, messages[0].Role)
	assert.Equal(t, systemPrompts[engine.RequestKindPlan], textOf(t, messages[0]))
	assert.Equal(t, llms.ChatMessageTypeHuman, messages[1].Role)
	assert.Contains(t, textOf(t, messages[1]), `"goal": "check disk space"`)

	opts := model.options[0]
	assert.True(t, opts.JSONMode)
	assert.Equal(t, "reasoning-model", opts.Model)
	assert.Equal(t, 2048, opts.MaxTokens)
	assert.InDelta(t, 0.2, opts.Temperature, 1e-9)
}

func TestReasonerPromptsDifferByKind(t *testing.T) {
	for _, kind := range []engine.RequestKind{engine.RequestKindPlan, engine.RequestKindAdapt, engine.RequestKindDebug} {
		t.Run(string(kind), func(t *testing.T) {
			model := &recordingModel{responses: []string{"{}"}}
			r := NewReasoner(model, testConfig(), zerolog.Nop())

			_, err := r.Reason(context.Background(), engine.ReasoningRequest{Kind: kind, Goal: "g"})
			require.NoError(t, err)
			assert.Equal(t, systemPrompts[kind], textOf(t, model.calls[0][0]))
		})
	}
	assert.NotEqual(t, systemPrompts[engine.RequestKindPlan], systemPrompts[engine.RequestKindAdapt])
	assert.Contains(t, systemPrompts[engine.RequestKindDebug], `"parameters"`)
}

func TestReasonerRejectsUnknownKind(t *testing.T) {
	model := &recordingModel{}
	r := NewReasoner(model, testConfig(), zerolog.Nop())

	_, err := r.Reason(context.Background(), engine.ReasoningRequest{Kind: "summarize"})
	require.Error(t, err)
	assert.Empty(t, model.calls)
}

func TestReasonerErrors(t *testing.T) {
	t.Run("model error", func(t *testing.T) {
		boom := errors.New("rate limited")
		r := NewReasoner(&recordingModel{err: boom}, testConfig(), zerolog.Nop())
		_, err := r.Reason(context.Background(), engine.ReasoningRequest{Kind: engine.RequestKindPlan})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("no choices", func(t *testing.T) {
		r := NewReasoner(&recordingModel{}, testConfig(), zerolog.Nop())
		_, err := r.Reason(context.Background(), engine.ReasoningRequest{Kind: engine.RequestKindPlan})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})
}

func TestReasonerDrivesPlanner(t *testing.T) {
	model := &recordingModel{responses: []string{"```json\n" + `{
		"goal": "report disk usage",
		"reasoning": "df shows usage",
		"actions": [
			{"id": "step_1", "description": "show usage", "action_type": "system", "parameters": {"command": "df -h"}},
			{"id": "step_2", "description": "save it", "action_type": "file", "parameters": {"action": "write", "path": "usage.txt"}, "dependencies": ["step_1"]}
		]
	}` + "\n```"}}

	planner := engine.NewPlanner(NewReasoner(model, testConfig(), zerolog.Nop()),
		engine.PlannerConfig{OracleTimeout: time.Second}, engine.Instruments{Logger: zerolog.Nop()})

	result, err := planner.BuildPlan(context.Background(), engine.NewTask("report disk usage", 3))
	require.NoError(t, err)
	assert.False(t, result.Fallback)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, engine.CapabilitySystem, result.Steps[0].Capability)
	assert.Equal(t, []string{"step_1"}, result.Steps[1].Dependencies)
}

func TestPerceiverObserve(t *testing.T) {
	model := &recordingModel{responses: []string{
		`{"description": "A terminal window", "elements": ["terminal", "", "clock"], "data": {"focused": "terminal"}}`,
	}}
	capturer := &staticCapturer{image: pngHeader}
	p := NewPerceiver(model, capturer, testConfig(), zerolog.Nop())

	obs, err := p.Observe(context.Background(), "what is open?")
	require.NoError(t, err)
	assert.Equal(t, "A terminal window", obs.Description)
	assert.Equal(t, []string{"terminal", "clock"}, obs.Elements)
	assert.Equal(t, "terminal", obs.Data["focused"])
	assert.False(t, obs.CapturedAt.IsZero())

	require.Len(t, model.calls, 1)
	human := model.calls[0][1]
	require.Len(t, human.Parts, 2)
	assert.Equal(t, llms.TextContent{Text: "what is open?"}, human.Parts[0])
	image, ok := human.Parts[1].(llms.BinaryContent)
	require.True(t, ok)
	assert.Equal(t, "image/png", image.MIMEType)
	assert.Equal(t, pngHeader, image.Data)
	assert.Equal(t, "vision-model", model.options[0].Model)
}

func TestPerceiverObservePlainText(t *testing.T) {
	model := &recordingModel{responses: []string{"  The desktop is empty.  "}}
	p := NewPerceiver(model, &staticCapturer{image: pngHeader}, testConfig(), zerolog.Nop())

	obs, err := p.Observe(context.Background(), "describe")
	require.NoError(t, err)
	assert.Equal(t, "The desktop is empty.", obs.Description)
	assert.Empty(t, obs.Elements)
}

func TestPerceiverObserveCaptureFailure(t *testing.T) {
	model := &recordingModel{}
	p := NewPerceiver(model, &staticCapturer{err: errors.New("no display")}, testConfig(), zerolog.Nop())

	_, err := p.Observe(context.Background(), "describe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no display")
	assert.Empty(t, model.calls)
}

func TestPerceiverJudge(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     engine.Verdict
	}{
		{
			name:     "achieved",
			response: `{"achieved": true, "reason": "window is open", "hint": "ignored"}`,
			want:     engine.Verdict{Achieved: true, Reason: "window is open"},
		},
		{
			name:     "not achieved with hint",
			response: `Sure: {"achieved": false, "reason": "dialog still open", "hint": "press escape first"}`,
			want:     engine.Verdict{Achieved: false, Reason: "dialog still open", Hint: "press escape first"},
		},
		{
			name:     "missing flag",
			response: `{"reason": "unsure"}`,
			want:     engine.Verdict{Achieved: true, Inconclusive: true, Reason: "verdict has no achieved flag"},
		},
		{
			name:     "string flag",
			response: `{"achieved": "yes"}`,
			want:     engine.Verdict{Achieved: true, Inconclusive: true, Reason: "verdict has no achieved flag"},
		},
		{
			name:     "not json",
			response: "I think so",
			want:     engine.Verdict{Achieved: true, Inconclusive: true, Reason: "verdict is not JSON"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &recordingModel{responses: []string{tt.response}}
			p := NewPerceiver(model, &staticCapturer{}, testConfig(), zerolog.Nop())

			verdict, err := p.Judge(context.Background(), engine.JudgeRequest{
				StepID:   "step_1",
				Expected: "editor is open",
				After:    &engine.Observation{Description: "editor visible"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, *verdict)
			assert.Contains(t, textOf(t, model.calls[0][1]), "editor is open")
			assert.Equal(t, "reasoning-model", model.options[0].Model)
		})
	}
}

func TestVerifierUsesPerceiver(t *testing.T) {
	model := &recordingModel{responses: []string{
		`{"description": "before"}`,
		`{"description": "after"}`,
		`{"achieved": false, "hint": "open it from the menu"}`,
	}}
	p := NewPerceiver(model, &staticCapturer{image: pngHeader}, testConfig(), zerolog.Nop())
	v := engine.NewVerifier(p, time.Second, engine.Instruments{Logger: zerolog.Nop()})

	step := engine.NewStep("open", "open editor", engine.CapabilitySystem, nil)
	step.ExpectedOutcome = "editor is open"

	before := v.Before(context.Background(), step)
	require.NotNil(t, before)
	verdict := v.Verify(context.Background(), step, before)
	assert.False(t, verdict.Achieved)
	assert.False(t, verdict.Inconclusive)
	assert.Equal(t, "open it from the menu", verdict.Hint)
}

func TestCommandCapturer(t *testing.T) {
	t.Run("stdout", func(t *testing.T) {
		data, err := NewCommandCapturer("printf 'image-bytes'", time.Second).Capture(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("image-bytes"), data)
	})

	t.Run("output placeholder", func(t *testing.T) {
		data, err := NewCommandCapturer("printf 'file-bytes' > {output}", time.Second).Capture(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("file-bytes"), data)
	})

	t.Run("failure", func(t *testing.T) {
		_, err := NewCommandCapturer("echo broken >&2; exit 3", time.Second).Capture(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("no output", func(t *testing.T) {
		_, err := NewCommandCapturer("true", time.Second).Capture(context.Background())
		assert.Error(t, err)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := NewCommandCapturer("  ", time.Second).Capture(context.Background())
		assert.Error(t, err)
	})
}

func TestNewModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider = ProviderNone
	model, err := NewModel(cfg)
	require.NoError(t, err)
	assert.Nil(t, model)

	cfg.Provider = "carrier-pigeon"
	_, err = NewModel(cfg)
	assert.Error(t, err)

	cfg.Provider = ProviderOpenAI
	cfg.APIKey = "test-key"
	cfg.BaseURL = "http://127.0.0.1:1/v1"
	model, err = NewModel(cfg)
	require.NoError(t, err)
	assert.NotNil(t, model)
}

func TestNewSet(t *testing.T) {
	t.Run("no model", func(t *testing.T) {
		set := NewSet(nil, testConfig(), zerolog.Nop())
		assert.Nil(t, set.ReasoningOracle())
		assert.Nil(t, set.PerceptionOracle())
		require.Len(t, set.Providers, 1)
		assert.Equal(t, "system", set.Providers[0].Name())
	})

	t.Run("reasoning only", func(t *testing.T) {
		cfg := testConfig()
		cfg.SystemContext = false
		set := NewSet(&recordingModel{}, cfg, zerolog.Nop())
		assert.NotNil(t, set.ReasoningOracle())
		assert.Nil(t, set.PerceptionOracle())
		assert.Empty(t, set.Providers)
	})

	t.Run("with screen", func(t *testing.T) {
		cfg := testConfig()
		cfg.ScreenshotCommand = "scrot {output}"
		cfg.ScreenContext = true
		set := NewSet(&recordingModel{}, cfg, zerolog.Nop())
		assert.NotNil(t, set.PerceptionOracle())
		require.Len(t, set.Providers, 2)
		assert.Equal(t, "screen", set.Providers[1].Name())
	})
}

func TestScreenProvider(t *testing.T) {
	model := &recordingModel{responses: []string{`{"description": "browser open", "elements": ["tab"]}`}}
	p := NewPerceiver(model, &staticCapturer{image: pngHeader}, testConfig(), zerolog.Nop())

	out, err := NewScreenProvider(p).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "browser open", out["description"])
	assert.Equal(t, []string{"tab"}, out["elements"])
}

func TestSystemProvider(t *testing.T) {
	out, err := NewSystemProvider(sysinfo.Options{}).Collect(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "memory")
	assert.Contains(t, out, "os")
}
