package oracle

import (
	"context"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/sysinfo"
)

// SystemProvider contributes a host snapshot to planning requests.
type SystemProvider struct {
	opts sysinfo.Options
}

// NewSystemProvider creates a system context provider.
func NewSystemProvider(opts sysinfo.Options) *SystemProvider {
	return &SystemProvider{opts: opts}
}

func (p *SystemProvider) Name() string { return "system" }

func (p *SystemProvider) Collect(ctx context.Context) (map[string]any, error) {
	snap, err := sysinfo.Collect(ctx, p.opts)
	if err != nil {
		return nil, err
	}
	return snap.Map(), nil
}

// ScreenProvider contributes a description of the current screen.
type ScreenProvider struct {
	oracle engine.PerceptionOracle
	query  string
}

// NewScreenProvider creates a screen context provider.
func NewScreenProvider(oracle engine.PerceptionOracle) *ScreenProvider {
	return &ScreenProvider{
		oracle: oracle,
		query:  "Describe what is on the screen, including open applications and focused windows.",
	}
}

func (p *ScreenProvider) Name() string { return "screen" }

func (p *ScreenProvider) Collect(ctx context.Context) (map[string]any, error) {
	obs, err := p.oracle.Observe(ctx, p.query)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"description": obs.Description}
	if len(obs.Elements) > 0 {
		out["elements"] = obs.Elements
	}
	return out, nil
}

var (
	_ engine.ContextProvider = (*SystemProvider)(nil)
	_ engine.ContextProvider = (*ScreenProvider)(nil)
)
