package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/sysinfo"
)

// AnalysisHandler reports host measurements.
//
// Actions: snapshot (default), processes with an optional "limit", and disk
// with an optional "path".
type AnalysisHandler struct {
	config AnalysisConfig
	logger zerolog.Logger
}

// NewAnalysisHandler creates an analysis handler.
func NewAnalysisHandler(cfg AnalysisConfig, logger zerolog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		config: cfg,
		logger: logger.With().Str("handler", "analysis").Logger(),
	}
}

// Handle implements engine.Handler.
func (h *AnalysisHandler) Handle(ctx context.Context, params map[string]any) (*engine.HandlerResult, error) {
	action := stringParam(params, "action")
	if action == "" {
		action = "snapshot"
	}

	opts := sysinfo.Options{DiskPath: stringParam(params, "path")}
	switch action {
	case "snapshot":
		opts.TopProcesses = h.config.TopProcesses
	case "processes":
		opts.TopProcesses = intParam(params, "limit", h.config.TopProcesses)
		if opts.TopProcesses <= 0 {
			opts.TopProcesses = 10
		}
	case "disk":
	default:
		return nil, invalidParams("unknown analysis action %q", action)
	}

	snap, err := sysinfo.Collect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to collect system state: %w", err)
	}

	switch action {
	case "processes":
		return &engine.HandlerResult{Success: true, Output: map[string]any{
			"processes":     snap.Map()["processes"],
			"process_count": snap.ProcessCount,
		}}, nil
	case "disk":
		if snap.Disk == nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("no disk usage for %q", opts.DiskPath), nil).
				WithCode(engine.ErrCodeNotFound)
		}
		return &engine.HandlerResult{Success: true, Output: map[string]any{
			"path":         snap.Disk.Path,
			"total":        snap.Disk.Total,
			"free":         snap.Disk.Free,
			"used_percent": snap.Disk.UsedPercent,
		}}, nil
	default:
		h.logger.Debug().Float64("cpu", snap.CPUPercent).Float64("memory", snap.Memory.UsedPercent).Msg("Snapshot collected")
		return &engine.HandlerResult{Success: true, Output: snap.Map()}, nil
	}
}

var _ engine.Handler = (*AnalysisHandler)(nil)
