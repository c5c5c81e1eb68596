package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/remote"
	"github.com/openfroyo/pilot/pkg/sysinfo"
)

// commandWaitDelay bounds how long Run waits for output pipes held open by
// orphaned children after the command was killed.
const commandWaitDelay = 2 * time.Second

// SystemHandler runs shell commands and reports host state.
//
// Parameters: "command" runs through the shell, optionally in "workdir".
// With "host" the command runs on that SSH host instead. Without a command,
// action "describe" returns a host snapshot.
type SystemHandler struct {
	config SystemConfig
	remote *remote.Pool
	logger zerolog.Logger
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(cfg SystemConfig, logger zerolog.Logger) *SystemHandler {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &SystemHandler{
		config: cfg,
		logger: logger.With().Str("handler", "system").Logger(),
	}
}

// Handle implements engine.Handler.
func (h *SystemHandler) Handle(ctx context.Context, params map[string]any) (*engine.HandlerResult, error) {
	if command := strings.TrimSpace(stringParam(params, "command")); command != "" {
		if host := stringParam(params, "host"); host != "" {
			return h.runRemote(ctx, host, command)
		}
		return h.run(ctx, command, stringParam(params, "workdir"))
	}

	switch action := stringParam(params, "action"); action {
	case "describe", "info":
		snap, err := sysinfo.Collect(ctx, sysinfo.Options{TopProcesses: 5})
		if err != nil {
			return nil, fmt.Errorf("failed to describe system: %w", err)
		}
		out := snap.Map()
		if goal := stringParam(params, "goal"); goal != "" {
			out["goal"] = goal
		}
		return &engine.HandlerResult{Success: true, Output: out}, nil
	default:
		return nil, invalidParams("system step needs a command or action \"describe\", got action %q", action)
	}
}

func (h *SystemHandler) run(ctx context.Context, command, workdir string) (*engine.HandlerResult, error) {
	if workdir == "" {
		workdir = h.config.WorkDir
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.config.Shell, "-c", command)
	cmd.Dir = workdir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = commandWaitDelay
	setProcessGroup(cmd)

	h.logger.Debug().Str("command", command).Msg("Running command")
	err := cmd.Run()

	outText, outCut := truncate(stdout.String(), h.config.MaxOutputBytes)
	errText, errCut := truncate(stderr.String(), h.config.MaxOutputBytes)
	output := map[string]any{
		"command":   command,
		"stdout":    outText,
		"stderr":    errText,
		"exit_code": 0,
	}
	if outCut || errCut {
		output["truncated"] = true
	}

	if err == nil {
		return &engine.HandlerResult{Success: true, Output: output}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command interrupted: %w", ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		output["exit_code"] = exitErr.ExitCode()
		msg := fmt.Sprintf("command exited with status %d", exitErr.ExitCode())
		if detail := strings.TrimSpace(errText); detail != "" {
			msg += ": " + detail
		}
		return &engine.HandlerResult{Success: false, Output: output, Error: msg}, nil
	}

	return nil, engine.NewPermanentError("failed to start command", err).WithCode(engine.ErrCodeHandlerFailed)
}

var _ engine.Handler = (*SystemHandler)(nil)
