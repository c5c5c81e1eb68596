package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/remote"
)

// WithRemote lets commands with a "host" parameter run on configured SSH hosts.
func (h *SystemHandler) WithRemote(pool *remote.Pool) *SystemHandler {
	h.remote = pool
	return h
}

// WithRemote enables the upload and download actions.
func (h *FileHandler) WithRemote(pool *remote.Pool) *FileHandler {
	h.remote = pool
	return h
}

func remoteClient(ctx context.Context, pool *remote.Pool, host string) (*remote.Client, error) {
	if pool == nil {
		return nil, invalidParams("no remote hosts are configured, cannot reach %q", host)
	}
	c, err := pool.Client(ctx, host)
	if err != nil {
		return nil, remoteError(ctx, "connect to "+host, err)
	}
	return c, nil
}

func remoteError(ctx context.Context, op string, err error) error {
	msg := "failed to " + op
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", msg, ctx.Err())
	case errors.Is(err, remote.ErrUnknownHost):
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeInvalidParameters)
	case errors.Is(err, fs.ErrNotExist):
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeNotFound)
	case remote.IsTemporary(err):
		return engine.NewTransientError(msg, err).WithCode(engine.ErrCodeHandlerFailed)
	default:
		return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeHandlerFailed)
	}
}

func (h *SystemHandler) runRemote(ctx context.Context, host, command string) (*engine.HandlerResult, error) {
	c, err := remoteClient(ctx, h.remote, host)
	if err != nil {
		return nil, err
	}

	h.logger.Debug().Str("host", host).Str("command", command).Msg("Running remote command")
	res, err := c.Run(ctx, command)
	if err != nil {
		return nil, remoteError(ctx, "run command on "+host, err)
	}

	outText, outCut := truncate(res.Stdout, h.config.MaxOutputBytes)
	errText, errCut := truncate(res.Stderr, h.config.MaxOutputBytes)
	output := map[string]any{
		"host":      host,
		"command":   command,
		"stdout":    outText,
		"stderr":    errText,
		"exit_code": res.ExitCode,
	}
	if outCut || errCut {
		output["truncated"] = true
	}
	if res.ExitCode != 0 {
		msg := fmt.Sprintf("command exited with status %d on %s", res.ExitCode, host)
		if detail := strings.TrimSpace(errText); detail != "" {
			msg += ": " + detail
		}
		return &engine.HandlerResult{Success: false, Output: output, Error: msg}, nil
	}
	return &engine.HandlerResult{Success: true, Output: output}, nil
}

// upload sends the local "path" to "remote" on "host".
func (h *FileHandler) upload(ctx context.Context, params map[string]any) (*engine.HandlerResult, error) {
	host, err := requireString(params, "host", "file upload")
	if err != nil {
		return nil, err
	}
	local, err := h.pathParam(params, "path", "upload")
	if err != nil {
		return nil, err
	}
	target, err := requireString(params, "remote", "file upload")
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(local); err != nil {
		return nil, fileError("stat", local, err)
	}

	c, err := remoteClient(ctx, h.remote, host)
	if err != nil {
		return nil, err
	}
	mode := os.FileMode(intParam(params, "mode", 0))
	n, err := c.Upload(ctx, local, target, mode)
	if err != nil {
		return nil, remoteError(ctx, "upload to "+host, err)
	}
	return &engine.HandlerResult{Success: true, Output: map[string]any{
		"host": host, "path": local, "remote": target, "bytes": n,
	}}, nil
}

// download fetches "remote" from "host" into the local "path".
func (h *FileHandler) download(ctx context.Context, params map[string]any) (*engine.HandlerResult, error) {
	host, err := requireString(params, "host", "file download")
	if err != nil {
		return nil, err
	}
	source, err := requireString(params, "remote", "file download")
	if err != nil {
		return nil, err
	}
	local, err := h.pathParam(params, "path", "download")
	if err != nil {
		return nil, err
	}

	c, err := remoteClient(ctx, h.remote, host)
	if err != nil {
		return nil, err
	}
	n, err := c.Download(ctx, source, local)
	if err != nil {
		return nil, remoteError(ctx, "download from "+host, err)
	}
	return &engine.HandlerResult{Success: true, Output: map[string]any{
		"host": host, "path": local, "remote": source, "bytes": n,
	}}, nil
}
