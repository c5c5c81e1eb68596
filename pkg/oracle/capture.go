package oracle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const outputPlaceholder = "{output}"

// Capturer produces an image of the current screen.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// CommandCapturer runs a shell command such as
// "ffmpeg -f x11grab -i :0.0 -frames:v 1 {output} -y" or "scrot {output}".
type CommandCapturer struct {
	Command string
	Timeout time.Duration
}

// NewCommandCapturer creates a capturer for command.
func NewCommandCapturer(command string, timeout time.Duration) *CommandCapturer {
	return &CommandCapturer{Command: command, Timeout: timeout}
}

// Capture runs the command and returns the image it produced.
func (c *CommandCapturer) Capture(ctx context.Context) ([]byte, error) {
	if strings.TrimSpace(c.Command) == "" {
		return nil, fmt.Errorf("no screenshot command configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	if !strings.Contains(c.Command, outputPlaceholder) {
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("screenshot command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("screenshot command wrote no image")
		}
		return out, nil
	}

	dir, err := os.MkdirTemp("", "pilot-screen-")
	if err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "screen.png")
	cmd := exec.CommandContext(ctx, "sh", "-c", strings.ReplaceAll(c.Command, outputPlaceholder, path))
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("screenshot command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read screenshot: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("screenshot is empty")
	}
	return data, nil
}
