package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/remote"
)

// Registry holds the handlers built from a Config.
type Registry struct {
	handlers map[engine.Capability]engine.Handler
	browser  *BrowserHandler
	file     *FileHandler
	remote   *remote.Pool
}

// NewRegistry builds the enabled handlers. Input and media have no built-in
// handler; steps using them fail as unknown capabilities unless registered
// with Register.
func NewRegistry(cfg Config, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{handlers: make(map[engine.Capability]engine.Handler)}
	if len(cfg.Remote.Hosts) > 0 {
		r.remote = remote.NewPool(cfg.Remote, logger)
	}

	if cfg.System.Enabled {
		r.handlers[engine.CapabilitySystem] = NewSystemHandler(cfg.System, logger).WithRemote(r.remote)
	}
	if cfg.File.Enabled {
		file, err := NewFileHandler(cfg.File, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create file handler: %w", err)
		}
		r.file = file.WithRemote(r.remote)
		r.handlers[engine.CapabilityFile] = file
	}
	if cfg.Browser.Enabled {
		r.browser = NewBrowserHandler(cfg.Browser, logger)
		r.handlers[engine.CapabilityBrowser] = r.browser
	}
	if cfg.Analysis.Enabled {
		r.handlers[engine.CapabilityAnalysis] = NewAnalysisHandler(cfg.Analysis, logger)
	}

	return r, nil
}

// Register adds or replaces the handler for a capability.
func (r *Registry) Register(capability engine.Capability, handler engine.Handler) {
	r.handlers[capability] = handler
}

// Handlers returns a copy of the capability map for the executor.
func (r *Registry) Handlers() map[engine.Capability]engine.Handler {
	out := make(map[engine.Capability]engine.Handler, len(r.handlers))
	for c, h := range r.handlers {
		out[c] = h
	}
	return out
}

// Capabilities lists the registered capabilities in declaration order.
func (r *Registry) Capabilities() []engine.Capability {
	var out []engine.Capability
	for _, c := range engine.AllCapabilities() {
		if _, ok := r.handlers[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// FileRoot returns the file handler's root, or "" when it is disabled.
func (r *Registry) FileRoot() string {
	if r.file == nil {
		return ""
	}
	return r.file.Root()
}

// RemoteHosts lists the configured SSH host names.
func (r *Registry) RemoteHosts() []string {
	if r.remote == nil {
		return nil
	}
	return r.remote.Hosts()
}

// Close releases the browser session and SSH connections.
func (r *Registry) Close() {
	if r.browser != nil {
		r.browser.Close()
	}
	if r.remote != nil {
		_ = r.remote.Close()
	}
}

// Name implements engine.ContextProvider.
func (r *Registry) Name() string {
	return "environment"
}

// Collect reports what the handlers can reach, so plans use real paths and
// host names.
func (r *Registry) Collect(ctx context.Context) (map[string]any, error) {
	caps := r.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	out := map[string]any{"capabilities": names}
	if root := r.FileRoot(); root != "" {
		out["file_root"] = root
	}
	if hosts := r.RemoteHosts(); len(hosts) > 0 {
		out["remote_hosts"] = hosts
	}
	return out, nil
}

var _ engine.ContextProvider = (*Registry)(nil)
