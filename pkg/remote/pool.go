package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Pool keeps one connection per configured host, dialing on first use and
// redialing when a connection stops answering keepalives.
type Pool struct {
	hosts  map[string]HostConfig
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a pool over cfg.Hosts.
func NewPool(cfg Config, logger zerolog.Logger) *Pool {
	hosts := make(map[string]HostConfig, len(cfg.Hosts))
	for name, h := range cfg.Hosts {
		hosts[name] = h
	}
	return &Pool{
		hosts:   hosts,
		logger:  logger.With().Str("component", "remote").Logger(),
		clients: make(map[string]*Client),
	}
}

// Hosts lists the configured host names in sorted order.
func (p *Pool) Hosts() []string {
	names := make([]string, 0, len(p.hosts))
	for name := range p.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Client returns a live connection to the named host.
func (p *Pool) Client(ctx context.Context, name string) (*Client, error) {
	cfg, ok := p.hosts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHost, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[name]; ok {
		if c.Alive() {
			return c, nil
		}
		p.logger.Warn().Str("host", name).Msg("SSH connection is dead, reconnecting")
		_ = c.Close()
		delete(p.clients, name)
	}

	c, err := Dial(ctx, name, cfg, p.logger)
	if err != nil {
		return nil, err
	}
	p.clients[name] = c
	return c, nil
}

// Close closes every open connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(p.clients, name)
	}
	return errors.Join(errs...)
}
