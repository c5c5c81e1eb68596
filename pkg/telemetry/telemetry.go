package telemetry

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Telemetry bundles the logger, tracer, metrics and event bus built from one
// Config.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	logFile io.Closer
}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logFile, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	t := &Telemetry{Logger: logger, Config: cfg, logFile: logFile}

	if t.Tracer, err = NewTracer(cfg); err != nil {
		t.closeLog()
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		t.closeLog()
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		t.closeLog()
		return nil, err
	}
	return t, nil
}

// StartMetricsServer serves /metrics in the background when metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Shutdown drains pending events, flushes spans, stops the metrics server and
// closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.closeLog(),
	)
}

func (t *Telemetry) closeLog() error {
	if t.logFile == nil {
		return nil
	}
	err := t.logFile.Close()
	t.logFile = nil
	return err
}

// ObserveOracle runs fn inside an oracle span and records its latency and
// outcome. tracer and metrics may be nil.
func ObserveOracle(ctx context.Context, tracer *Tracer, metrics *Metrics, oracle, kind string, fn func(ctx context.Context) error) error {
	if tracer == nil {
		tracer = GlobalTracer()
	}
	ctx, span := tracer.StartOracleSpan(ctx, oracle, kind)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	status := "ok"
	if err != nil {
		status = "error"
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	metrics.RecordOracleCall(oracle, kind, status, time.Since(start))
	return err
}
