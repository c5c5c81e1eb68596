package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from cfg. When Output names a file the
// returned closer must be closed on shutdown; otherwise it is nil.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(parseLogLevel(cfg.Level)).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()

	if cfg.EnableSampling {
		logger = logger.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return logger, closer, nil
}

func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	default:
		return time.RFC3339
	}
}
