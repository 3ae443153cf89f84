package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ComponentLogger provides structured logging for the memo indexer
type ComponentLogger struct {
	logger    zerolog.Logger
	component string
}

// Options controls how the root logger is built
type Options struct {
	Service     string
	Version     string
	Level       string
	Environment string
	Output      io.Writer
}

// NewComponentLogger creates the root logger. Outside production the output
// is a human readable console writer; in production it is plain JSON.
func NewComponentLogger(opts Options) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339
	SetLevel(opts.Level)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Environment != "production" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(out).
		With().
		Timestamp().
		Str("service", opts.Service).
		Str("version", opts.Version).
		Str("instance_id", uuid.NewString()).
		Logger()

	return &ComponentLogger{
		logger:    logger,
		component: opts.Service,
	}
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *ComponentLogger {
	return &ComponentLogger{logger: zerolog.Nop(), component: "nop"}
}

// Component returns a child logger tagged with the component name
func (cl *ComponentLogger) Component(name string) *ComponentLogger {
	return &ComponentLogger{
		logger:    cl.logger.With().Str("component", name).Logger(),
		component: name,
	}
}

// Info returns an info level event
func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

// Debug returns a debug level event
func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// Warn returns a warn level event
func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

// Error returns an error level event
func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

// StartupConfig holds the fields logged once at startup
type StartupConfig struct {
	ProgramID         string
	StreamEndpoint    string
	RPCEndpoint       string
	HealthPort        int
	QueueCapacity     int
	ReconcileInterval time.Duration
}

// LogStartup logs startup configuration
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Str("program_id", config.ProgramID).
		Str("stream_endpoint", config.StreamEndpoint).
		Str("rpc_endpoint", config.RPCEndpoint).
		Int("health_port", config.HealthPort).
		Int("queue_capacity", config.QueueCapacity).
		Dur("reconcile_interval", config.ReconcileInterval).
		Msg("Starting memo indexer")
}

// SetLevel sets the global logging level
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
