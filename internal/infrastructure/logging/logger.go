package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ledgerline/session-core/internal/infrastructure/config"
)

// Logger is sessiond's structured logger, an slog.Logger carrying the
// service identity on every record.
//
// Log lines sit next to the audit trail in any investigation of a
// session incident, so they get the same discipline: no token
// material, no passphrases, device identities only as the opaque
// digest. Callers enforce that; this package just shapes the output.
//
// Thread Safety: all methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging section of config.yaml: level
// filtering, json or text format, stdout or stderr.
func New(cfg config.LoggingConfig, version string) *Logger {
	handler := buildHandler(cfg).WithAttrs([]slog.Attr{
		slog.String("service", "sessiond"),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// buildHandler picks output, format and level from config. JSON is the
// default format since sessiond usually runs as a daemon under a log
// collector; text is for a developer's terminal.
func buildHandler(cfg config.LoggingConfig) slog.Handler {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	if strings.ToLower(cfg.Format) == "text" {
		return slog.NewTextHandler(output, opts)
	}
	return slog.NewJSONHandler(output, opts)
}

// parseLevel maps a config string to an slog.Level, defaulting to info
// for anything unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger carrying additional default attributes.
//
//	busLogger := logger.With("component", "syncbus")
//	busLogger.Info("connected") // includes component=syncbus
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is the bootstrap logger for the window before config loads:
// stdout, JSON, info level.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
