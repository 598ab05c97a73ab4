// Package observability owns logger construction for the CLI and the
// control server.
//
// Two loggers are exposed as package globals so command code can log
// before full configuration is loaded:
//
//   - CLILogger: console encoding, meant for operator-facing command
//     output on stderr.
//   - ServerLogger: structured JSON encoding, meant for the long-running
//     serve and agent loops.
//
// Both default to a usable info-level configuration and are replaced by
// Init once configuration is available.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	CLILogger    = mustConsoleLogger(zapcore.InfoLevel)
	ServerLogger = mustStructuredLogger(zapcore.InfoLevel)
)

// Init reconfigures the package loggers from the logging config section.
//
// profile selects the server encoding: "STRUCTURED" for JSON, "CONSOLE"
// for human-readable output. The CLI logger always stays console-encoded.
func Init(level, profile string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	CLILogger = mustConsoleLogger(lvl)

	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", "STRUCTURED":
		ServerLogger = mustStructuredLogger(lvl)
	case "CONSOLE":
		ServerLogger = mustConsoleLogger(lvl)
	default:
		return fmt.Errorf("unknown logging profile: %s", profile)
	}
	return nil
}

// Sync flushes both loggers. Safe to call from deferred shutdown paths.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func mustConsoleLogger(lvl zapcore.Level) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func mustStructuredLogger(lvl zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
