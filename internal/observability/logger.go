// Package observability holds the process-wide CLI logger.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs so packages and tests never see a nil logger.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger with the structured profile at info
// level, or debug when verbose is set.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	_ = Configure(name, level, ProfileStructured)
}

// Configure replaces CLILogger. Unknown levels fall back to info.
// Output goes to stderr so stdout stays free for results.
func Configure(name, level, profile string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var enc zapcore.Encoder
	switch strings.ToLower(profile) {
	case ProfileConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.TimeKey = "ts"
		enc = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	CLILogger = zap.New(core).Named(name)
	return err
}
