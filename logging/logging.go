// Package logging builds the zap loggers handed to clients, servers and transports.
package logging

import (
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvVerbose names the environment variable that switches on debug output.
const EnvVerbose = "RPC_VERBOSE"

// New returns a console logger at debug level when verbose is set, and a JSON logger at
// info level otherwise.
func New(verbose bool) *zap.Logger {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// FromEnv is New with verbosity read from RPC_VERBOSE ("1", "true", ...).
func FromEnv() *zap.Logger {
	verbose, _ := strconv.ParseBool(os.Getenv(EnvVerbose))
	return New(verbose)
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
