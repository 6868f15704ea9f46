package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "voxserve"

type Options struct {
	Verbose bool
	JSON    bool
}

// New builds the process logger. JSON output is meant for log collectors and
// carries the service name on every line; console output is for terminals.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	if !opts.JSON {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeCaller = nil
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !opts.Verbose

	if opts.JSON {
		cfg.Encoding = "json"
		cfg.InitialFields = map[string]interface{}{"service": serviceName}
	} else {
		cfg.Encoding = "console"
	}

	return cfg.Build()
}
