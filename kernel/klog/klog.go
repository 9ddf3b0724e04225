// Package klog builds the zap loggers used by the memory subsystem. Loggers
// are constructed once by the startup code and handed to each component.
package klog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and destination of the kernel log.
type Config struct {
	Level zapcore.Level `yaml:"level"`

	// Format is "console" (the default) or "json".
	Format string `yaml:"format"`

	// Output is a file path, "stdout" or "stderr". Logs go to stderr when
	// it is empty.
	Output string `yaml:"output"`
}

// New returns a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	enc, err := encoderFor(cfg.Format)
	if err != nil {
		return nil, err
	}

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	ws, _, err := zap.Open(output)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
	}

	return newLogger(cfg.Level, enc, ws), nil
}

// NewEarly returns a console logger that writes into a fresh Sink. The sink
// holds the most recent entries until SetOutput is called on it.
func NewEarly(level zapcore.Level) (*zap.Logger, *Sink) {
	sink := &Sink{}
	enc, _ := encoderFor("console")
	return newLogger(level, enc, sink), sink
}

func newLogger(level zapcore.Level, enc zapcore.Encoder, ws zapcore.WriteSyncer) *zap.Logger {
	return zap.New(
		zapcore.NewCore(enc, ws, level),
		zap.AddCaller(),
		zap.Fields(zap.String("subsystem", "mm")),
	)
}

func encoderFor(format string) (zapcore.Encoder, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	switch format {
	case "", "console":
		return zapcore.NewConsoleEncoder(encCfg), nil
	case "json":
		return zapcore.NewJSONEncoder(encCfg), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
