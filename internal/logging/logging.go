package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the node's JSON logger. Every entry carries the node name
// so lines from several nodes can be merged.
func NewLogger(level, node string) (*zap.Logger, error) {
	cfg, err := productionConfig(level)
	if err != nil {
		return nil, err
	}
	if node != "" {
		cfg.InitialFields = map[string]any{"node": node}
	}
	return cfg.Build()
}

func productionConfig(level string) (zap.Config, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
		return zap.Config{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.MessageKey = "msg"
	return cfg, nil
}
