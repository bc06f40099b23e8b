package logger

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ticketsync/pkg/trace"
)

// NewLogger 创建 zap logger
// level: debug / info / warn / error，空值为 info
// LOG_FORMAT=console 时使用开发模式输出
func NewLogger(level string) *zap.Logger {
	var cfg zap.Config
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// WithTrace 从 context 中提取 trace_id 并添加到 logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := trace.FromContext(ctx)
	if traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}

// ForIntegration scopes a logger to one integration and channel.
func ForIntegration(logger *zap.Logger, integrationID, channel string) *zap.Logger {
	fields := []zap.Field{zap.String("integration_id", integrationID)}
	if channel != "" {
		fields = append(fields, zap.String("channel", channel))
	}
	return logger.With(fields...)
}
