package observability

import (
	"context"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/stagehand/internal/config"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: infrastructure failures (store down, recovered panics), 5xx responses
//   - warn:  client errors (4xx), failed executions, notifier breaker open
//   - info:  execution lifecycle, step transitions, definition reload
//   - debug: step artifacts, redacted execution params
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with the request id and trace id
// carried by ctx. If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if id := middleware.GetReqID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// defaultSensitiveFragments mark parameter names whose values must not be
// logged. Matching is case-insensitive on substrings.
var defaultSensitiveFragments = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
	"private_key",
}

// RedactParams returns a copy of params with sensitive values replaced by
// "[REDACTED]". extra names are matched exactly, case-insensitively.
func RedactParams(params map[string]string, extra []string) map[string]string {
	if params == nil {
		return nil
	}
	exact := make(map[string]bool, len(extra))
	for _, f := range extra {
		exact[strings.ToLower(f)] = true
	}

	result := make(map[string]string, len(params))
	for k, v := range params {
		if isSensitive(strings.ToLower(k), exact) {
			result[k] = "[REDACTED]"
		} else {
			result[k] = v
		}
	}
	return result
}

func isSensitive(key string, exact map[string]bool) bool {
	if exact[key] {
		return true
	}
	for _, frag := range defaultSensitiveFragments {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}
