package logger

import (
	"context"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global atomic.Pointer[zap.Logger]
	// wrapped 供包级 Debug/Info/Warn/Error 使用，多跳过一层调用栈
	wrapped atomic.Pointer[zap.Logger]
)

func init() {
	store(zap.NewNop())
}

func store(l *zap.Logger) *zap.Logger {
	wrapped.Store(l.WithOptions(zap.AddCallerSkip(1)))
	return global.Swap(l)
}

// Init 初始化全局 logger；format 为 json 或 console
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	store(l)
	return nil
}

// Replace swaps the global logger, returning a function that restores the previous one.
func Replace(l *zap.Logger) func() {
	prev := store(l)
	return func() { store(prev) }
}

func L() *zap.Logger { return global.Load() }

// Ctx 返回附带 trace_id/span_id 的 logger
func Ctx(ctx context.Context) *zap.Logger {
	l := global.Load()
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return l
	}
	return l.With(
		zap.String("trace_id", spanCtx.TraceID().String()),
		zap.String("span_id", spanCtx.SpanID().String()),
	)
}

func Debug(msg string, fields ...zap.Field) { wrapped.Load().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { wrapped.Load().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { wrapped.Load().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { wrapped.Load().Error(msg, fields...) }

func Sync() error { return global.Load().Sync() }
