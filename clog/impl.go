package clog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

var timeNow = time.Now

// loggerImpl 是 Logger 接口的具体实现
type loggerImpl struct {
	handler        slog.Handler
	levelVar       *slog.LevelVar
	baseAttrs      []slog.Attr
	namespaceParts []string
}

// newLogger 创建 Logger 实例（内部使用）
func newLogger(config *Config, options *options) (Logger, error) {
	var out io.Writer
	switch config.Output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = f
	}
	if options.writer != nil {
		out = options.writer
	}

	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(level.toSlogLevel())

	handlerOpts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	parts := options.namespaceParts
	if config.Name != "" {
		parts = append([]string{config.Name}, parts...)
	}

	return &loggerImpl{
		handler:        handler,
		levelVar:       levelVar,
		namespaceParts: parts,
	}, nil
}

func (l *loggerImpl) Debug(msg string, fields ...Field) {
	l.log(context.Background(), DebugLevel, msg, fields...)
}

func (l *loggerImpl) Info(msg string, fields ...Field) {
	l.log(context.Background(), InfoLevel, msg, fields...)
}

func (l *loggerImpl) Warn(msg string, fields ...Field) {
	l.log(context.Background(), WarnLevel, msg, fields...)
}

func (l *loggerImpl) Error(msg string, fields ...Field) {
	l.log(context.Background(), ErrorLevel, msg, fields...)
}

func (l *loggerImpl) Fatal(msg string, fields ...Field) {
	l.log(context.Background(), FatalLevel, msg, fields...)
}

func (l *loggerImpl) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, DebugLevel, msg, fields...)
}

func (l *loggerImpl) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, InfoLevel, msg, fields...)
}

func (l *loggerImpl) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, WarnLevel, msg, fields...)
}

func (l *loggerImpl) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, ErrorLevel, msg, fields...)
}

func (l *loggerImpl) FatalContext(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, FatalLevel, msg, fields...)
}

func (l *loggerImpl) With(fields ...Field) Logger {
	return &loggerImpl{
		handler:        l.handler,
		levelVar:       l.levelVar,
		baseAttrs:      append(append([]slog.Attr{}, l.baseAttrs...), fields...),
		namespaceParts: l.namespaceParts,
	}
}

func (l *loggerImpl) WithNamespace(parts ...string) Logger {
	return &loggerImpl{
		handler:        l.handler,
		levelVar:       l.levelVar,
		baseAttrs:      l.baseAttrs,
		namespaceParts: append(append([]string{}, l.namespaceParts...), parts...),
	}
}

// SetLevel 动态调整日志级别
func (l *loggerImpl) SetLevel(level Level) error {
	l.levelVar.Set(level.toSlogLevel())
	return nil
}

// NamespaceKey 是日志中命名空间的字段名
const NamespaceKey = "namespace"

// 内部方法
func (l *loggerImpl) log(ctx context.Context, level Level, msg string, fields ...Field) {
	slogLevel := level.toSlogLevel()
	if !l.handler.Enabled(ctx, slogLevel) {
		return
	}

	attrs := make([]slog.Attr, 0, len(l.baseAttrs)+len(fields)+1)
	if len(l.namespaceParts) > 0 {
		attrs = append(attrs, slog.String(NamespaceKey, strings.Join(l.namespaceParts, ".")))
	}
	attrs = append(attrs, l.baseAttrs...)
	attrs = append(attrs, fields...)

	record := slog.NewRecord(timeNow(), slogLevel, msg, 0)
	record.AddAttrs(attrs...)

	_ = l.handler.Handle(ctx, record)

	if level == FatalLevel {
		os.Exit(1)
	}
}
