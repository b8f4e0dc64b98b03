package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// slowQuery is the duration above which a query is logged at warn.
const slowQuery = 250 * time.Millisecond

// queryLogger routes GORM logging into slog. Bind parameters are never
// logged since segment writes carry the payload as one.
type queryLogger struct {
	logger *slog.Logger
	level  gormlogger.LogLevel
}

func newQueryLogger(logger *slog.Logger, level string) *queryLogger {
	return &queryLogger{logger: logger, level: parseLevel(level)}
}

func parseLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &queryLogger{logger: l.logger, level: level}
}

func (l *queryLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

// ParamsFilter drops bind values so traced SQL keeps its placeholders.
func (l *queryLogger) ParamsFilter(_ context.Context, sql string, _ ...any) (string, []any) {
	return sql, nil
}

func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	var level slog.Level
	msg := "database query"
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		level, msg = slog.LevelError, "database error"
	case elapsed > slowQuery && l.level >= gormlogger.Warn:
		level, msg = slog.LevelWarn, "slow query"
	case l.level >= gormlogger.Info:
		level = slog.LevelDebug
	default:
		return
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}

	sql, rows := fc()
	attrs := []slog.Attr{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}
	if level == slog.LevelError {
		attrs = append(attrs, slog.Any("error", err))
	}
	l.logger.LogAttrs(ctx, level, msg, attrs...)
}
