package storage

import (
	"context"
	"time"

	gormlog "gorm.io/gorm/logger"

	"reqroute/internal/ctxkeys"
	"reqroute/internal/logger"
)

const slowThreshold = time.Second

// GormLogger 将 GORM 日志桥接到统一日志接口，SQL 日志携带 traceId
type GormLogger struct {
	log   logger.Logger
	level gormlog.LogLevel
}

// NewGormLogger 创建 GORM 日志桥接，默认只记录慢查询与错误
func NewGormLogger(l logger.Logger) *GormLogger {
	return &GormLogger{log: l, level: gormlog.Warn}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level gormlog.LogLevel) gormlog.Interface {
	out := *l
	out.level = level
	return &out
}

// Info 打印info级别日志
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlog.Info {
		l.log.Info(msg, withTrace(ctx, data)...)
	}
}

// Warn 打印warn级别日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlog.Warn {
		l.log.Warn(msg, withTrace(ctx, data)...)
	}
}

// Error 打印error级别日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlog.Error {
		l.log.Error(msg, withTrace(ctx, data)...)
	}
}

// Trace 打印SQL执行日志
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlog.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := withTrace(ctx, []any{
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds()) / 1e6,
	})

	switch {
	case err != nil && l.level >= gormlog.Error:
		l.log.Err(err, "SQL执行错误", fields...)
	case elapsed > slowThreshold && l.level >= gormlog.Warn:
		l.log.Warn("慢SQL查询", append(fields, "threshold", slowThreshold.String())...)
	case l.level >= gormlog.Info:
		l.log.Debug("SQL执行", fields...)
	}
}

func withTrace(ctx context.Context, data []any) []any {
	return append([]any{"traceId", ctxkeys.TraceID(ctx)}, data...)
}
