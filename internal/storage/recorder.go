package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"reqroute/internal/logger"
)

// TrafficRecord 单条拦截裁决的流量记录
type TrafficRecord struct {
	ID           uint   `gorm:"primaryKey"`
	RequestID    string `gorm:"index"`
	TraceID      string `gorm:"index"`
	URL          string
	Method       string
	ResourceType string
	Decision     string
	AbortReason  string
	StatusCode   int
	Registration string
	DurationMS   float64
	CreatedAt    time.Time
}

// Recorder 流量记录器，拦截裁决落库 SQLite
type Recorder struct {
	db  *gorm.DB
	log logger.Logger
}

// NewRecorder 打开数据库并完成表结构迁移
func NewRecorder(dsn, prefix string, l logger.Logger) (*Recorder, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: prefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&TrafficRecord{}); err != nil {
		return nil, fmt.Errorf("migrate traffic record: %w", err)
	}
	return &Recorder{db: db, log: l}, nil
}

// Record 写入一条流量记录
func (r *Recorder) Record(ctx context.Context, rec *TrafficRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// Recent 返回最近 n 条流量记录，新记录在前
func (r *Recorder) Recent(n int) ([]TrafficRecord, error) {
	var out []TrafficRecord
	err := r.db.Order("id desc").Limit(n).Find(&out).Error
	return out, err
}

// CountByDecision 按裁决类型统计记录数
func (r *Recorder) CountByDecision(decision string) (int64, error) {
	var n int64
	err := r.db.Model(&TrafficRecord{}).Where("decision = ?", decision).Count(&n).Error
	return n, err
}

// Close 关闭底层数据库连接
func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
