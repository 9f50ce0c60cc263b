// Package journal 会话事件流水（PostgreSQL，可选）
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taoyao-code/carwash-kiosk/internal/config"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
)

// OrderEvent 映射 kiosk_order_events 表
// 不使用 gorm.Model，显式声明每个字段
type OrderEvent struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	KioskID   string    `gorm:"column:kiosk_id;type:text;not null;index"`
	OrderID   string    `gorm:"column:order_id;type:text;index"`
	Kind      string    `gorm:"column:kind;type:varchar(32);not null"`
	Status    string    `gorm:"column:status;type:varchar(32)"`
	Detail    string    `gorm:"column:detail;type:text"`
	At        time.Time `gorm:"column:at;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (OrderEvent) TableName() string { return "kiosk_order_events" }

// Journal 追加写入的订单事件流水
type Journal struct {
	db      *gorm.DB
	pool    *pgxpool.Pool
	kioskID string
	logger  *zap.Logger
}

// Open 连接数据库；AutoMigrate 开启时建表
func Open(ctx context.Context, cfg config.DatabaseConfig, kioskID string, logger *zap.Logger) (*Journal, error) {
	if !cfg.Enabled {
		return nil, errors.New("database is not enabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := NewPool(ctx, cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, logger)
	if err != nil {
		return nil, fmt.Errorf("journal pool: %w", err)
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal gorm: %w", err)
	}
	j := newJournal(db, kioskID, logger)
	j.pool = pool
	if cfg.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(&OrderEvent{}); err != nil {
			j.Close()
			return nil, fmt.Errorf("journal migrate: %w", err)
		}
	}
	return j, nil
}

func newJournal(db *gorm.DB, kioskID string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: db, kioskID: kioskID, logger: logger.Named("journal")}
}

// Record 写入一条事件
func (j *Journal) Record(ctx context.Context, ev model.SessionEvent) error {
	row := toRow(j.kioskID, ev)
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record %s event for order %s: %w", ev.Kind, ev.OrderID, err)
	}
	return nil
}

// ForOrder 按时间顺序返回某订单的事件
func (j *Journal) ForOrder(ctx context.Context, orderID string, limit int) ([]OrderEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []OrderEvent
	err := j.db.WithContext(ctx).
		Where("kiosk_id = ? AND order_id = ?", j.kioskID, orderID).
		Order("at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Ping 健康检查
func (j *Journal) Ping(ctx context.Context) error {
	if j.pool != nil {
		return j.pool.Ping(ctx)
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Pool 底层连接池，供健康检查读取统计
func (j *Journal) Pool() *pgxpool.Pool { return j.pool }

// Close 关闭连接
func (j *Journal) Close() {
	if sqlDB, err := j.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if j.pool != nil {
		j.pool.Close()
	}
}

func toRow(kioskID string, ev model.SessionEvent) OrderEvent {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return OrderEvent{
		KioskID: kioskID,
		OrderID: ev.OrderID,
		Kind:    string(ev.Kind),
		Status:  ev.Status,
		Detail:  ev.Detail,
		At:      at.UTC(),
	}
}
