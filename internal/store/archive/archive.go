package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TradeRecord is the durable row written for every closed or
// liquidated position. The live ledger runs on the KV store; the
// archive is a write-behind history for reporting and audit.
type TradeRecord struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	PositionID   string    `gorm:"size:64;uniqueIndex"`
	UserID       string    `gorm:"size:64;index"`
	Symbol       string    `gorm:"size:32;index"`
	Side         string    `gorm:"size:8"`
	EntryPrice   float64
	ClosePrice   float64
	Size         float64
	Leverage     float64
	Margin       float64
	RealizedPnL  float64
	FundingPaid  float64
	Outcome      string `gorm:"size:16"` // win | loss | liquidated
	OpenedAt     time.Time
	ClosedAt     time.Time `gorm:"index"`
	HoldDuration int64     // seconds
	CreatedAt    time.Time
}

func (TradeRecord) TableName() string { return "trades" }

// AuditEvent persists one fire-and-forget compliance event.
type AuditEvent struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	EventID   string         `gorm:"size:64;uniqueIndex"`
	EventType string         `gorm:"size:48;index"`
	UserID    string         `gorm:"size:64;index"`
	Details   datatypes.JSON `gorm:"type:json"`
	CreatedAt time.Time      `gorm:"index"`
}

func (AuditEvent) TableName() string { return "audit_events" }

// Archive implements trade and audit history on gorm + SQLite.
type Archive struct {
	db *gorm.DB
}

func Open(path string) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("archive: db path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TradeRecord{}, &AuditEvent{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for HTTP reads, low contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Archive{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (a *Archive) SaveTrade(ctx context.Context, rec TradeRecord) error {
	if a == nil || a.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return a.db.WithContext(ctx).Create(&rec).Error
}

func (a *Archive) ListTrades(ctx context.Context, userID string, limit int) ([]TradeRecord, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []TradeRecord
	q := a.db.WithContext(ctx).Order("closed_at DESC").Limit(limit)
	if strings.TrimSpace(userID) != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Archive) SaveEvent(ctx context.Context, evt AuditEvent) error {
	if a == nil || a.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	return a.db.WithContext(ctx).Create(&evt).Error
}

func (a *Archive) ListEvents(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []AuditEvent
	q := a.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if strings.TrimSpace(userID) != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
