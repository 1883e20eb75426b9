package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/taogrid/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Position persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// One record per position, updated on every committed transition. The record
// carries everything needed to reconstruct the position store exactly after
// a restart.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// PositionRecord mirrors types.Position for storage.
type PositionRecord struct {
	ID              string          `gorm:"primaryKey"`
	InvestedAmount  decimal.Decimal `gorm:"type:decimal(20,12)"`
	EntryPrice      decimal.Decimal `gorm:"type:decimal(20,12)"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,12)"`
	SellTargetPrice decimal.Decimal `gorm:"type:decimal(20,12)"`
	StopPrice       decimal.Decimal `gorm:"type:decimal(20,12)"`
	Status          string          `gorm:"index"`
	OpenedAt        time.Time
	ClosedAt        *time.Time
	ExitPrice       decimal.Decimal `gorm:"type:decimal(20,12)"`
	RealizedProfit  decimal.Decimal `gorm:"type:decimal(20,12)"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New opens the database. A postgres:// DSN selects PostgreSQL, anything
// else is treated as an SQLite file path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&PositionRecord{}); err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// SavePosition upserts one position. Implements store.Persister.
func (d *Database) SavePosition(pos *types.Position) error {
	rec := toRecord(pos)
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// LoadPositions returns every persisted position, oldest first.
func (d *Database) LoadPositions() ([]types.Position, error) {
	var records []PositionRecord
	if err := d.db.Order("opened_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}

	positions := make([]types.Position, len(records))
	for i, rec := range records {
		positions[i] = fromRecord(rec)
	}
	return positions, nil
}

// Close closes the underlying connection.
func (d *Database) Close() {
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func toRecord(pos *types.Position) PositionRecord {
	rec := PositionRecord{
		ID:              pos.ID,
		InvestedAmount:  pos.InvestedAmount,
		EntryPrice:      pos.EntryPrice,
		Quantity:        pos.Quantity,
		SellTargetPrice: pos.SellTargetPrice,
		StopPrice:       pos.StopPrice,
		Status:          string(pos.Status),
		OpenedAt:        pos.OpenedAt,
		ExitPrice:       pos.ExitPrice,
		RealizedProfit:  pos.RealizedProfit,
	}
	if !pos.ClosedAt.IsZero() {
		t := pos.ClosedAt
		rec.ClosedAt = &t
	}
	return rec
}

func fromRecord(rec PositionRecord) types.Position {
	pos := types.Position{
		ID:              rec.ID,
		InvestedAmount:  rec.InvestedAmount,
		EntryPrice:      rec.EntryPrice,
		Quantity:        rec.Quantity,
		SellTargetPrice: rec.SellTargetPrice,
		StopPrice:       rec.StopPrice,
		Status:          types.Status(rec.Status),
		OpenedAt:        rec.OpenedAt,
		ExitPrice:       rec.ExitPrice,
		RealizedProfit:  rec.RealizedProfit,
	}
	if rec.ClosedAt != nil {
		pos.ClosedAt = *rec.ClosedAt
	}
	return pos
}
