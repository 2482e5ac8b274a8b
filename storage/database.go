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
	"gorm.io/gorm/logger"

	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORAGE - Trade history and crash recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two tables: closed trades for the ledger, open positions so a restart can
// pick the portfolio back up. SQLite by default, PostgreSQL when the path is
// a connection string.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// TradeRecord is a closed trade
type TradeRecord struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	MarketID   string          `gorm:"index"`
	Side       string          // "UP" or "DOWN"
	TokenID    string
	EntryPrice decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExitPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size       decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnL        decimal.Decimal `gorm:"type:decimal(20,6)"`
	ExitReason string          `gorm:"index"`
	Strategy   string
	EnteredAt  time.Time
	ExitedAt   time.Time
	CreatedAt  time.Time
}

// OpenPositionRecord is a live position persisted for recovery. The market
// columns (slug, question, expiry) let a restart rebuild the market and keep
// supervising even after the feed window has rotated past it.
type OpenPositionRecord struct {
	MarketID     string          `gorm:"primaryKey"`
	Slug         string
	Question     string
	ExpiresAt    time.Time
	Side         string
	TokenID      string
	EntryPrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size         decimal.Decimal `gorm:"type:decimal(20,6)"`
	SoldSize     decimal.Decimal `gorm:"type:decimal(20,6)"`
	SaleProceeds decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status       string
	Strategy     string
	EnteredAt    time.Time
	UpdatedAt    time.Time
}

// New opens the database and migrates the schema
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

	if err := db.AutoMigrate(&TradeRecord{}, &OpenPositionRecord{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// RecordTrade appends a closed position to the trade ledger
func (d *Database) RecordTrade(pos *types.Position) error {
	return d.db.Create(&TradeRecord{
		MarketID:   pos.MarketID,
		Side:       string(pos.Side),
		TokenID:    pos.TokenID,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  pos.ExitPrice,
		Size:       pos.Size,
		PnL:        pos.RealizedPnL(),
		ExitReason: string(pos.ExitReason),
		Strategy:   pos.Strategy,
		EnteredAt:  pos.EntryTime,
		ExitedAt:   pos.ExitTime,
	}).Error
}

// SaveOpen upserts a live position together with its market metadata
func (d *Database) SaveOpen(pos *types.Position, market *types.Market) error {
	rec := &OpenPositionRecord{
		MarketID:     pos.MarketID,
		Side:         string(pos.Side),
		TokenID:      pos.TokenID,
		EntryPrice:   pos.EntryPrice,
		Size:         pos.Size,
		SoldSize:     pos.SoldSize,
		SaleProceeds: pos.SaleProceeds,
		Status:       string(pos.Status),
		Strategy:     pos.Strategy,
		EnteredAt:    pos.EntryTime,
	}
	if market != nil {
		rec.Slug = market.Slug
		rec.Question = market.Question
		rec.ExpiresAt = market.ExpiresAt
	}
	return d.db.Save(rec).Error
}

// DeleteOpen removes a position once it closes
func (d *Database) DeleteOpen(marketID string) error {
	return d.db.Delete(&OpenPositionRecord{}, "market_id = ?", marketID).Error
}

// LoadOpen returns every persisted live position and, keyed by market ID,
// the rebuilt market each one belongs to. Records written without market
// metadata yield no market entry.
func (d *Database) LoadOpen() ([]*types.Position, map[string]*types.Market, error) {
	var records []OpenPositionRecord
	if err := d.db.Find(&records).Error; err != nil {
		return nil, nil, err
	}

	positions := make([]*types.Position, 0, len(records))
	markets := make(map[string]*types.Market)
	for _, r := range records {
		positions = append(positions, &types.Position{
			MarketID:     r.MarketID,
			Side:         types.Side(r.Side),
			TokenID:      r.TokenID,
			EntryPrice:   r.EntryPrice,
			Size:         r.Size,
			SoldSize:     r.SoldSize,
			SaleProceeds: r.SaleProceeds,
			Status:       types.PositionStatus(r.Status),
			Strategy:     r.Strategy,
			EntryTime:    r.EnteredAt,
		})
		if r.Slug != "" && !r.ExpiresAt.IsZero() {
			markets[r.MarketID] = &types.Market{
				ID:        r.MarketID,
				Slug:      r.Slug,
				Question:  r.Question,
				Tokens:    map[types.Side]string{types.Side(r.Side): r.TokenID},
				ExpiresAt: r.ExpiresAt,
			}
		}
	}
	return positions, markets, nil
}

// RecentTrades returns the latest closed trades
func (d *Database) RecentTrades(limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.Order("exited_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// TotalPnL sums realized profit across the ledger
func (d *Database) TotalPnL() (decimal.Decimal, error) {
	var trades []TradeRecord
	if err := d.db.Find(&trades).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.PnL)
	}
	return total, nil
}

// Close shuts the underlying connection down
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
