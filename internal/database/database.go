package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/fundingbot/ports"
	"github.com/web3guy0/fundingbot/types"
)

// Store is the gorm-backed TradeStore. It is the single source of truth for
// intended exposure; writes are serialized through an internal mutex so no
// two goroutines race on the same trade row.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// TradeRecord is the persisted shape of a types.Trade (legs flattened).
type TradeRecord struct {
	TradeID string `gorm:"primaryKey"`
	Symbol  string `gorm:"index"`

	Leg1Venue      string
	Leg1Side       string
	Leg1OrderID    string
	Leg1Qty        decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leg1FilledQty  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leg1EntryPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leg1ExitPrice  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leg1Fees       decimal.Decimal `gorm:"type:decimal(20,8)"`

	Leg2Venue      string
	Leg2Side       string
	Leg2OrderID    string
	Leg2Qty        decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leg2FilledQty  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leg2EntryPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leg2ExitPrice  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leg2Fees       decimal.Decimal `gorm:"type:decimal(20,8)"`

	TargetQty         decimal.Decimal `gorm:"type:decimal(20,8)"`
	TargetNotionalUSD decimal.Decimal `gorm:"type:decimal(20,8)"`

	Status    string `gorm:"index"`
	ExecState string

	FundingCollected  decimal.Decimal `gorm:"type:decimal(20,8)"`
	LastFundingUpdate *time.Time

	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,8)"`
	HighWaterMark decimal.Decimal `gorm:"type:decimal(20,8)"`

	EntryAPY    decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntrySpread decimal.Decimal `gorm:"type:decimal(20,8)"`
	CurrentAPY  decimal.Decimal `gorm:"type:decimal(20,8)"`
	CloseReason string
	Error       string

	EventsJSON string `gorm:"type:text"`

	CreatedAt time.Time
	OpenedAt  *time.Time
	ClosedAt  *time.Time
	UpdatedAt time.Time
}

// TableName keeps the table name stable across model renames
func (TradeRecord) TableName() string { return "trades" }

// New opens the database. A postgres:// DSN selects PostgreSQL, anything
// else is treated as a SQLite path.
func New(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

var _ ports.TradeStore = (*Store)(nil)

// CreateTrade inserts a new trade row
func (s *Store) CreateTrade(ctx context.Context, t *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := toRecord(t)
	return s.db.WithContext(ctx).Create(rec).Error
}

// UpdateTrade persists the full current state of the trade
func (s *Store) UpdateTrade(ctx context.Context, t *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := toRecord(t)
	res := s.db.WithContext(ctx).Save(rec)
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// GetTrade loads one trade by id
func (s *Store) GetTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	var rec TradeRecord
	err := s.db.WithContext(ctx).First(&rec, "trade_id = ?", tradeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec), nil
}

// ListOpenTrades returns trades with status PENDING, OPENING, OPEN or CLOSING
func (s *Store) ListOpenTrades(ctx context.Context) ([]*types.Trade, error) {
	var recs []TradeRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(types.TradePending),
			string(types.TradeOpening),
			string(types.TradeOpen),
			string(types.TradeClosing),
		}).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Trade, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out, nil
}

// ListTradesByStatus returns up to limit most recent trades in a status
func (s *Store) ListTradesByStatus(ctx context.Context, status types.TradeStatus, limit int) ([]*types.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []TradeRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Trade, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out, nil
}

// AppendEvent adds one audit event to a trade's event log
func (s *Store) AppendEvent(ctx context.Context, tradeID string, evt types.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec TradeRecord
	if err := s.db.WithContext(ctx).First(&rec, "trade_id = ?", tradeID).Error; err != nil {
		return err
	}

	var evts []types.TradeEvent
	if rec.EventsJSON != "" {
		if err := json.Unmarshal([]byte(rec.EventsJSON), &evts); err != nil {
			log.Warn().Str("trade_id", tradeID).Err(err).Msg("corrupt trade event log, resetting")
			evts = nil
		}
	}
	evts = append(evts, evt)

	raw, err := json.Marshal(evts)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("trade_id = ?", tradeID).
		Update("events_json", string(raw)).Error
}

// Stats aggregates lifetime trade statistics
func (s *Store) Stats(ctx context.Context) (ports.TradeStats, error) {
	var stats ports.TradeStats

	var total, open, closed, failed int64
	db := s.db.WithContext(ctx).Model(&TradeRecord{})
	if err := db.Count(&total).Error; err != nil {
		return stats, err
	}
	s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("status IN ?", []string{string(types.TradeOpening), string(types.TradeOpen), string(types.TradeClosing)}).
		Count(&open)
	s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("status = ?", string(types.TradeClosed)).Count(&closed)
	s.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("status IN ?", []string{string(types.TradeFailed), string(types.TradeRollback)}).
		Count(&failed)

	type sums struct {
		PnL     decimal.Decimal
		Funding decimal.Decimal
		Fees    decimal.Decimal
	}
	var recs []TradeRecord
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(types.TradeClosed)).
		Find(&recs).Error; err != nil {
		return stats, err
	}
	var agg sums
	for i := range recs {
		agg.PnL = agg.PnL.Add(recs[i].RealizedPnL)
		agg.Funding = agg.Funding.Add(recs[i].FundingCollected)
		agg.Fees = agg.Fees.Add(recs[i].Leg1Fees).Add(recs[i].Leg2Fees)
	}

	stats.TotalTrades = total
	stats.OpenTrades = open
	stats.ClosedTrades = closed
	stats.FailedTrades = failed
	stats.TotalRealizedPnL = agg.PnL.String()
	stats.TotalFunding = agg.Funding.String()
	stats.TotalFees = agg.Fees.String()
	return stats, nil
}

// Cleanup deletes terminal trades older than the retention window
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{
			string(types.TradeClosed),
			string(types.TradeRejected),
			string(types.TradeFailed),
		}, cutoff).
		Delete(&TradeRecord{})
	return res.RowsAffected, res.Error
}

func toRecord(t *types.Trade) *TradeRecord {
	rec := &TradeRecord{
		TradeID: t.TradeID,
		Symbol:  t.Symbol,

		Leg1Venue:      string(t.Leg1.Venue),
		Leg1Side:       string(t.Leg1.Side),
		Leg1OrderID:    t.Leg1.OrderID,
		Leg1Qty:        t.Leg1.Qty,
		Leg1FilledQty:  t.Leg1.FilledQty,
		Leg1EntryPrice: t.Leg1.EntryPrice,
		Leg1ExitPrice:  t.Leg1.ExitPrice,
		Leg1Fees:       t.Leg1.Fees,

		Leg2Venue:      string(t.Leg2.Venue),
		Leg2Side:       string(t.Leg2.Side),
		Leg2OrderID:    t.Leg2.OrderID,
		Leg2Qty:        t.Leg2.Qty,
		Leg2FilledQty:  t.Leg2.FilledQty,
		Leg2EntryPrice: t.Leg2.EntryPrice,
		Leg2ExitPrice:  t.Leg2.ExitPrice,
		Leg2Fees:       t.Leg2.Fees,

		TargetQty:         t.TargetQty,
		TargetNotionalUSD: t.TargetNotionalUSD,

		Status:    string(t.Status),
		ExecState: string(t.ExecState),

		FundingCollected: t.FundingCollected,
		RealizedPnL:      t.RealizedPnL,
		HighWaterMark:    t.HighWaterMark,

		EntryAPY:    t.EntryAPY,
		EntrySpread: t.EntrySpread,
		CurrentAPY:  t.CurrentAPY,
		CloseReason: t.CloseReason,
		Error:       t.Error,

		CreatedAt: t.CreatedAt,
	}

	if !t.LastFundingUpdate.IsZero() {
		ts := t.LastFundingUpdate
		rec.LastFundingUpdate = &ts
	}
	if !t.OpenedAt.IsZero() {
		ts := t.OpenedAt
		rec.OpenedAt = &ts
	}
	if !t.ClosedAt.IsZero() {
		ts := t.ClosedAt
		rec.ClosedAt = &ts
	}
	if len(t.Events) > 0 {
		if raw, err := json.Marshal(t.Events); err == nil {
			rec.EventsJSON = string(raw)
		}
	}
	return rec
}

func fromRecord(rec *TradeRecord) *types.Trade {
	t := &types.Trade{
		TradeID: rec.TradeID,
		Symbol:  rec.Symbol,

		Leg1: types.TradeLeg{
			Venue:      types.Venue(rec.Leg1Venue),
			Side:       types.Side(rec.Leg1Side),
			OrderID:    rec.Leg1OrderID,
			Qty:        rec.Leg1Qty,
			FilledQty:  rec.Leg1FilledQty,
			EntryPrice: rec.Leg1EntryPrice,
			ExitPrice:  rec.Leg1ExitPrice,
			Fees:       rec.Leg1Fees,
		},
		Leg2: types.TradeLeg{
			Venue:      types.Venue(rec.Leg2Venue),
			Side:       types.Side(rec.Leg2Side),
			OrderID:    rec.Leg2OrderID,
			Qty:        rec.Leg2Qty,
			FilledQty:  rec.Leg2FilledQty,
			EntryPrice: rec.Leg2EntryPrice,
			ExitPrice:  rec.Leg2ExitPrice,
			Fees:       rec.Leg2Fees,
		},

		TargetQty:         rec.TargetQty,
		TargetNotionalUSD: rec.TargetNotionalUSD,

		Status:    types.TradeStatus(rec.Status),
		ExecState: types.ExecState(rec.ExecState),

		FundingCollected: rec.FundingCollected,
		RealizedPnL:      rec.RealizedPnL,
		HighWaterMark:    rec.HighWaterMark,

		EntryAPY:    rec.EntryAPY,
		EntrySpread: rec.EntrySpread,
		CurrentAPY:  rec.CurrentAPY,
		CloseReason: rec.CloseReason,
		Error:       rec.Error,

		CreatedAt: rec.CreatedAt,
	}

	if rec.LastFundingUpdate != nil {
		t.LastFundingUpdate = *rec.LastFundingUpdate
	}
	if rec.OpenedAt != nil {
		t.OpenedAt = *rec.OpenedAt
	}
	if rec.ClosedAt != nil {
		t.ClosedAt = *rec.ClosedAt
	}
	if rec.EventsJSON != "" {
		var evts []types.TradeEvent
		if err := json.Unmarshal([]byte(rec.EventsJSON), &evts); err == nil {
			t.Events = evts
		} else {
			log.Warn().Str("trade_id", rec.TradeID).Msg(fmt.Sprintf("unreadable event log: %v", err))
		}
	}
	return t
}
