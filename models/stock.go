package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PricePoint is one trading day of a tracked symbol. (symbol, date) is unique.
type PricePoint struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Symbol    string          `gorm:"size:10;not null;uniqueIndex:idx_price_symbol_date" json:"symbol"`
	Date      time.Time       `gorm:"not null;uniqueIndex:idx_price_symbol_date" json:"date"`
	Open      decimal.Decimal `gorm:"type:decimal(18,6);not null" json:"open"`
	High      decimal.Decimal `gorm:"type:decimal(18,6);not null" json:"high"`
	Low       decimal.Decimal `gorm:"type:decimal(18,6);not null" json:"low"`
	Close     decimal.Decimal `gorm:"type:decimal(18,6);not null" json:"close"`
	AdjClose  decimal.Decimal `gorm:"type:decimal(18,6);not null" json:"adj_close"`
	Volume    int64           `gorm:"not null;default:0" json:"volume"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MinPriceDate is the earliest trading date accepted by the pipeline.
var MinPriceDate = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// RowValidationError describes a single price row that breaks an invariant.
// It is never fatal to a batch: the row is skipped and counted.
type RowValidationError struct {
	Date   time.Time
	Reason string
}

func (e *RowValidationError) Error() string {
	return fmt.Sprintf("row %s: %s", e.Date.Format("2006-01-02"), e.Reason)
}

// Validate checks the price relationships, sign constraints and date range.
func (p *PricePoint) Validate(now time.Time) error {
	if p.Date.Before(MinPriceDate) || p.Date.After(LatestTradingDate(now)) {
		return &RowValidationError{Date: p.Date, Reason: "date out of range"}
	}

	fields := []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", p.Open}, {"high", p.High}, {"low", p.Low}, {"close", p.Close}, {"adj_close", p.AdjClose},
	}
	for _, f := range fields {
		if f.value.IsNegative() {
			return &RowValidationError{Date: p.Date, Reason: fmt.Sprintf("%s is negative", f.name)}
		}
	}
	if p.Volume < 0 {
		return &RowValidationError{Date: p.Date, Reason: "volume is negative"}
	}

	switch {
	case p.High.LessThan(p.Open):
		return &RowValidationError{Date: p.Date, Reason: fmt.Sprintf("high %s < open %s", p.High, p.Open)}
	case p.High.LessThan(p.Close):
		return &RowValidationError{Date: p.Date, Reason: fmt.Sprintf("high %s < close %s", p.High, p.Close)}
	case p.High.LessThan(p.Low):
		return &RowValidationError{Date: p.Date, Reason: fmt.Sprintf("high %s < low %s", p.High, p.Low)}
	case p.Low.GreaterThan(p.Open):
		return &RowValidationError{Date: p.Date, Reason: fmt.Sprintf("low %s > open %s", p.Low, p.Open)}
	case p.Low.GreaterThan(p.Close):
		return &RowValidationError{Date: p.Date, Reason: fmt.Sprintf("low %s > close %s", p.Low, p.Close)}
	}
	return nil
}

// SameValues reports whether two points carry the same prices and volume.
// Prices are compared at the column's storage scale.
func (p *PricePoint) SameValues(o *PricePoint) bool {
	eq := func(a, b decimal.Decimal) bool { return a.Round(6).Equal(b.Round(6)) }
	return eq(p.Open, o.Open) &&
		eq(p.High, o.High) &&
		eq(p.Low, o.Low) &&
		eq(p.Close, o.Close) &&
		eq(p.AdjClose, o.AdjClose) &&
		p.Volume == o.Volume
}

// TradingDate truncates t to a UTC calendar date.
func TradingDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LatestTradingDate is the newest trading date accepted at now: the later of
// now's calendar date in its own zone and in UTC.
func LatestTradingDate(now time.Time) time.Time {
	local, utc := TradingDate(now), TradingDate(now.UTC())
	if utc.After(local) {
		return utc
	}
	return local
}

// MigrateStockModels runs database migrations for the ingestion tables
func MigrateStockModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&PricePoint{},
		&TrackedSymbol{},
	)
}
