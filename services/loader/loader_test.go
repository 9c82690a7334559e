package loader

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "loader.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := models.MigrateStockModels(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func point(day int, open, high, low, cls string, vol int64) models.PricePoint {
	return models.PricePoint{
		Date:     time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC),
		Open:     decimal.RequireFromString(open),
		High:     decimal.RequireFromString(high),
		Low:      decimal.RequireFromString(low),
		Close:    decimal.RequireFromString(cls),
		AdjClose: decimal.RequireFromString(cls),
		Volume:   vol,
	}
}

func countRows(t *testing.T, db *gorm.DB, symbol string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.PricePoint{}).Where("symbol = ?", symbol).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestLoad_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	l := NewLoader(db)
	batch := []models.PricePoint{
		point(13, "185.44", "187.10", "184.62", "186.28", 72044800),
		point(14, "187.51", "188.30", "186.29", "187.43", 52393600),
		point(15, "187.91", "190.65", "187.37", "189.72", 70400000),
	}

	first, err := l.Load(context.Background(), "AAPL", batch)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if first.Inserted != 3 {
		t.Fatalf("inserted = %d, want 3", first.Inserted)
	}

	second, err := l.Load(context.Background(), "AAPL", batch)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 0 || second.Unchanged != 3 {
		t.Fatalf("second load = %+v, want 3 unchanged", second)
	}
	if n := countRows(t, db, "AAPL"); n != 3 {
		t.Fatalf("rows = %d, want 3", n)
	}
}

func TestLoad_SkipsInvalidRow(t *testing.T) {
	db := openTestDB(t)
	l := NewLoader(db)
	batch := []models.PricePoint{
		point(13, "10", "12", "9", "11", 100),
		point(14, "11", "10", "12", "11", 100), // high < low
		point(15, "12", "13", "11", "12", 100),
	}

	res, err := l.Load(context.Background(), "MSFT", batch)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Inserted != 2 || res.Skipped != 1 {
		t.Fatalf("result = %+v, want 2 inserted 1 skipped", res)
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want one entry", res.Errors)
	}
	if n := countRows(t, db, "MSFT"); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}

func TestLoad_CorrectionUpdatesRow(t *testing.T) {
	db := openTestDB(t)
	l := NewLoader(db)
	ctx := context.Background()

	if _, err := l.Load(ctx, "IBM", []models.PricePoint{point(13, "10", "12", "9", "11", 100)}); err != nil {
		t.Fatalf("first load: %v", err)
	}
	res, err := l.Load(ctx, "IBM", []models.PricePoint{point(13, "10", "12", "9", "11.5", 150)})
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if res.Updated != 1 || res.Inserted != 0 {
		t.Fatalf("result = %+v, want 1 updated", res)
	}

	got, err := l.History(ctx, "IBM", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("history has %d rows, want 1", len(got))
	}
	if !got[0].Close.Equal(decimal.RequireFromString("11.5")) || got[0].Volume != 150 {
		t.Errorf("stored row = %+v", got[0])
	}
}

func TestLoad_StorageFailureIsPersistenceError(t *testing.T) {
	db := openTestDB(t)
	l := NewLoader(db)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	sqlDB.Close()

	_, err = l.Load(context.Background(), "GE", []models.PricePoint{point(13, "10", "12", "9", "11", 100)})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if pe.Symbol != "GE" {
		t.Errorf("symbol = %q", pe.Symbol)
	}
}

func TestHistory_OrdersAscending(t *testing.T) {
	db := openTestDB(t)
	l := NewLoader(db)
	ctx := context.Background()
	batch := []models.PricePoint{
		point(15, "12", "13", "11", "12", 100),
		point(13, "10", "12", "9", "11", 100),
		point(14, "11", "13", "10", "12", 100),
	}
	if _, err := l.Load(ctx, "KO", batch); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := l.History(ctx, "KO", time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), time.Time{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 || got[0].Date.Day() != 14 || got[1].Date.Day() != 15 {
		t.Fatalf("history = %+v", got)
	}
}
