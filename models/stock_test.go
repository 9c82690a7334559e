package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func point(date time.Time) PricePoint {
	return PricePoint{
		Symbol:   "AAPL",
		Date:     date,
		Open:     decimal.RequireFromString("10"),
		High:     decimal.RequireFromString("12"),
		Low:      decimal.RequireFromString("9"),
		Close:    decimal.RequireFromString("11"),
		AdjClose: decimal.RequireFromString("11"),
		Volume:   100,
	}
}

func TestLatestTradingDate(t *testing.T) {
	jst := time.FixedZone("JST", 9*3600)
	pdt := time.FixedZone("PDT", -7*3600)
	cases := map[string]struct {
		now  time.Time
		want time.Time
	}{
		"utc":         {time.Date(2024, 5, 18, 12, 0, 0, 0, time.UTC), time.Date(2024, 5, 18, 0, 0, 0, 0, time.UTC)},
		"east of utc": {time.Date(2024, 5, 18, 3, 0, 0, 0, jst), time.Date(2024, 5, 18, 0, 0, 0, 0, time.UTC)},
		"west of utc": {time.Date(2024, 5, 17, 20, 0, 0, 0, pdt), time.Date(2024, 5, 18, 0, 0, 0, 0, time.UTC)},
	}
	for name, tc := range cases {
		if got := LatestTradingDate(tc.now); !got.Equal(tc.want) {
			t.Errorf("%s: LatestTradingDate(%s) = %s, want %s", name, tc.now, got, tc.want)
		}
	}
}

func TestValidate_TodayAcceptedEastOfUTC(t *testing.T) {
	// 03:00 in Tokyo is still the previous day in UTC.
	now := time.Date(2024, 5, 18, 3, 0, 0, 0, time.FixedZone("JST", 9*3600))

	today := point(time.Date(2024, 5, 18, 0, 0, 0, 0, time.UTC))
	if err := today.Validate(now); err != nil {
		t.Errorf("today's row rejected: %v", err)
	}
	tomorrow := point(time.Date(2024, 5, 19, 0, 0, 0, 0, time.UTC))
	if err := tomorrow.Validate(now); err == nil {
		t.Error("tomorrow's row accepted")
	}
}

func TestValidate_RejectsBeforeMinDate(t *testing.T) {
	p := point(time.Date(1899, 12, 31, 0, 0, 0, 0, time.UTC))
	if err := p.Validate(time.Now()); err == nil {
		t.Error("row before 1900 accepted")
	}
}
