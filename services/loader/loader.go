// Package loader upserts cleaned price points into the database.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
)

// PersistenceError wraps a storage failure. The batch it belongs to was
// rolled back as a whole.
type PersistenceError struct {
	Symbol string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Symbol, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Result counts what a batch did to the price table.
type Result struct {
	Inserted  int      `json:"inserted"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Loader writes price batches, one transaction per batch.
type Loader struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLoader(db *gorm.DB) *Loader {
	return &Loader{db: db, now: time.Now}
}

// Load upserts points for symbol keyed on (symbol, date). Rows that fail
// validation are skipped and reported in Result.Errors. Reloading the same
// batch leaves the table unchanged.
func (l *Loader) Load(ctx context.Context, symbol string, points []models.PricePoint) (*Result, error) {
	now := l.now()
	var res Result

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res = Result{}
		for i := range points {
			p := points[i]
			p.ID = 0
			p.Symbol = symbol
			p.Date = models.TradingDate(p.Date)

			if err := p.Validate(now); err != nil {
				res.Skipped++
				res.Errors = append(res.Errors, err.Error())
				continue
			}

			var existing models.PricePoint
			err := tx.Where("symbol = ? AND date = ?", p.Symbol, p.Date).Take(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&p).Error; err != nil {
					return fmt.Errorf("insert %s: %w", p.Date.Format("2006-01-02"), err)
				}
				res.Inserted++
			case err != nil:
				return fmt.Errorf("lookup %s: %w", p.Date.Format("2006-01-02"), err)
			case existing.SameValues(&p):
				res.Unchanged++
			default:
				err := tx.Model(&existing).Updates(map[string]interface{}{
					"open":      p.Open,
					"high":      p.High,
					"low":       p.Low,
					"close":     p.Close,
					"adj_close": p.AdjClose,
					"volume":    p.Volume,
				}).Error
				if err != nil {
					return fmt.Errorf("update %s: %w", p.Date.Format("2006-01-02"), err)
				}
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, &PersistenceError{Symbol: symbol, Err: err}
	}

	log.Printf("Loader: %s inserted=%d updated=%d unchanged=%d skipped=%d",
		symbol, res.Inserted, res.Updated, res.Unchanged, res.Skipped)
	return &res, nil
}

// History returns stored points for symbol in ascending date order.
func (l *Loader) History(ctx context.Context, symbol string, from, to time.Time) ([]models.PricePoint, error) {
	q := l.db.WithContext(ctx).Where("symbol = ?", symbol)
	if !from.IsZero() {
		q = q.Where("date >= ?", models.TradingDate(from))
	}
	if !to.IsZero() {
		q = q.Where("date <= ?", models.TradingDate(to))
	}
	var points []models.PricePoint
	if err := q.Order("date asc").Find(&points).Error; err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", symbol, err)
	}
	return points, nil
}
