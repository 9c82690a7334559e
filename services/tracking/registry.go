// Package tracking manages the set of symbols the scheduler ingests.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
)

var (
	// ErrInvalidSymbol is returned for a symbol that is not 1-10 letters or digits.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrNotFound is returned when the symbol is not tracked.
	ErrNotFound = errors.New("symbol not tracked")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

// NormalizeSymbol trims and upper-cases a ticker and checks its shape.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return s, nil
}

// Outcome is the result of one ingestion attempt for a symbol.
type Outcome struct {
	Status  models.PullStatus
	At      time.Time
	Message string
}

// Registry is the tracked-symbol store.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Track registers a symbol. Registering an existing symbol, in any case,
// returns the existing entry unchanged.
func (r *Registry) Track(ctx context.Context, raw string) (*models.TrackedSymbol, error) {
	symbol, err := NormalizeSymbol(raw)
	if err != nil {
		return nil, err
	}

	db := r.db.WithContext(ctx)
	entry := models.TrackedSymbol{
		Symbol:         symbol,
		IsActive:       true,
		LastPullStatus: models.PullPending,
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoNothing: true,
	}).Create(&entry)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to track %s: %w", symbol, res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("Tracking: registered %s", symbol)
	}

	var stored models.TrackedSymbol
	if err := db.Where("symbol = ?", symbol).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", symbol, err)
	}
	return &stored, nil
}

// Get returns one tracked symbol.
func (r *Registry) Get(ctx context.Context, raw string) (*models.TrackedSymbol, error) {
	symbol, err := NormalizeSymbol(raw)
	if err != nil {
		return nil, err
	}
	var entry models.TrackedSymbol
	if err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
		}
		return nil, fmt.Errorf("failed to load %s: %w", symbol, err)
	}
	return &entry, nil
}

// List returns every tracked symbol, active or not, by symbol.
func (r *Registry) List(ctx context.Context) ([]models.TrackedSymbol, error) {
	var entries []models.TrackedSymbol
	if err := r.db.WithContext(ctx).Order("symbol asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list tracked symbols: %w", err)
	}
	return entries, nil
}

// ListActive returns the symbols the next cycle should ingest.
func (r *Registry) ListActive(ctx context.Context) ([]models.TrackedSymbol, error) {
	var entries []models.TrackedSymbol
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("symbol asc").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}
	return entries, nil
}

// Deactivate stops ingestion for a symbol. It stays inactive until Reactivate.
func (r *Registry) Deactivate(ctx context.Context, raw string) (*models.TrackedSymbol, error) {
	return r.setActive(ctx, raw, false)
}

// Reactivate resumes ingestion and clears the previous error.
func (r *Registry) Reactivate(ctx context.Context, raw string) (*models.TrackedSymbol, error) {
	return r.setActive(ctx, raw, true)
}

func (r *Registry) setActive(ctx context.Context, raw string, active bool) (*models.TrackedSymbol, error) {
	symbol, err := NormalizeSymbol(raw)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"is_active": active}
	if active {
		updates["last_pull_status"] = models.PullPending
		updates["error_message"] = nil
	} else {
		updates["last_pull_status"] = models.PullDisabled
	}

	db := r.db.WithContext(ctx)
	res := db.Model(&models.TrackedSymbol{}).Where("symbol = ?", symbol).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update %s: %w", symbol, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	log.Printf("Tracking: %s active=%v", symbol, active)
	return r.Get(ctx, symbol)
}

// RecordOutcome stores the result of an ingestion attempt. A symbol that was
// deactivated while its attempt ran keeps its DISABLED status.
func (r *Registry) RecordOutcome(ctx context.Context, symbol string, o Outcome) error {
	updates := map[string]interface{}{
		"last_pull_date":   o.At,
		"last_pull_status": o.Status,
	}
	if o.Status == models.PullSuccess {
		updates["error_message"] = nil
	} else {
		updates["error_message"] = o.Message
	}

	err := r.db.WithContext(ctx).Model(&models.TrackedSymbol{}).
		Where("symbol = ? AND is_active = ?", symbol, true).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", symbol, err)
	}
	return nil
}
