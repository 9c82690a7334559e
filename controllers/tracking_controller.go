package controllers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/middleware"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/scheduler"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/loader"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/tracking"
)

// CycleRunner starts an ingestion cycle on demand.
type CycleRunner interface {
	TriggerCycle() (*scheduler.CycleReport, error)
}

// TrackingController handles tracked-symbol and price requests
type TrackingController struct {
	registry *tracking.Registry
	loader   *loader.Loader
	cycles   CycleRunner
}

// NewTrackingController creates a new tracking controller
func NewTrackingController(registry *tracking.Registry, l *loader.Loader, cycles CycleRunner) *TrackingController {
	return &TrackingController{registry: registry, loader: l, cycles: cycles}
}

type trackRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

// RequestTracking registers a symbol for ingestion
// POST /api/v1/tracking
func (tc *TrackingController) RequestTracking(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	entry, err := tc.registry.Track(c.Request.Context(), req.Symbol)
	if err != nil {
		respondError(c, err)
		return
	}
	if user, err := middleware.GetUserFromContext(c); err == nil {
		log.Printf("Tracking requested for %s by %s", entry.Symbol, user)
	}
	c.JSON(http.StatusAccepted, gin.H{"data": entry})
}

// GetTracked returns a symbol's ingestion status
// GET /api/v1/tracking/:symbol
func (tc *TrackingController) GetTracked(c *gin.Context) {
	entry, err := tc.registry.Get(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

// GetPrices returns stored daily prices
// GET /api/v1/prices/:symbol?from=2024-01-01&to=2024-12-31
func (tc *TrackingController) GetPrices(c *gin.Context) {
	symbol, err := tracking.NormalizeSymbol(c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}

	var from, to time.Time
	if s := c.Query("from"); s != "" {
		if from, err = time.Parse("2006-01-02", s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from date format. Use YYYY-MM-DD"})
			return
		}
	}
	if s := c.Query("to"); s != "" {
		if to, err = time.Parse("2006-01-02", s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to date format. Use YYYY-MM-DD"})
			return
		}
	}

	prices, err := tc.loader.History(c.Request.Context(), symbol, from, to)
	if err != nil {
		log.Printf("Failed to load prices for %s: %v", symbol, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch prices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"data":   prices,
		"count":  len(prices),
	})
}

// ListTracked returns every tracked symbol
// GET /admin/api/tracking
func (tc *TrackingController) ListTracked(c *gin.Context) {
	entries, err := tc.registry.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "total": len(entries)})
}

// Deactivate stops ingestion for a symbol
// POST /admin/api/tracking/:symbol/deactivate
func (tc *TrackingController) Deactivate(c *gin.Context) {
	entry, err := tc.registry.Deactivate(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

// Reactivate resumes ingestion for a deactivated symbol
// POST /admin/api/tracking/:symbol/reactivate
func (tc *TrackingController) Reactivate(c *gin.Context) {
	entry, err := tc.registry.Reactivate(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

// RunCycle runs an ingestion cycle now and returns its report
// POST /admin/api/cycles
func (tc *TrackingController) RunCycle(c *gin.Context) {
	report, err := tc.cycles.TriggerCycle()
	var sys *scheduler.SystemicError
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "A cycle is already running"})
	case errors.As(err, &sys):
		log.Printf("ERROR: ingestion alert: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": sys.Error(), "data": report})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"data": report})
	}
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tracking.ErrInvalidSymbol):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, tracking.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Printf("Tracking request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
