package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/controllers"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/middleware"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/ratelimit"
)

// Deps are the handlers and settings the routes need.
type Deps struct {
	Tracking      *controllers.TrackingController
	JWTSecret     string
	ClientLimiter *ratelimit.SlidingWindow
}

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, d Deps) {
	auth := middleware.JWTAuthMiddleware(d.JWTSecret)

	// API v1 group
	api := router.Group("/api/v1")
	api.Use(auth)
	{
		tracking := api.Group("/tracking")
		{
			if d.ClientLimiter != nil {
				tracking.POST("", middleware.ClientRateLimitMiddleware(d.ClientLimiter), d.Tracking.RequestTracking)
			} else {
				tracking.POST("", d.Tracking.RequestTracking)
			}
			tracking.GET("/:symbol", d.Tracking.GetTracked)
		}

		api.GET("/prices/:symbol", d.Tracking.GetPrices)
	}

	// Admin API
	admin := router.Group("/admin/api")
	admin.Use(auth, middleware.AdminRoleMiddleware())
	{
		admin.GET("/tracking", d.Tracking.ListTracked)
		admin.POST("/tracking/:symbol/deactivate", d.Tracking.Deactivate)
		admin.POST("/tracking/:symbol/reactivate", d.Tracking.Reactivate)
		admin.POST("/cycles", d.Tracking.RunCycle)
	}
}

// SetupHealthEndpoints sets up liveness and readiness probes
func SetupHealthEndpoints(router *gin.Engine, db *gorm.DB) {
	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness probe - checks the database
	router.GET("/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database connection error",
			})
			return
		}
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database ping failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
}
