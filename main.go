package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/config"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/controllers"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/middleware"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/routes"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/scheduler"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/loader"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/parser"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/pipeline"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/ratelimit"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/retriever"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/stager"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/tracking"
)

func main() {
	log.Println("==============================================")
	log.Println("  Price Ingest - Starting...")
	log.Println("==============================================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Println("Warning: JWT_SECRET is not set, all API requests will be rejected")
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatalf("ERROR: Database connection failed: %v", err)
	}

	log.Println("Running database migrations...")
	if err := models.MigrateStockModels(db); err != nil {
		log.Fatalf("ERROR: Migration failed: %v", err)
	}
	log.Println("Database migrations completed successfully")

	st, err := stager.NewStager(cfg.Staging.RawDir, cfg.Staging.ParsedDir, cfg.Staging.DeadletterDir)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	limiter := ratelimit.NewSlidingWindow(cfg.Limit.MaxRequests, cfg.Limit.Window)
	fetcher := retriever.NewRetriever(retriever.Options{
		URLTemplate: cfg.Source.URLTemplate,
		UserAgent:   cfg.Source.UserAgent,
		Timeout:     cfg.Source.HTTPTimeout,
		MaxRetries:  cfg.Retry.MaxRetries,
		BackoffBase: cfg.Retry.BackoffBase,
		BackoffMax:  cfg.Retry.BackoffMax,
	}, limiter, st)

	locator := parser.ChainLocator{
		parser.SelectorLocator{Selector: cfg.Source.TableSelector},
		parser.HeaderLocator{},
	}
	p := parser.NewParser(locator, parser.NewImputer(cfg.Source.ImputePolicy))
	ld := loader.NewLoader(db)
	registry := tracking.NewRegistry(db)

	jobScheduler := scheduler.NewScheduler(scheduler.Options{
		Interval:     cfg.Cycle.Interval,
		Timeout:      cfg.Cycle.Timeout,
		SymbolBudget: cfg.Cycle.SymbolBudget,
		Workers:      cfg.Cycle.Workers,
		RunOnStart:   cfg.Cycle.RunOnStart,
	}, registry, pipeline.NewPipeline(fetcher, p, ld, st))

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(time.Second))

	clientLimiter := ratelimit.NewSlidingWindow(30, time.Minute)
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	go clientLimiter.StartCleanup(cleanupCtx, 10*time.Minute)

	routes.SetupHealthEndpoints(router, db)
	routes.SetupRoutes(router, routes.Deps{
		Tracking:      controllers.NewTrackingController(registry, ld, jobScheduler),
		JWTSecret:     cfg.JWTSecret,
		ClientLimiter: clientLimiter,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Cycle.Timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	if err := jobScheduler.Start(); err != nil {
		log.Fatalf("ERROR: Scheduler failed to start: %v", err)
	}

	gracefulShutdown(server, jobScheduler, db)
}

// gracefulShutdown handles graceful shutdown of the server
func gracefulShutdown(server *http.Server, jobScheduler *scheduler.Scheduler, db *gorm.DB) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	// Stop scheduler first; this cancels a running cycle
	jobScheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
		log.Println("Database connection closed")
	}

	log.Println("Server shutdown completed")
}
