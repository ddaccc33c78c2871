// MBFlow Server - workflow orchestration control plane
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbflow/orchestrator/internal/application/engine"
	"github.com/mbflow/orchestrator/internal/application/observer"
	"github.com/mbflow/orchestrator/internal/application/trigger"
	"github.com/mbflow/orchestrator/internal/config"
	"github.com/mbflow/orchestrator/internal/infrastructure/api/rest"
	"github.com/mbflow/orchestrator/internal/infrastructure/cache"
	"github.com/mbflow/orchestrator/internal/infrastructure/crypto"
	"github.com/mbflow/orchestrator/internal/infrastructure/logger"
	"github.com/mbflow/orchestrator/internal/infrastructure/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	appLogger.Info("Starting MBFlow orchestrator", "port", cfg.Server.Port)

	dbConfig := &storage.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.PoolSize,
		MaxIdleConns:    cfg.Database.PoolSize / 2,
		ConnMaxLifetime: cfg.Database.MaxConnLifetime,
		ConnMaxIdleTime: cfg.Database.MaxIdleTime,
		Debug:           cfg.Logging.Level == "debug",
	}
	db, err := storage.NewDB(dbConfig)
	if err != nil {
		appLogger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer storage.Close(db)
	appLogger.Info("Database connected", "pool_size", cfg.Database.PoolSize)

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		appLogger.Error("Failed to initialize Redis", "error", err)
		os.Exit(1)
	}
	defer redisCache.Close()
	appLogger.Info("Redis connected")

	bus := cache.NewBus(redisCache)

	encryptionKey := cfg.Security.EncryptionKey
	if len(encryptionKey) == 0 {
		appLogger.Warn("SECRET_ENCRYPTION_KEY not set, generating an ephemeral key for this process; stored secrets will not survive a restart")
		encryptionKey, err = crypto.GenerateKey()
		if err != nil {
			appLogger.Error("Failed to generate ephemeral encryption key", "error", err)
			os.Exit(1)
		}
	}
	cryptoSvc, err := crypto.NewService(encryptionKey)
	if err != nil {
		appLogger.Error("Failed to initialize crypto service", "error", err)
		os.Exit(1)
	}

	// Repositories
	workflowRepo := storage.NewWorkflowRepository(db)
	triggerRepo := storage.NewTriggerRepository(db)
	runRepo := storage.NewRunRepository(db)
	eventRepo := storage.NewEventRepository(db)
	suspensionRepo := storage.NewSuspensionRepository(db)
	scheduledJobRepo := storage.NewScheduledJobRepository(db)
	secretRepo := storage.NewSecretRepository(db)
	webhookRepo := storage.NewWebhookRepository(db)
	batchRepo := storage.NewBatchRepository(db)

	secretCache := cache.NewSecretCache(secretRepo, cryptoSvc)

	// Engine
	lifecycle := engine.NewRunLifecycleManager(runRepo, eventRepo, workflowRepo, bus, secretCache, bus)
	router := engine.NewRouterEvaluator(engine.NewConditionCache(1024))
	subflows := engine.NewSubFlowCoordinator(lifecycle, runRepo, suspensionRepo)
	maps := engine.NewMapCoordinator(lifecycle, runRepo, batchRepo)
	orchestrator := engine.NewOrchestrator(runRepo, lifecycle, router, subflows, maps)

	suspensions := trigger.NewSuspensionManager(suspensionRepo, scheduledJobRepo)
	orchestrator = orchestrator.WithSuspensions(suspensions)
	suspensions.SetOrchestrator(orchestrator)

	versionStore := engine.NewVersionStore(workflowRepo)
	workerRegistry := engine.NewWorkerRegistry(bus)

	// Triggers
	cronScheduler, err := trigger.NewCronScheduler(trigger.CronSchedulerConfig{
		TriggerRepo: triggerRepo,
		Runs:        runRepo,
		Lifecycle:   lifecycle,
		Cache:       redisCache,
	})
	if err != nil {
		appLogger.Error("Failed to initialize cron scheduler", "error", err)
		os.Exit(1)
	}
	webhookRegistry := trigger.NewWebhookRegistry(workflowRepo, triggerRepo, webhookRepo, lifecycle, redisCache)
	triggerManager := trigger.NewManager(trigger.ManagerConfig{
		Triggers:  triggerRepo,
		Lifecycle: lifecycle,
		Cron:      cronScheduler,
		Webhooks:  webhookRegistry,
	})

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if err := triggerManager.Start(rootCtx); err != nil {
		appLogger.Error("Failed to start trigger manager", "error", err)
		os.Exit(1)
	}
	suspensions.StartSweeper(rootCtx)

	resultConsumer := engine.NewResultConsumer(bus, orchestrator, appLogger)
	go resultConsumer.Run(rootCtx)

	streamHub := observer.NewStreamHub(bus, appLogger)
	go streamHub.Run(rootCtx)

	// REST layer
	workflowHandlers := rest.NewWorkflowHandlers(workflowRepo, triggerRepo, versionStore, triggerManager, appLogger)
	runHandlers := rest.NewRunHandlers(runRepo, eventRepo, lifecycle, triggerManager, appLogger)
	triggerHandlers := rest.NewTriggerHandlers(triggerRepo, triggerManager, appLogger)
	webhookHandlers := rest.NewWebhookHandlers(webhookRegistry, suspensions, appLogger)
	streamHandlers := rest.NewStreamHandlers(streamHub, appLogger)
	workerHandlers := rest.NewWorkerHandlers(workerRegistry)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router2 := gin.New()

	recoveryMiddleware := rest.NewRecoveryMiddleware(appLogger)
	loggingMiddleware := rest.NewLoggingMiddleware(appLogger)
	bodySizeMiddleware := rest.NewBodySizeMiddleware(appLogger, 10<<20)
	rateLimiter := rest.NewRateLimiter(600, time.Minute, 5*time.Minute)

	router2.Use(recoveryMiddleware.Recovery())
	router2.Use(loggingMiddleware.RequestLogger())
	router2.Use(bodySizeMiddleware.LimitBodySize())
	router2.Use(rateLimiter.Middleware())

	if cfg.Server.CORS {
		router2.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Webhook-Signature, X-Idempotency-Key")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
		})
	}

	router2.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": fmt.Sprintf("database: %s", err.Error())})
			return
		}
		if err := redisCache.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": fmt.Sprintf("redis: %s", err.Error())})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router2.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router2.GET("/metrics", func(c *gin.Context) {
		stats := db.Stats()
		cacheStats := redisCache.Stats()
		c.JSON(http.StatusOK, gin.H{
			"database": gin.H{
				"open_connections": stats.OpenConnections,
				"in_use":           stats.InUse,
				"idle":             stats.Idle,
			},
			"redis": gin.H{
				"hits":   cacheStats.Hits,
				"misses": cacheStats.Misses,
			},
		})
	})

	router2.GET("/stream", streamHandlers.HandleStream)
	router2.GET("/workers", workerHandlers.HandleListWorkers)

	router2.POST("/triggers/manual", runHandlers.HandleManualTrigger)
	router2.POST("/webhooks/:workflow_id", webhookHandlers.HandleWebhook)
	router2.POST("/webhooks/resume/:token", webhookHandlers.HandleResumeWebhook)

	runs := router2.Group("/runs")
	{
		runs.GET("", runHandlers.HandleListRuns)
		runs.GET("/active", runHandlers.HandleActiveRun)
		runs.GET("/:run_id", runHandlers.HandleGetRun)
		runs.PATCH("/:run_id", runHandlers.HandleUpdateRun)
		runs.DELETE("/:run_id", runHandlers.HandleDeleteRun)
		runs.POST("/:run_id/cancel", runHandlers.HandleCancelRun)
		runs.POST("/:run_id/replay", runHandlers.HandleReplayRun)
		runs.GET("/:run_id/children", runHandlers.HandleListChildRuns)
		runs.GET("/:run_id/events", runHandlers.HandleListRunEvents)
	}

	workflows := router2.Group("/workflows")
	{
		workflows.POST("", workflowHandlers.HandleCreateWorkflow)
		workflows.GET("", workflowHandlers.HandleListWorkflows)
		workflows.GET("/:workflow_id", workflowHandlers.HandleGetWorkflow)
		workflows.PUT("/:workflow_id", workflowHandlers.HandleUpdateWorkflow)
		workflows.DELETE("/:workflow_id", workflowHandlers.HandleDeleteWorkflow)
		workflows.POST("/:workflow_id/publish", workflowHandlers.HandlePublish)
		workflows.POST("/:workflow_id/rollback", workflowHandlers.HandleRollback)
		workflows.POST("/:workflow_id/restore", workflowHandlers.HandleRestore)
		workflows.POST("/:workflow_id/discard", workflowHandlers.HandleDiscard)
		workflows.GET("/:workflow_id/versions", workflowHandlers.HandleListVersions)
		workflows.POST("/:workflow_id/schedule", workflowHandlers.HandleSchedule)
		workflows.GET("/:workflow_id/runs", runHandlers.HandleListWorkflowRuns)
		workflows.POST("/:workflow_id/triggers", triggerHandlers.HandleCreateTrigger)
		workflows.GET("/:workflow_id/triggers", triggerHandlers.HandleListTriggers)
	}

	triggersGroup := router2.Group("/triggers")
	{
		triggersGroup.GET("/:trigger_id", triggerHandlers.HandleGetTrigger)
		triggersGroup.PUT("/:trigger_id", triggerHandlers.HandleUpdateTrigger)
		triggersGroup.DELETE("/:trigger_id", triggerHandlers.HandleDeleteTrigger)
	}

	appLogger.Info("REST API routes registered")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router2,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		appLogger.Error("Server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		appLogger.Info("Server shutdown initiated", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		appLogger.Info("Stopping trigger manager...")
		if err := triggerManager.Stop(); err != nil {
			appLogger.Error("Trigger manager shutdown failed", "error", err)
		}

		suspensions.StopSweeper()
		cancelRoot()

		if err := server.Shutdown(ctx); err != nil {
			appLogger.Error("Graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				appLogger.Error("Server close failed", "error", err)
			}
		}

		appLogger.Info("Server stopped")
	}
}
