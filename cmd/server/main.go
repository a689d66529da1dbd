package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/internal/database"
	"github.com/nibog/payments-backend/internal/handlers"
	"github.com/nibog/payments-backend/internal/middleware"
	"github.com/nibog/payments-backend/internal/services"
	"github.com/nibog/payments-backend/pkg/jwt"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting NIBOG payments backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
		logger.Warn("Not in production mode: PhonePe callback checksum verification is bypassed")
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.NewConnection(connectCtx, cfg.Database)
	cancelConnect()
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	// Repositories
	auditRepository := database.NewPaymentAuditRepository(db.DB, logger)
	issueRepository := database.NewReconciliationIssueRepository(db.DB, logger)

	// Processed transaction store
	var store services.TransactionStore
	switch cfg.Dedup.Store {
	case "memory":
		store = services.NewMemoryTransactionStore(cfg.Dedup.TTL)
		logger.Warn("Using in-memory transaction store: duplicates are only caught within this instance")
	default:
		store = database.NewProcessedTransactionRepository(db.DB, cfg.Dedup.TTL, logger)
	}
	dedup := services.NewTransactionDeduplicator(store, logger)

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	bookingAPI := services.NewBookingAPIClient(&cfg.BookingAPI, logger)
	phonePeService := services.NewPhonePeService(&cfg.PhonePe, cfg.Server.IsProduction(), logger)
	reconstructor := services.NewBookingReconstructor(bookingAPI, cfg.BookingAPI, cfg.Reconciliation, logger)
	recorder := services.NewPaymentRecorder(bookingAPI, cfg.Reconciliation.PaymentMethod, logger)
	rateLimitService := services.NewRateLimitService(db, cfg.RateLimit, logger)
	adminAuthService := services.NewAdminAuthService(cfg.Admin, jwtService, cfg.JWT.AccessTokenExpiry)

	var notifier services.BookingNotifier
	var emailNotifier *services.EmailNotifier
	if cfg.Email.Enabled {
		emailNotifier = services.NewEmailNotifier(bookingAPI, &cfg.Email, logger)
		notifier = emailNotifier
		logger.Info("Booking confirmation emails enabled")
	}

	reconciliationService := services.NewReconciliationService(
		dedup,
		phonePeService,
		reconstructor,
		recorder,
		auditRepository,
		issueRepository,
		notifier,
		logger,
	)

	// Initialize and start cron service
	cronService := services.NewCronService(dedup, rateLimitService, cfg.Dedup.EvictionSchedule, logger)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(reconciliationService, rateLimitService, logger)
	adminAuthHandler := handlers.NewAdminAuthHandler(adminAuthService, logger)
	adminHandler := handlers.NewAdminHandler(reconciliationService, issueRepository, auditRepository, cronService, logger)

	// Initialize Gin router
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(requestLogger(logger))

	// CORS configuration
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	api := router.Group("/api")
	{
		payments := api.Group("/payments")
		{
			payments.POST("/phonepe-callback", paymentHandler.PhonePeCallback)
			payments.POST("/phonepe-status", paymentHandler.PhonePeStatus)
		}

		api.POST("/admin/login", adminAuthHandler.Login)

		admin := api.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtService))
		admin.Use(middleware.RequireRole(services.AdminRole))
		{
			admin.GET("/reconciliation-issues", adminHandler.ListIssues)
			admin.GET("/reconciliation-issues/:id", adminHandler.GetIssue)
			admin.POST("/reconciliation-issues/:id/retry-payment", adminHandler.RetryPayment)
			admin.POST("/reconciliation-issues/:id/resolve", adminHandler.ResolveIssue)
			admin.GET("/payment-audits/:merchant_transaction_id", adminHandler.GetPaymentAudits)
			admin.GET("/cron/status", adminHandler.CronStatus)
			admin.POST("/cron/evict-transactions", adminHandler.EvictTransactions)
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HandlerWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	cronService.Stop()

	if emailNotifier != nil {
		logger.Info("Waiting for pending confirmation emails...")
		emailNotifier.Wait()
	}

	logger.Info("Server exited successfully")
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"query":      query,
			"ip":         c.ClientIP(),
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
			"request_id": middleware.GetRequestID(c),
		}

		// Add authorization header presence (not the actual token)
		fields["has_auth"] = c.GetHeader("Authorization") != ""

		if admin, ok := middleware.GetAdminContext(c); ok {
			fields["admin_email"] = admin.Email
		}

		entry := logger.WithFields(fields)

		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		status := c.Writer.Status()
		if status >= 500 {
			entry.Error("Request completed with server error")
		} else if status >= 400 {
			entry.Warn("Request completed with client error")
		} else {
			entry.Info("Request completed successfully")
		}
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
