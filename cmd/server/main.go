package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/adboard/adboard-api/internal/auth"
	"github.com/adboard/adboard-api/internal/channels"
	"github.com/adboard/adboard-api/internal/config"
	"github.com/adboard/adboard-api/internal/database"
	"github.com/adboard/adboard-api/internal/escrow"
	"github.com/adboard/adboard-api/internal/ledger"
	"github.com/adboard/adboard-api/internal/notify"
	"github.com/adboard/adboard-api/internal/orders"
	"github.com/adboard/adboard-api/internal/publisher"
	"github.com/adboard/adboard-api/internal/referral"
	"github.com/adboard/adboard-api/internal/scheduler"
	"github.com/adboard/adboard-api/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the marketplace API server with graceful
// shutdown support. It sets up services, the database connection, the
// background order scheduler and all API routes.
func main() {
	cfg := config.MustLoad()
	gin.SetMode(cfg.GinMode)

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret, cfg.BotToken, cfg.DevAuth)
	if cfg.DevAuth {
		zlog.Warn().Msg("dev auth enabled, tokens are issued without init data validation")
	}

	ledgerDB := ledger.NewDatabase(db)
	escrowService := escrow.NewService(db, ledgerDB)
	ledgerService := ledger.NewService(db, escrowService)
	referralService := referral.NewService(ledgerDB, cfg.ReferralShareRate)
	channelsDB := channels.NewDatabase(db)
	ordersService := orders.NewService(db, escrowService, ledgerDB, referralService, cfg.CommissionRate)

	// Without a bot token the server still runs the full order lifecycle;
	// publishes and notifications are logged instead of delivered.
	var channelPublisher publisher.ChannelPublisher = publisher.NewNoop()
	var notifier notify.Notifier = notify.NewNoop()
	if cfg.BotToken != "" {
		bot, err := telego.NewBot(cfg.BotToken)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
		}
		channelPublisher = publisher.NewTelegram(bot)
		notifier = notify.NewTelegram(bot)
	} else {
		zlog.Warn().Msg("BOT_TOKEN not set, running with no-op publisher and notifier")
	}

	authHandlers := auth.NewGinHandlers(authService, ledgerService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)
	orderHandlers := orders.NewGinHandlers(ordersService, notifier)

	// Create and start the order scheduler
	processor := scheduler.NewProcessor(ordersService, channelsDB, channelPublisher, notifier, cfg.TickInterval, cfg.PublishTimeout)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go processor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, ledgerHandlers, orderHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the scheduler first so no tick races the closing server
	processorCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for token issuance
// - Balance routes: Protected by JWT authentication
// - Order routes: Protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	orderHandlers *orders.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Balance routes
		balance := v1.Group("/balance")
		balance.Use(middleware.JWTAuth(jwtSecret))
		{
			balance.GET("", ledgerHandlers.GetBalanceHandler())
			balance.POST("/top-up", ledgerHandlers.TopUpHandler())
			balance.GET("/entries", ledgerHandlers.GetAccountEntriesHandler())
		}

		// Order routes
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			orderGroup.POST("", orderHandlers.CreateOrderHandler())
			orderGroup.GET("", orderHandlers.ListOrdersHandler())
			orderGroup.GET("/pending", orderHandlers.PendingOrdersHandler())
			orderGroup.GET("/check-slot", orderHandlers.CheckSlotHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.POST("/:order_id/approve", orderHandlers.ApproveOrderHandler())
			orderGroup.POST("/:order_id/reject", orderHandlers.RejectOrderHandler())
			orderGroup.POST("/:order_id/cancel", orderHandlers.CancelOrderHandler())
		}
	}
}
