package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/database"
	"github.com/ksred/klear-ledger/internal/exchange"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/stream"
	"github.com/ksred/klear-ledger/internal/trading"
	"github.com/ksred/klear-ledger/pkg/middleware"
)

// setupLogging configures zerolog from the loaded configuration. Outside
// production it pretty prints with timestamps.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Logging.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// main loads configuration, wires the order lifecycle, ledger and venue
// together and serves the API until SIGINT or SIGTERM.
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}
	setupLogging(cfg)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDatabase(database.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogQueries:      cfg.Database.LogQueries,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Config values were checked by config.Load.
	seed, _ := cfg.StaticPrices()
	maxQty, _ := cfg.MaxOrderQuantity()
	step, _ := cfg.QuantityStep()
	loc, _ := cfg.SessionLocation()

	static := marketdata.NewStatic(seed)
	prices := marketdata.Chain{static}
	if cfg.MarketData.RedisAddr != "" {
		feed, err := marketdata.NewRedis(ctx, cfg.MarketData.RedisAddr, cfg.MarketData.RedisPassword, cfg.MarketData.RedisDB)
		if err != nil {
			zlog.Warn().Err(err).Msg("Redis price feed unavailable, using static prices only")
		} else {
			defer feed.Close()
			prices = append(prices, feed)
		}
	}

	var venue exchange.Venue = exchange.NewScripted()
	if cfg.Exchange.Enabled {
		venue = exchange.NewSimulator(prices, exchange.SimulatorOptions{
			MaxAttempts:  cfg.Exchange.MaxAttempts,
			LatencyScale: cfg.Exchange.LatencyScale,
			QuantityStep: step,
			Seed:         cfg.Exchange.Seed,
		})
	}
	zlog.Info().Str("venue", venue.Name()).Msg("Execution venue configured")

	policy := cfg.RetryPolicy()
	ledgerService := ledger.NewService(ledger.NewDatabase(db), prices, policy)

	orderStore := trading.NewDatabase(db)
	tradingService := trading.NewService(orderStore, ledgerService, venue, policy, trading.Options{
		Compliance: trading.Compliance{
			Enabled:           cfg.Trading.ComplianceEnabled,
			RestrictedSymbols: cfg.Trading.RestrictedSymbols,
			MaxOrderQuantity:  maxQty,
		},
		SubmitTimeout: cfg.Trading.SubmitTimeout,
	})

	hub := stream.NewHub(cfg.Server.CORSOrigins)
	tradingService.SetNotifier(hub)
	ledgerService.SetNotifier(hub)
	go hub.Run(ctx)

	processor := trading.NewProcessor(tradingService, orderStore, policy, trading.ProcessorOptions{
		Interval:    cfg.Trading.ProcessorInterval,
		ReplayGrace: cfg.Trading.ReplayGrace,
		Location:    loc,
	})
	go processor.Start(ctx)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	for _, key := range cfg.Auth.APIKeys {
		if err := authService.RegisterAPICredentials(key.Key, key.Secret, key.AccountID, key.Permissions...); err != nil {
			zlog.Fatal().Err(err).Str("api_key", key.Key).Msg("Failed to register API credentials")
		}
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimits(), authService)
	go limiter.Cleanup(ctx)

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(limiter.Middleware())

	setupRoutes(router, routeHandlers{
		auth:       auth.NewGinHandlers(authService),
		trading:    trading.NewGinHandlers(tradingService),
		ledger:     ledger.NewGinHandlers(ledgerService),
		marketdata: marketdata.NewGinHandlers(static),
		hub:        hub,
		validator:  authService,
		authOn:     cfg.Auth.Enabled,
		db:         db,
	})

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	go func() {
		zlog.Info().Int("port", cfg.Server.Port).Str("env", cfg.Env).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop background work before the database goes away.
	cancel()
	if sim, ok := venue.(*exchange.Simulator); ok {
		sim.Wait()
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	zlog.Info().Msg("Server exiting")
}

type routeHandlers struct {
	auth       *auth.GinHandlers
	trading    *trading.GinHandlers
	ledger     *ledger.GinHandlers
	marketdata *marketdata.GinHandlers
	hub        *stream.Hub
	validator  middleware.TokenValidator
	authOn     bool
	db         *gorm.DB
}

// setupRoutes registers the API. With auth enabled, order and position
// routes require a JWT and internal routes additionally require the
// internal permission.
func setupRoutes(router *gin.Engine, h routeHandlers) {
	router.GET("/healthz", healthHandler(h.db))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", h.auth.GenerateTokenHandler())
		streamRoute := v1.Group("/stream")

		orders := v1.Group("/orders")
		positions := v1.Group("/positions")
		internal := v1.Group("/internal")
		if h.authOn {
			orders.Use(middleware.JWTAuth(h.validator))
			positions.Use(middleware.JWTAuth(h.validator))
			internal.Use(middleware.InternalAuth(h.validator))
			streamRoute.Use(middleware.StreamAuth(h.validator))
		}

		streamRoute.GET("", h.hub.HandleWebSocket())

		orders.POST("", h.trading.CreateOrderHandler())
		orders.GET("", h.trading.ListOrdersHandler())
		orders.GET("/:orderId", h.trading.GetOrderHandler())
		orders.PUT("/:orderId", h.trading.AmendOrderHandler())
		orders.DELETE("/:orderId", h.trading.CancelOrderHandler())
		orders.GET("/:orderId/fills", h.trading.ListFillsHandler())

		positions.GET("", h.ledger.ListPositionsHandler())
		positions.GET("/:symbol", h.ledger.GetPositionHandler())

		internal.POST("/orders/:orderId/fills", h.trading.InjectFillHandler())
		internal.PUT("/prices/:symbol", h.marketdata.SetPriceHandler())
		internal.GET("/fills/failed", h.trading.FailedFillsHandler())
	}
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(c.Request.Context())
			}
			if err != nil {
				status = http.StatusServiceUnavailable
				body = gin.H{"status": "degraded", "database": err.Error()}
			}
		}
		c.JSON(status, body)
	}
}
