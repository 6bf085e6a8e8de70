package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/gin-gonic/gin"
	"github.com/ksred/apex-trader/internal/api"
	"github.com/ksred/apex-trader/internal/auth"
	"github.com/ksred/apex-trader/internal/broker"
	"github.com/ksred/apex-trader/internal/checkpoint"
	"github.com/ksred/apex-trader/internal/config"
	"github.com/ksred/apex-trader/internal/database"
	"github.com/ksred/apex-trader/internal/engine"
	"github.com/ksred/apex-trader/internal/events"
	"github.com/ksred/apex-trader/internal/ordersync"
	"github.com/ksred/apex-trader/internal/reconcile"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/stream"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/ksred/apex-trader/internal/watchdog"
)

// init configures logging. In development the console writer pretty-prints
// with timestamps; DEBUG=true raises verbosity.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	configPath := os.Getenv("APEX_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	// The store handle is shared by every component; this process owns its
	// lifecycle.
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	brokerClient := broker.NewRESTClient(cfg.Broker.BaseURL, cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.Timeout)
	recorder := events.NewRecorder(cfg.Events.SinkURL)

	stateService := state.NewService(db)
	synchronizer := ordersync.NewSynchronizer(stateService, brokerClient)
	reconciler := reconcile.NewReconciler(stateService)
	checkpoints := checkpoint.NewManager(db)
	dog := watchdog.New(stateService, brokerClient, recorder,
		cfg.Trading.StaleOrderTimeout, cfg.Trading.StopLossPct)

	eng := engine.New(cfg, stateService, synchronizer, reconciler, checkpoints, dog, brokerClient, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go recorder.Run(ctx)

	// Resume the previous active session when one exists; otherwise any
	// stale active session is marked crashed and a fresh one starts.
	resume := false
	if active, err := stateService.GetLatestActiveSession(); err == nil && active != nil {
		resume = os.Getenv("APEX_NO_RESUME") != "true"
	}
	if err := eng.Start(ctx, resume); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start trading session")
	}

	// Realtime order updates feed the same idempotent journal path the
	// polling cycle uses.
	if cfg.Broker.StreamURL != "" {
		orderStream := stream.New(cfg.Broker.StreamURL, cfg.Broker.APIKey, cfg.Broker.APISecret,
			func(event stream.OrderEvent) {
				eng.HandleStreamEvent(event.Order.ID, &event.Order)
			})
		go orderStream.Run(ctx)
	}

	go eng.Run(ctx)

	// Ops API
	authService := auth.NewService(cfg.Server.JWTSecret)
	authService.RegisterAPICredentials(cfg.Broker.APIKey, cfg.Broker.APISecret)
	authHandlers := auth.NewGinHandlers(authService)
	apiHandlers := api.NewGinHandlers(stateService, checkpoints, eng)

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	api.SetupRoutes(router, authHandlers, authService, apiHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Graceful shutdown: stop the loop, end the session cleanly, drain the
	// API server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down...")

	cancel()

	finalCapital := cfg.Trading.InitialCapital
	if acct, err := brokerClient.GetAccount(context.Background()); err == nil {
		finalCapital = acct.Equity
	}
	if err := stateService.EndSession(eng.SessionID(), finalCapital, types.SessionCompleted); err != nil {
		zlog.Error().Err(err).Msg("Failed to end session cleanly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Trader exiting")
}
