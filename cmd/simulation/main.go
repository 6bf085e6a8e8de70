// Simulation drives the full recovery engine against the in-memory paper
// broker: a signal becomes a filled bracket entry, protection lapses and is
// repaired, positions appear and vanish at the broker behind the engine's
// back, and a restart resumes the session and reconciles everything.
package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/apex-trader/internal/broker"
	"github.com/ksred/apex-trader/internal/checkpoint"
	"github.com/ksred/apex-trader/internal/config"
	"github.com/ksred/apex-trader/internal/database"
	"github.com/ksred/apex-trader/internal/engine"
	"github.com/ksred/apex-trader/internal/events"
	"github.com/ksred/apex-trader/internal/ordersync"
	"github.com/ksred/apex-trader/internal/reconcile"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/ksred/apex-trader/internal/watchdog"
	"gorm.io/gorm"
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func simConfig() *config.Config {
	cfg := config.Default()
	cfg.Trading.Symbols = []string{"MSFT", "NVDA", "TSLA"}
	cfg.Trading.ScanInterval = 100 * time.Millisecond
	cfg.Trading.CheckpointInterval = 200 * time.Millisecond
	cfg.Trading.StaleOrderTimeout = time.Minute
	return cfg
}

func buildEngine(cfg *config.Config, db *gorm.DB, paper *broker.Paper, recorder *events.Recorder) (*engine.Engine, *state.Service) {
	stateService := state.NewService(db)
	synchronizer := ordersync.NewSynchronizer(stateService, paper)
	reconciler := reconcile.NewReconciler(stateService)
	checkpoints := checkpoint.NewManager(db)
	dog := watchdog.New(stateService, paper, recorder, cfg.Trading.StaleOrderTimeout, cfg.Trading.StopLossPct)
	return engine.New(cfg, stateService, synchronizer, reconciler, checkpoints, dog, paper, recorder), stateService
}

func main() {
	dir, err := os.MkdirTemp("", "apex-sim")
	if err != nil {
		log.Fatal().Err(err).Msg("temp dir")
	}
	defer os.RemoveAll(dir)
	dbPath := filepath.Join(dir, "sim.db")

	cfg := simConfig()
	ctx := context.Background()

	db, err := database.NewDatabase(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}

	paper := broker.NewPaper()
	paper.SetPrice("MSFT", 380.25)
	paper.SetPrice("NVDA", 875.50)
	paper.SetPrice("TSLA", 248.80)

	recorder := events.NewRecorder("")
	go recorder.Run(ctx)

	eng, stateService := buildEngine(cfg, db, paper, recorder)
	if err := eng.Start(ctx, false); err != nil {
		log.Fatal().Err(err).Msg("start engine")
	}
	log.Info().Str("session_id", eng.SessionID()).Msg("=== phase 1: signal to open position ===")

	sig := engine.Signal{
		Symbol:     "MSFT",
		Direction:  types.DirectionLong,
		EntryPrice: 380.25,
		StopLoss:   372.65,
		Target:     395.45,
	}
	if err := eng.HandleSignal(ctx, sig); err != nil {
		log.Fatal().Err(err).Msg("handle signal")
	}
	eng.RunCycle(ctx)

	open, _ := stateService.GetOpenPositions(eng.SessionID())
	log.Info().Int("open_positions", len(open)).Msg("positions after fill materialization")

	log.Info().Msg("=== phase 2: protective coverage lapses ===")
	if len(open) > 0 {
		pos := open[0]
		paper.ForceOrderStatus(pos.StopOrderID, "canceled")
		paper.ForceOrderStatus(pos.TargetOrderID, "expired")
	}
	eng.RunCycle(ctx)

	repaired, _ := stateService.GetOpenPositionBySymbol(eng.SessionID(), "MSFT")
	if repaired != nil {
		log.Info().
			Float64("stop_loss", repaired.StopLoss).
			Float64("take_profit", repaired.TakeProfit).
			Msg("protection repaired from current price")
	}

	log.Info().Msg("=== phase 3: broker diverges behind our back ===")
	paper.ImportPosition("NVDA", broker.PositionSideLong, 25, 875.50)
	paper.ClosePosition("MSFT")

	summary, err := eng.TriggerRecovery(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("recovery")
	}
	log.Info().
		Int("matched", summary.Matched).
		Int("imported", summary.Imported).
		Int("closed", summary.Closed).
		Msg("reconciliation summary")

	log.Info().Msg("=== phase 4: crash and resume ===")
	// A new engine over the same store stands in for a restarted process.
	eng2, stateService2 := buildEngine(cfg, db, paper, recorder)
	if err := eng2.Start(ctx, true); err != nil {
		log.Fatal().Err(err).Msg("resume engine")
	}
	eng2.RunCycle(ctx)

	open2, _ := stateService2.GetOpenPositions(eng2.SessionID())
	log.Info().
		Str("session_id", eng2.SessionID()).
		Int("open_positions", len(open2)).
		Msg("resumed session state")

	log.Info().Msg("simulation complete")
}
