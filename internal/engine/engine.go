package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ksred/apex-trader/internal/broker"
	"github.com/ksred/apex-trader/internal/checkpoint"
	"github.com/ksred/apex-trader/internal/config"
	"github.com/ksred/apex-trader/internal/events"
	"github.com/ksred/apex-trader/internal/ordersync"
	"github.com/ksred/apex-trader/internal/reconcile"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/ksred/apex-trader/internal/watchdog"
	"github.com/ksred/apex-trader/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Signal is an entry signal from the external detector. The engine does not
// judge signal quality; it only acts on it.
type Signal struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	Target     float64 `json:"target"`
}

// Engine drives the single-threaded scan loop: synchronizer, fill
// materialization, watchdog and periodic checkpointing, one iteration per
// scan interval. Component failures inside a cycle are isolated so one
// failing subsystem never prevents another from running.
type Engine struct {
	cfg         *config.Config
	state       *state.Service
	sync        *ordersync.Synchronizer
	reconciler  *reconcile.Reconciler
	checkpoints *checkpoint.Manager
	watchdog    *watchdog.Watchdog
	broker      broker.Client
	recorder    *events.Recorder
	logger      zerolog.Logger

	mu        sync.Mutex
	sessionID string
	params    map[string]interface{}
	pending   map[string]types.PendingOrder

	lastCheckpoint time.Time
}

func New(cfg *config.Config, stateService *state.Service, synchronizer *ordersync.Synchronizer,
	reconciler *reconcile.Reconciler, checkpoints *checkpoint.Manager, dog *watchdog.Watchdog,
	client broker.Client, recorder *events.Recorder) *Engine {
	return &Engine{
		cfg:         cfg,
		state:       stateService,
		sync:        synchronizer,
		reconciler:  reconciler,
		checkpoints: checkpoints,
		watchdog:    dog,
		broker:      client,
		recorder:    recorder,
		logger:      log.With().Str("component", "engine").Logger(),
		pending:     make(map[string]types.PendingOrder),
	}
}

// SessionID returns the session this engine is driving.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Start establishes the session. With resume=true it picks up the most
// recent active session, restores the latest checkpoint for context and
// reconciles against the live broker state before the loop runs. Otherwise
// a stale active session left by a crash is marked crashed and a fresh
// session is created.
func (e *Engine) Start(ctx context.Context, resume bool) error {
	if resume {
		return e.startResumed(ctx)
	}
	return e.startFresh(ctx)
}

func (e *Engine) startFresh(ctx context.Context) error {
	stale, err := e.state.GetLatestActiveSession()
	if err != nil {
		return fmt.Errorf("check for stale session: %w", err)
	}
	if stale != nil {
		if err := e.state.MarkSessionCrashed(stale.SessionID); err != nil {
			return fmt.Errorf("mark stale session crashed: %w", err)
		}
	}

	params := map[string]interface{}{
		"stop_loss_pct":     e.cfg.Trading.StopLossPct,
		"position_size_pct": e.cfg.Trading.PositionSizePct,
	}
	sessionID, err := e.state.CreateSession(e.cfg.Trading.Symbols, e.cfg.Trading.InitialCapital, params)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.sessionID = sessionID
	e.params = params
	e.lastCheckpoint = time.Now()
	e.mu.Unlock()

	// Positions already held at the broker are imported into the new
	// session so the watchdog covers them from the first cycle.
	if err := e.recoverAgainstBroker(ctx); err != nil {
		e.logger.Error().Err(err).Msg("initial broker reconciliation failed; continuing degraded")
		metrics.ComponentFailures.WithLabelValues("reconcile").Inc()
	}
	return nil
}

func (e *Engine) startResumed(ctx context.Context) error {
	session, err := e.state.ResumeSession("")
	if err != nil {
		return err
	}

	params := make(map[string]interface{})
	if session.StrategyParams != "" {
		if err := json.Unmarshal([]byte(session.StrategyParams), &params); err != nil {
			e.logger.Warn().Err(err).Msg("could not decode stored strategy params, using config values")
		}
	}

	e.mu.Lock()
	e.sessionID = session.SessionID
	e.params = params
	e.lastCheckpoint = time.Now()
	e.mu.Unlock()

	// The checkpoint bounds how stale our view can be; restoring is a pure
	// projection, the reconciler pass afterwards converges real state.
	cp, err := e.checkpoints.Latest(session.SessionID)
	if err != nil {
		e.logger.Error().Err(err).Msg("could not load latest checkpoint; resuming from store alone")
	} else if cp != nil {
		restored, err := e.checkpoints.Restore(cp)
		if err != nil {
			e.logger.Error().Err(err).Msg("checkpoint restore failed; resuming from store alone")
		} else {
			e.logger.Info().
				Time("taken_at", restored.TakenAt).
				Int("open_positions", restored.OpenCount).
				Float64("equity", restored.Account.Equity).
				Msg("checkpoint restored")
		}
	}

	if err := e.recoverAgainstBroker(ctx); err != nil {
		return fmt.Errorf("resume reconciliation: %w", err)
	}

	if _, err := e.sync.RecoverManualOrders(ctx, session.SessionID, 100); err != nil {
		e.logger.Error().Err(err).Msg("manual-order recovery failed; continuing")
		metrics.ComponentFailures.WithLabelValues("ordersync").Inc()
	}

	if err := e.rebuildPending(); err != nil {
		return fmt.Errorf("rebuild pending orders: %w", err)
	}

	e.recorder.Emit(events.Event{
		Type:      events.TypeSessionResumed,
		SessionID: session.SessionID,
	})

	return nil
}

// recoverAgainstBroker runs one full reconciliation pass against the live
// broker position list.
func (e *Engine) recoverAgainstBroker(ctx context.Context) error {
	_, err := e.TriggerRecovery(ctx)
	return err
}

// TriggerRecovery reconciles local positions against the broker on demand,
// importing unknown broker positions and closing orphaned local ones.
func (e *Engine) TriggerRecovery(ctx context.Context) (*reconcile.Summary, error) {
	brokerPositions, err := e.broker.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list broker positions: %w", err)
	}

	prices := make(map[string]float64)
	local, err := e.state.GetOpenPositions(e.SessionID())
	if err == nil {
		for _, p := range local {
			if price, perr := e.broker.GetLatestPrice(ctx, p.Symbol); perr == nil {
				prices[p.Symbol] = price
			}
		}
	}

	return e.reconciler.FullRecovery(ctx, e.SessionID(), brokerPositions, prices, true, true)
}

// rebuildPending reloads the tracked pending set from the journal after a
// restart: any journaled entry order not yet terminal is still in flight.
func (e *Engine) rebuildPending() error {
	entries, err := e.state.GetOrders(e.SessionID(), 0)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		if types.IsTerminalStatus(entry.Status) {
			continue
		}
		if entry.ParentOrderID != "" {
			// Protective legs are tracked via their position, not the
			// pending map.
			continue
		}
		direction := types.DirectionLong
		if entry.Side == broker.SideSell {
			direction = types.DirectionShort
		}
		e.pending[entry.BrokerOrderID] = types.PendingOrder{
			BrokerOrderID: entry.BrokerOrderID,
			Symbol:        entry.Symbol,
			Side:          entry.Side,
			Direction:     direction,
			Quantity:      entry.Quantity,
			StopLoss:      entry.StopPrice,
			TakeProfit:    entry.LimitPrice,
			SubmittedAt:   entry.SubmittedAt,
		}
	}

	if len(e.pending) > 0 {
		e.logger.Info().Int("count", len(e.pending)).Msg("pending orders rebuilt from journal")
	}
	return nil
}

// Run drives the scan loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().
		Dur("scan_interval", e.cfg.Trading.ScanInterval).
		Dur("checkpoint_interval", e.cfg.Trading.CheckpointInterval).
		Msg("trading loop started")

	ticker := time.NewTicker(e.cfg.Trading.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("trading loop stopped")
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle performs one scan iteration. Every step runs even when an
// earlier one fails: a broken checkpointer must not stop the watchdog.
func (e *Engine) RunCycle(ctx context.Context) {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"ordersync", e.syncPendingOrders},
		{"materialize", e.materializeFills},
		{"watchdog_stale", e.cancelStaleOrders},
		{"watchdog_protection", e.repairProtection},
		{"checkpoint", e.checkpointIfDue},
	}

	failed := false
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			failed = true
			metrics.ComponentFailures.WithLabelValues(step.name).Inc()
			e.logger.Error().Err(err).Str("step", step.name).Msg("cycle step failed")
		}
	}

	if open, err := e.state.CountPositions(e.SessionID(), types.PositionOpen); err == nil {
		metrics.OpenPositions.Set(float64(open))
	}

	result := "ok"
	if failed {
		result = "error"
	}
	metrics.ScanCycles.WithLabelValues(result).Inc()
}

// snapshotPending copies the pending map under the lock. Cycle steps work
// on the copy so HandleSignal can insert concurrently.
func (e *Engine) snapshotPending() map[string]types.PendingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := make(map[string]types.PendingOrder, len(e.pending))
	for id, po := range e.pending {
		pending[id] = po
	}
	return pending
}

// replacePending installs the step's result, carrying over any order that
// was tracked after the snapshot was taken.
func (e *Engine) replacePending(snapshot, updated map[string]types.PendingOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, po := range e.pending {
		if _, seen := snapshot[id]; !seen {
			updated[id] = po
		}
	}
	e.pending = updated
}

func (e *Engine) syncPendingOrders(ctx context.Context) error {
	pending := e.snapshotPending()
	updated, err := e.sync.SyncPendingOrders(ctx, pending)
	e.replacePending(pending, updated)
	return err
}

// materializeFills turns journaled fills into position state: filled entry
// orders open positions, filled protective legs close them.
func (e *Engine) materializeFills(ctx context.Context) error {
	var firstErr error
	if err := e.materializeEntries(ctx); err != nil {
		firstErr = err
	}
	if err := e.materializeExits(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) materializeEntries(ctx context.Context) error {
	pending := e.snapshotPending()

	var firstErr error
	for id, po := range pending {
		entry, err := e.state.GetOrder(id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if entry == nil || entry.Status != types.OrderStatusFilled {
			continue
		}

		existing, err := e.state.GetOpenPositionBySymbol(e.SessionID(), po.Symbol)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if existing == nil {
			stopOrderID, targetOrderID := e.legOrderIDs(ctx, id)
			fillPrice := entry.FilledAvgPrice
			fillTime := entry.SubmittedAt
			if entry.FilledAt != nil {
				fillTime = *entry.FilledAt
			}
			position := &types.Position{
				SessionID:     e.SessionID(),
				Symbol:        po.Symbol,
				Direction:     po.Direction,
				EntryTime:     fillTime,
				EntryPrice:    fillPrice,
				Quantity:      entry.FilledQty,
				StopLoss:      po.StopLoss,
				TakeProfit:    po.TakeProfit,
				EntryOrderID:  id,
				StopOrderID:   stopOrderID,
				TargetOrderID: targetOrderID,
				Status:        types.PositionOpen,
			}
			if _, err := e.state.SavePosition(position); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			e.recorder.Emit(events.Event{
				Type:      events.TypePositionOpened,
				SessionID: e.SessionID(),
				Symbol:    po.Symbol,
				Data: map[string]interface{}{
					"direction":   po.Direction,
					"entry_price": fillPrice,
					"quantity":    entry.FilledQty,
				},
			})
		}

		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}
	return firstErr
}

// legOrderIDs fetches the broker's view of a bracket entry to link its
// protective legs to the position.
func (e *Engine) legOrderIDs(ctx context.Context, entryOrderID string) (stopID, targetID string) {
	order, err := e.broker.GetOrder(ctx, entryOrderID)
	if err != nil {
		e.logger.Warn().Err(err).Str("broker_order_id", entryOrderID).Msg("could not fetch bracket legs")
		return "", ""
	}
	for _, leg := range order.Legs {
		switch leg.Type {
		case "stop", "stop_limit":
			stopID = leg.ID
		case "limit":
			targetID = leg.ID
		}
		// Legs are journaled here so leg fills can be mirrored later even
		// if the stream missed the submission window.
		if existing, err := e.state.GetOrder(leg.ID); err == nil && existing == nil {
			_, _ = e.state.LogOrder(&types.OrderJournalEntry{
				BrokerOrderID: leg.ID,
				ClientOrderID: leg.ClientOrderID,
				SessionID:     e.SessionID(),
				Symbol:        leg.Symbol,
				Side:          leg.Side,
				OrderType:     leg.Type,
				Quantity:      leg.Qty,
				LimitPrice:    leg.LimitPrice,
				StopPrice:     leg.StopPrice,
				OrderClass:    types.OrderClassBracket,
				ParentOrderID: entryOrderID,
				Status:        broker.NormalizeStatus(leg.Status),
				SubmittedAt:   leg.SubmittedAt,
			})
		}
	}
	return stopID, targetID
}

// materializeExits closes positions whose protective legs have filled. Leg
// statuses are refreshed from the broker first so exits are detected even
// when the realtime stream is down.
func (e *Engine) materializeExits(ctx context.Context) error {
	positions, err := e.state.GetOpenPositions(e.SessionID())
	if err != nil {
		return err
	}

	var firstErr error
	for i := range positions {
		pos := &positions[i]
		legs := []struct {
			orderID string
			reason  string
		}{
			{pos.StopOrderID, types.ExitReasonStopLoss},
			{pos.TargetOrderID, types.ExitReasonTakeProfit},
		}
		for _, leg := range legs {
			if leg.orderID == "" {
				continue
			}
			info, err := e.broker.GetOrder(ctx, leg.orderID)
			if err != nil {
				if !errors.Is(err, broker.ErrOrderNotFound) && firstErr == nil {
					firstErr = err
				}
				continue
			}
			if _, err := e.sync.SyncOrderStatus(leg.orderID, info); err != nil && firstErr == nil {
				firstErr = err
			}
			if broker.NormalizeStatus(info.Status) != broker.StatusFilled {
				continue
			}

			fillTime := time.Now()
			if info.FilledAt != nil {
				fillTime = *info.FilledAt
			}
			err = e.state.ClosePosition(e.SessionID(), pos.Symbol, info.FilledAvgPrice, fillTime, leg.reason, false)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			e.recorder.Emit(events.Event{
				Type:      events.TypePositionClosed,
				SessionID: e.SessionID(),
				Symbol:    pos.Symbol,
				Data: map[string]interface{}{
					"exit_price": info.FilledAvgPrice,
					"reason":     leg.reason,
				},
			})
			break
		}
	}
	return firstErr
}

func (e *Engine) cancelStaleOrders(ctx context.Context) error {
	pending := e.snapshotPending()
	updated := e.watchdog.CancelStale(ctx, pending)
	e.replacePending(pending, updated)
	return nil
}

func (e *Engine) repairProtection(ctx context.Context) error {
	positions, err := e.state.GetOpenPositions(e.SessionID())
	if err != nil {
		return err
	}

	prices := make(map[string]float64, len(positions))
	for _, p := range positions {
		price, err := e.broker.GetLatestPrice(ctx, p.Symbol)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("price fetch failed")
			continue
		}
		prices[p.Symbol] = price
	}

	return e.watchdog.RepairProtection(ctx, e.SessionID(), prices)
}

func (e *Engine) checkpointIfDue(ctx context.Context) error {
	e.mu.Lock()
	due := time.Since(e.lastCheckpoint) >= e.cfg.Trading.CheckpointInterval
	e.mu.Unlock()
	if !due {
		return nil
	}

	account := checkpoint.AccountSnapshot{}
	if acct, err := e.broker.GetAccount(ctx); err == nil {
		account = checkpoint.AccountSnapshot{
			Equity:      acct.Equity,
			BuyingPower: acct.BuyingPower,
			Cash:        acct.Cash,
		}
	} else {
		e.logger.Warn().Err(err).Msg("account fetch failed, checkpointing without account snapshot")
	}

	if _, err := e.checkpoints.Create(e.SessionID(), account, e.params); err != nil {
		// Trading continues without crash-safety; the degradation must be
		// visible, never silent.
		metrics.CheckpointFailures.Inc()
		return fmt.Errorf("checkpoint: %w", err)
	}

	e.mu.Lock()
	e.lastCheckpoint = time.Now()
	e.mu.Unlock()

	if _, err := e.checkpoints.CleanupOld(e.SessionID(), e.cfg.Trading.CheckpointKeep, nil); err != nil {
		e.logger.Warn().Err(err).Msg("checkpoint cleanup failed")
	}
	return nil
}

// HandleSignal acts on an entry signal: it submits one bracket order and
// tracks it as pending. Symbols with an open position or an in-flight entry
// are skipped; the one-open-position-per-symbol invariant is enforced here,
// ahead of the side-effect-free write path.
func (e *Engine) HandleSignal(ctx context.Context, sig Signal) error {
	sessionID := e.SessionID()

	e.recorder.Emit(events.Event{
		Type:      events.TypeSignalDetected,
		SessionID: sessionID,
		Symbol:    sig.Symbol,
		Data: map[string]interface{}{
			"direction":   sig.Direction,
			"entry_price": sig.EntryPrice,
		},
	})

	existing, err := e.state.GetOpenPositionBySymbol(sessionID, sig.Symbol)
	if err != nil {
		return err
	}
	if existing != nil {
		e.logger.Debug().Str("symbol", sig.Symbol).Msg("signal skipped, position already open")
		return nil
	}

	e.mu.Lock()
	for _, po := range e.pending {
		if po.Symbol == sig.Symbol {
			e.mu.Unlock()
			e.logger.Debug().Str("symbol", sig.Symbol).Msg("signal skipped, entry already pending")
			return nil
		}
	}
	e.mu.Unlock()

	qty := math.Floor(e.cfg.Trading.InitialCapital * e.cfg.Trading.PositionSizePct / sig.EntryPrice)
	if qty < 1 {
		return fmt.Errorf("signal for %s sizes below one share at %.2f", sig.Symbol, sig.EntryPrice)
	}

	side := broker.SideBuy
	if sig.Direction == types.DirectionShort {
		side = broker.SideSell
	}

	order, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:     sig.Symbol,
		Qty:        qty,
		Side:       side,
		Type:       "market",
		OrderClass: types.OrderClassBracket,
		TakeProfit: &broker.TakeProfitSpec{LimitPrice: sig.Target},
		StopLoss:   &broker.StopLossSpec{StopPrice: sig.StopLoss},
	})
	if err != nil {
		return fmt.Errorf("submit entry order: %w", err)
	}

	if _, err := e.state.LogOrder(&types.OrderJournalEntry{
		BrokerOrderID:  order.ID,
		ClientOrderID:  order.ClientOrderID,
		SessionID:      sessionID,
		Symbol:         sig.Symbol,
		Side:           side,
		OrderType:      "market",
		Quantity:       qty,
		LimitPrice:     sig.Target,
		StopPrice:      sig.StopLoss,
		OrderClass:     types.OrderClassBracket,
		Status:         broker.NormalizeStatus(order.Status),
		FilledQty:      order.FilledQty,
		FilledAvgPrice: order.FilledAvgPrice,
		FilledAt:       order.FilledAt,
		SubmittedAt:    order.SubmittedAt,
	}); err != nil {
		return fmt.Errorf("journal entry order: %w", err)
	}

	e.mu.Lock()
	e.pending[order.ID] = types.PendingOrder{
		BrokerOrderID: order.ID,
		Symbol:        sig.Symbol,
		Side:          side,
		Direction:     sig.Direction,
		Quantity:      qty,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.Target,
		SubmittedAt:   order.SubmittedAt,
	}
	e.mu.Unlock()

	e.recorder.Emit(events.Event{
		Type:      events.TypeOrderPlaced,
		SessionID: sessionID,
		Symbol:    sig.Symbol,
		Data: map[string]interface{}{
			"order_id": order.ID,
			"qty":      qty,
			"side":     side,
		},
	})

	e.logger.Info().
		Str("symbol", sig.Symbol).
		Str("direction", sig.Direction).
		Float64("qty", qty).
		Str("order_id", order.ID).
		Msg("entry order placed from signal")

	return nil
}

// HandleStreamEvent is the consumer side of the realtime order stream. It
// funnels into the same idempotent journal write as the polling path.
func (e *Engine) HandleStreamEvent(orderID string, order *broker.Order) {
	if _, err := e.sync.SyncOrderStatus(orderID, order); err != nil {
		e.logger.Error().Err(err).Str("broker_order_id", orderID).Msg("stream event journal write failed")
	}
}
