package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/apex-trader/internal/broker"
	"github.com/ksred/apex-trader/internal/events"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/ksred/apex-trader/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Watchdog performs the two per-cycle repairs that keep money-at-risk
// bounded: canceling entry orders that sat unfilled past the stale timeout,
// and replacing protective exit coverage that has lapsed at the broker.
type Watchdog struct {
	state    *state.Service
	broker   broker.Client
	recorder *events.Recorder

	staleTimeout time.Duration
	stopPct      float64

	logger zerolog.Logger
}

func New(stateService *state.Service, client broker.Client, recorder *events.Recorder, staleTimeout time.Duration, stopPct float64) *Watchdog {
	if staleTimeout <= 0 {
		staleTimeout = 10 * time.Minute
	}
	return &Watchdog{
		state:        stateService,
		broker:       client,
		recorder:     recorder,
		staleTimeout: staleTimeout,
		stopPct:      stopPct,
		logger:       log.With().Str("component", "watchdog").Logger(),
	}
}

// CancelStale cancels every tracked pending order older than the stale
// timeout, judged on its original submission time. A failed cancel leaves
// the order in the map: it is re-evaluated against the same submission time
// next cycle, so a failing cancel is retried immediately, not backed off.
func (w *Watchdog) CancelStale(ctx context.Context, pending map[string]types.PendingOrder) map[string]types.PendingOrder {
	now := time.Now()
	updated := make(map[string]types.PendingOrder, len(pending))
	for id, po := range pending {
		updated[id] = po
	}

	for id, po := range pending {
		age := now.Sub(po.SubmittedAt)
		if age < w.staleTimeout {
			continue
		}

		if err := w.broker.CancelOrder(ctx, id); err != nil {
			w.logger.Warn().Err(err).
				Str("broker_order_id", id).
				Str("symbol", po.Symbol).
				Dur("age", age).
				Msg("stale order cancel failed, will retry next cycle")
			continue
		}

		// A fill can race the cancel acknowledgment. The journal's
		// terminal status wins; the fill path keeps owning the order.
		entry, err := w.state.GetOrder(id)
		if err != nil {
			w.logger.Error().Err(err).Str("broker_order_id", id).Msg("failed to load journal entry for stale order")
			continue
		}
		if entry != nil && types.IsTerminalStatus(entry.Status) {
			continue
		}

		// Journal before dropping the order from tracking, same ordering
		// discipline as the synchronizer's cancel path.
		canceledAt := now
		err = w.state.UpdateOrderStatus(id, types.OrderStatusCanceled, 0, 0, &canceledAt, "")
		if err != nil {
			w.logger.Error().Err(err).Str("broker_order_id", id).Msg("failed to journal stale-order cancel")
		}
		delete(updated, id)
		metrics.StaleOrdersCanceled.Inc()

		w.logger.Info().
			Str("broker_order_id", id).
			Str("symbol", po.Symbol).
			Dur("age", age).
			Msg("stale unfilled entry order canceled")
	}

	return updated
}

// RepairProtection scans every open position whose entry used a
// bracket/OCO/OTO class and checks that at least one protective leg is
// still live at the broker. A position with zero non-terminal legs is at
// risk: one fresh OCO is submitted, sized to the position's quantity, with
// levels recomputed from the current market price rather than the original
// entry (the position has likely moved since entry).
//
// On submission failure the position is left alone this cycle except for a
// risk alert; an uncovered position is a standing risk, so the next cycle
// re-detects and retries aggressively with no backoff.
func (w *Watchdog) RepairProtection(ctx context.Context, sessionID string, currentPrices map[string]float64) error {
	positions, err := w.state.GetOpenPositions(sessionID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	var firstErr error
	for i := range positions {
		pos := &positions[i]

		protected, checkErr := w.hasLiveProtection(ctx, pos)
		if checkErr != nil {
			w.logger.Warn().Err(checkErr).
				Str("symbol", pos.Symbol).
				Msg("could not determine protection status, skipping this cycle")
			if firstErr == nil {
				firstErr = checkErr
			}
			continue
		}
		if protected {
			continue
		}

		price, ok := currentPrices[pos.Symbol]
		if !ok || price <= 0 {
			w.alert(pos, 0, "no current price available to recompute protective levels")
			if firstErr == nil {
				firstErr = fmt.Errorf("no price for at-risk position %s", pos.Symbol)
			}
			continue
		}

		if err := w.replaceProtection(ctx, pos, price); err != nil {
			w.alert(pos, price, err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// hasLiveProtection checks the position's protective legs at the broker.
// Protection has lapsed only when every known leg is terminal; a position
// with no bracket-class entry is out of scope for repair.
func (w *Watchdog) hasLiveProtection(ctx context.Context, pos *types.Position) (bool, error) {
	legIDs := make([]string, 0, 2)
	if pos.StopOrderID != "" {
		legIDs = append(legIDs, pos.StopOrderID)
	}
	if pos.TargetOrderID != "" {
		legIDs = append(legIDs, pos.TargetOrderID)
	}

	if len(legIDs) == 0 {
		// Leg references missing locally (imported position, or refs lost
		// in a crash): fall back to the entry order's leg list.
		if pos.EntryOrderID == "" {
			return true, nil
		}
		entry, err := w.state.GetOrder(pos.EntryOrderID)
		if err != nil {
			return false, err
		}
		if entry == nil || entry.OrderClass == types.OrderClassSimple || entry.OrderClass == "" {
			return true, nil
		}
		order, err := w.broker.GetOrder(ctx, pos.EntryOrderID)
		if err != nil {
			return false, err
		}
		if len(order.Legs) == 0 {
			return false, nil
		}
		for _, leg := range order.Legs {
			if !broker.IsTerminal(broker.NormalizeStatus(leg.Status)) {
				return true, nil
			}
		}
		return false, nil
	}

	for _, id := range legIDs {
		order, err := w.broker.GetOrder(ctx, id)
		if err != nil {
			return false, err
		}
		if !broker.IsTerminal(broker.NormalizeStatus(order.Status)) {
			return true, nil
		}
	}
	return false, nil
}

// replaceProtection submits one fresh OCO sized to the position and
// persists the new levels on success.
func (w *Watchdog) replaceProtection(ctx context.Context, pos *types.Position, price float64) error {
	stopLoss, takeProfit := ProtectiveLevels(pos.Direction, price, w.stopPct)

	side := broker.SideSell
	if pos.Direction == types.DirectionShort {
		side = broker.SideBuy
	}

	order, err := w.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:      pos.Symbol,
		Qty:         pos.Quantity,
		Side:        side,
		Type:        "limit",
		LimitPrice:  takeProfit,
		OrderClass:  types.OrderClassOCO,
		TakeProfit:  &broker.TakeProfitSpec{LimitPrice: takeProfit},
		StopLoss:    &broker.StopLossSpec{StopPrice: stopLoss},
		TimeInForce: "gtc",
	})
	if err != nil {
		return fmt.Errorf("submit replacement OCO: %w", err)
	}

	var stopOrderID, targetOrderID string
	for _, leg := range order.Legs {
		switch leg.Type {
		case "stop", "stop_limit":
			stopOrderID = leg.ID
		case "limit":
			targetOrderID = leg.ID
		}
	}
	if targetOrderID == "" {
		targetOrderID = order.ID
	}

	if _, err := w.state.LogOrder(&types.OrderJournalEntry{
		BrokerOrderID: order.ID,
		ClientOrderID: order.ClientOrderID,
		SessionID:     pos.SessionID,
		Symbol:        pos.Symbol,
		Side:          side,
		OrderType:     "limit",
		Quantity:      pos.Quantity,
		LimitPrice:    takeProfit,
		StopPrice:     stopLoss,
		OrderClass:    types.OrderClassOCO,
		Status:        broker.NormalizeStatus(order.Status),
		SubmittedAt:   order.SubmittedAt,
	}); err != nil {
		w.logger.Error().Err(err).Str("broker_order_id", order.ID).Msg("failed to journal replacement OCO")
	}

	err = w.state.UpdateProtectionLevels(pos.SessionID, pos.Symbol, stopLoss, takeProfit, stopOrderID, targetOrderID)
	if err != nil {
		return fmt.Errorf("persist new protective levels: %w", err)
	}

	w.logger.Info().
		Str("symbol", pos.Symbol).
		Float64("current_price", price).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", takeProfit).
		Str("oco_order_id", order.ID).
		Msg("lapsed protective coverage replaced")

	w.recorder.Emit(events.Event{
		Type:      events.TypeProtectionRepair,
		SessionID: pos.SessionID,
		Symbol:    pos.Symbol,
		Data: map[string]interface{}{
			"stop_loss":   stopLoss,
			"take_profit": takeProfit,
			"order_id":    order.ID,
		},
	})

	return nil
}

// alert surfaces lapsed coverage as a risk alert, not merely a log line:
// an unprotected position is unbounded financial exposure.
func (w *Watchdog) alert(pos *types.Position, price float64, reason string) {
	metrics.RiskAlerts.Inc()
	w.logger.Error().
		Str("symbol", pos.Symbol).
		Str("direction", pos.Direction).
		Float64("qty", pos.Quantity).
		Float64("current_price", price).
		Str("reason", reason).
		Msg("RISK ALERT: open position without protective coverage")

	w.recorder.Emit(events.Event{
		Type:      events.TypeRiskAlert,
		SessionID: pos.SessionID,
		Symbol:    pos.Symbol,
		Data: map[string]interface{}{
			"reason":   reason,
			"quantity": pos.Quantity,
		},
	})
}

// ProtectiveLevels computes replacement stop/target levels from the current
// price. The target is set at twice the stop distance, preserving the
// strategy's 2:1 reward-to-risk on the remaining quantity.
func ProtectiveLevels(direction string, price, stopPct float64) (stopLoss, takeProfit float64) {
	if direction == types.DirectionShort {
		return price * (1 + stopPct), price * (1 - 2*stopPct)
	}
	return price * (1 - stopPct), price * (1 + 2*stopPct)
}
