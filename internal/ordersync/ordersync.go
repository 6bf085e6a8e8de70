package ordersync

import (
	"context"
	"fmt"

	"github.com/ksred/apex-trader/internal/broker"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/ksred/apex-trader/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Synchronizer keeps the order journal consistent with the broker. It is
// fed from two independent paths, periodic polling and the realtime order
// stream, and both funnel through SyncOrderStatus so that applying the same
// terminal transition twice is a no-op.
type Synchronizer struct {
	state  *state.Service
	broker broker.Client
	logger zerolog.Logger
}

func NewSynchronizer(stateService *state.Service, client broker.Client) *Synchronizer {
	return &Synchronizer{
		state:  stateService,
		broker: client,
		logger: log.With().Str("component", "ordersync").Logger(),
	}
}

// SyncOrderStatus writes a broker-reported transition through to the
// journal. Only terminal statuses are recorded: the journal captures
// outcomes, not every intermediate hop. Returns true when a write happened.
//
// Monotonicity is enforced here: an entry already in a terminal state is
// never touched again, so a delayed or replayed non-terminal (or duplicate
// terminal) update cannot regress it.
func (s *Synchronizer) SyncOrderStatus(brokerOrderID string, info *broker.Order) (bool, error) {
	status := broker.NormalizeStatus(info.Status)
	if !broker.IsTerminal(status) {
		return false, nil
	}

	entry, err := s.state.GetOrder(brokerOrderID)
	if err != nil {
		return false, fmt.Errorf("load journal entry: %w", err)
	}
	if entry == nil {
		// Not journaled yet; manual-order recovery owns that case.
		return false, nil
	}
	if types.IsTerminalStatus(entry.Status) {
		return false, nil
	}

	var reason string
	if status == broker.StatusRejected {
		reason = "rejected by broker"
	}
	err = s.state.UpdateOrderStatus(brokerOrderID, status,
		info.FilledQty, info.FilledAvgPrice, info.FilledAt, reason)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}

	s.logger.Info().
		Str("broker_order_id", brokerOrderID).
		Str("symbol", info.Symbol).
		Str("status", status).
		Float64("filled_qty", info.FilledQty).
		Msg("terminal order status journaled")

	return true, nil
}

// SyncPendingOrders refreshes every locally-tracked pending order against
// the broker and returns the updated pending map.
//
// Filled orders stay in the map so the caller's fill-materialization step
// can consume them. Canceled, expired and rejected orders are journaled
// before removal: a crash between removal and the write would otherwise
// silently lose the terminal outcome.
func (s *Synchronizer) SyncPendingOrders(ctx context.Context, pending map[string]types.PendingOrder) (map[string]types.PendingOrder, error) {
	updated := make(map[string]types.PendingOrder, len(pending))
	for id, po := range pending {
		updated[id] = po
	}

	var firstErr error
	for id, po := range pending {
		info, err := s.broker.GetOrder(ctx, id)
		if err != nil {
			// Transient lookup failures leave the order tracked; the
			// next scan cycle is the retry mechanism.
			s.logger.Warn().Err(err).
				Str("broker_order_id", id).
				Str("symbol", po.Symbol).
				Msg("pending order status fetch failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		switch broker.NormalizeStatus(info.Status) {
		case broker.StatusFilled:
			if _, err := s.SyncOrderStatus(id, info); err != nil {
				s.logger.Error().Err(err).Str("broker_order_id", id).Msg("journal write failed for fill")
				if firstErr == nil {
					firstErr = err
				}
			}
			// Left in the map for the caller's fill-materialization step.

		case broker.StatusPartiallyFilled:
			// Keep monitoring, but record progress so a crash mid-fill
			// does not lose the partial quantity.
			if err := s.recordPartialFill(id, info); err != nil && firstErr == nil {
				firstErr = err
			}

		case broker.StatusCanceled, broker.StatusExpired, broker.StatusRejected:
			if _, err := s.SyncOrderStatus(id, info); err != nil {
				s.logger.Error().Err(err).Str("broker_order_id", id).Msg("journal write failed for terminal status")
				if firstErr == nil {
					firstErr = err
				}
				// Keep tracking rather than dropping an unjournaled outcome.
				continue
			}
			delete(updated, id)

		default:
			// new/pending: keep tracking, nothing to journal.
		}
	}

	return updated, firstErr
}

// recordPartialFill writes partial-fill progress to the journal. The same
// terminal guard as SyncOrderStatus applies: if the stream path has already
// journaled the order's outcome, a stale polled snapshot must not regress it.
func (s *Synchronizer) recordPartialFill(brokerOrderID string, info *broker.Order) error {
	entry, err := s.state.GetOrder(brokerOrderID)
	if err != nil {
		return fmt.Errorf("load journal entry: %w", err)
	}
	if entry == nil || types.IsTerminalStatus(entry.Status) {
		return nil
	}
	return s.state.UpdateOrderStatus(brokerOrderID, types.OrderStatusPartiallyFilled,
		info.FilledQty, info.FilledAvgPrice, nil, "")
}

// RecoverManualOrders diffs the broker's recent order history against the
// journal and logs any terminal order the journal has never seen. This is
// how orders placed outside the system, manual intervention or another
// process, still end up in the audit trail. Known orders are never
// re-logged.
func (s *Synchronizer) RecoverManualOrders(ctx context.Context, sessionID string, limit int) ([]string, error) {
	orders, err := s.broker.ListOrders(ctx, "closed", limit)
	if err != nil {
		return nil, fmt.Errorf("list broker orders: %w", err)
	}

	known, err := s.state.KnownOrderIDs()
	if err != nil {
		return nil, fmt.Errorf("load known order ids: %w", err)
	}

	var recovered []string
	for i := range orders {
		o := &orders[i]
		if _, ok := known[o.ID]; ok {
			continue
		}
		status := broker.NormalizeStatus(o.Status)
		if !broker.IsTerminal(status) {
			continue
		}

		entry := &types.OrderJournalEntry{
			BrokerOrderID:  o.ID,
			ClientOrderID:  o.ClientOrderID,
			SessionID:      sessionID,
			Symbol:         o.Symbol,
			Side:           o.Side,
			OrderType:      o.Type,
			Quantity:       o.Qty,
			LimitPrice:     o.LimitPrice,
			StopPrice:      o.StopPrice,
			OrderClass:     orderClass(o),
			Status:         status,
			FilledQty:      o.FilledQty,
			FilledAvgPrice: o.FilledAvgPrice,
			FilledAt:       o.FilledAt,
			SubmittedAt:    o.SubmittedAt,
		}
		if _, err := s.state.LogOrder(entry); err != nil {
			s.logger.Error().Err(err).
				Str("broker_order_id", o.ID).
				Msg("failed to journal manually placed order")
			continue
		}
		recovered = append(recovered, o.ID)
		metrics.ManualOrdersRecovered.Inc()
	}

	if len(recovered) > 0 {
		s.logger.Warn().
			Int("count", len(recovered)).
			Strs("order_ids", recovered).
			Msg("recovered orders placed outside the system")
	}

	return recovered, nil
}

func orderClass(o *broker.Order) string {
	if o.OrderClass == "" {
		return types.OrderClassSimple
	}
	return o.OrderClass
}
