package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/apex-trader/internal/broker"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/ksred/apex-trader/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Reconciler resolves divergence between the broker's authoritative open
// position list and the local position table. It runs at startup/resume and
// on demand; steady-state cycles rely on the synchronizer instead.
type Reconciler struct {
	state  *state.Service
	logger zerolog.Logger
}

func NewReconciler(stateService *state.Service) *Reconciler {
	return &Reconciler{
		state:  stateService,
		logger: log.With().Str("component", "reconcile").Logger(),
	}
}

// Diff is the three-way split of broker vs local open symbols.
type Diff struct {
	Matched       []string
	NewInBroker   []broker.Position
	OrphanedLocal []types.Position
}

// Summary reports what a full recovery pass changed.
type Summary struct {
	Matched  int `json:"matched"`
	Imported int `json:"imported"`
	Closed   int `json:"closed"`
}

// Reconcile computes the set diff keyed by symbol. Both sides hold at most
// one position per symbol, so symbol identity is sufficient.
func (r *Reconciler) Reconcile(sessionID string, brokerPositions []broker.Position) (*Diff, error) {
	local, err := r.state.GetOpenPositions(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load local open positions: %w", err)
	}

	localBySymbol := make(map[string]types.Position, len(local))
	for _, p := range local {
		localBySymbol[p.Symbol] = p
	}
	brokerSymbols := make(map[string]struct{}, len(brokerPositions))

	diff := &Diff{}
	for _, bp := range brokerPositions {
		brokerSymbols[bp.Symbol] = struct{}{}
		if _, ok := localBySymbol[bp.Symbol]; ok {
			diff.Matched = append(diff.Matched, bp.Symbol)
		} else {
			diff.NewInBroker = append(diff.NewInBroker, bp)
		}
	}
	for _, p := range local {
		if _, ok := brokerSymbols[p.Symbol]; !ok {
			diff.OrphanedLocal = append(diff.OrphanedLocal, p)
		}
	}

	return diff, nil
}

// FullRecovery runs the complete reconciliation algorithm and converges
// local state. The diff is recomputed from current state on every call, so
// a second run against an unchanged broker list imports and closes nothing.
//
// Imported positions carry an approximated entry time (the true one is
// unrecoverable) and orphaned positions are closed at a best-effort price
// from currentPrices, flagged approximate, never presented as a true fill.
func (r *Reconciler) FullRecovery(ctx context.Context, sessionID string, brokerPositions []broker.Position, currentPrices map[string]float64, importNew, closeOrphaned bool) (*Summary, error) {
	diff, err := r.Reconcile(sessionID, brokerPositions)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Matched: len(diff.Matched)}

	if importNew {
		for _, bp := range diff.NewInBroker {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			direction := types.DirectionLong
			if bp.Side == broker.PositionSideShort {
				direction = types.DirectionShort
			}
			position := &types.Position{
				SessionID:       sessionID,
				Symbol:          bp.Symbol,
				Direction:       direction,
				EntryTime:       time.Now(),
				EntryPrice:      bp.AvgEntryPrice,
				Quantity:        bp.Qty,
				Status:          types.PositionOpen,
				EntryTimeApprox: true,
			}
			if _, err := r.state.SavePosition(position); err != nil {
				return summary, fmt.Errorf("import broker position %s: %w", bp.Symbol, err)
			}
			summary.Imported++
			metrics.Reconciliation.WithLabelValues("imported").Inc()

			r.logger.Warn().
				Str("symbol", bp.Symbol).
				Str("direction", direction).
				Float64("qty", bp.Qty).
				Float64("entry_price", bp.AvgEntryPrice).
				Msg("imported position held at broker but unknown locally")
		}
	}

	if closeOrphaned {
		for _, p := range diff.OrphanedLocal {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			exitPrice := currentPrices[p.Symbol]
			err := r.state.ClosePosition(sessionID, p.Symbol, exitPrice, time.Now(),
				types.ExitReasonRecoveredClosed, true)
			if err != nil {
				return summary, fmt.Errorf("close orphaned position %s: %w", p.Symbol, err)
			}
			summary.Closed++
			metrics.Reconciliation.WithLabelValues("closed").Inc()

			r.logger.Warn().
				Str("symbol", p.Symbol).
				Float64("approx_exit_price", exitPrice).
				Msg("closed local position no longer held at broker")
		}
	}

	metrics.Reconciliation.WithLabelValues("matched").Add(float64(summary.Matched))

	r.logger.Info().
		Str("session_id", sessionID).
		Int("matched", summary.Matched).
		Int("imported", summary.Imported).
		Int("closed", summary.Closed).
		Msg("position reconciliation complete")

	return summary, nil
}
