package reconcile_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/apex-trader/internal/broker"
	"github.com/ksred/apex-trader/internal/database"
	"github.com/ksred/apex-trader/internal/reconcile"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*reconcile.Reconciler, *state.Service, string) {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	stateService := state.NewService(db)
	sessionID, err := stateService.CreateSession([]string{"MSFT", "NVDA", "TSLA"}, 100000, nil)
	require.NoError(t, err)

	return reconcile.NewReconciler(stateService), stateService, sessionID
}

func openPosition(t *testing.T, s *state.Service, sessionID, symbol string, price float64) {
	t.Helper()
	_, err := s.SavePosition(&types.Position{
		SessionID:  sessionID,
		Symbol:     symbol,
		Direction:  types.DirectionLong,
		EntryTime:  time.Now(),
		EntryPrice: price,
		Quantity:   10,
	})
	require.NoError(t, err)
}

func TestReconcileThreeWaySplit(t *testing.T) {
	t.Parallel()

	r, stateService, sessionID := newTestReconciler(t)

	// Local knows MSFT and TSLA; the broker holds MSFT and NVDA.
	openPosition(t, stateService, sessionID, "MSFT", 380.25)
	openPosition(t, stateService, sessionID, "TSLA", 242.10)

	brokerPositions := []broker.Position{
		{Symbol: "MSFT", Side: broker.PositionSideLong, Qty: 50, AvgEntryPrice: 380.25},
		{Symbol: "NVDA", Side: broker.PositionSideLong, Qty: 25, AvgEntryPrice: 875.50},
	}

	diff, err := r.Reconcile(sessionID, brokerPositions)
	require.NoError(t, err)

	assert.Equal(t, []string{"MSFT"}, diff.Matched)
	require.Len(t, diff.NewInBroker, 1)
	assert.Equal(t, "NVDA", diff.NewInBroker[0].Symbol)
	require.Len(t, diff.OrphanedLocal, 1)
	assert.Equal(t, "TSLA", diff.OrphanedLocal[0].Symbol)
}

func TestFullRecoveryConvergesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	r, stateService, sessionID := newTestReconciler(t)
	ctx := context.Background()

	openPosition(t, stateService, sessionID, "MSFT", 380.25)
	openPosition(t, stateService, sessionID, "TSLA", 242.10)

	brokerPositions := []broker.Position{
		{Symbol: "MSFT", Side: broker.PositionSideLong, Qty: 50, AvgEntryPrice: 380.25},
		{Symbol: "NVDA", Side: broker.PositionSideLong, Qty: 25, AvgEntryPrice: 875.50},
	}
	prices := map[string]float64{"TSLA": 240.00}

	summary, err := r.FullRecovery(ctx, sessionID, brokerPositions, prices, true, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Matched)
	assert.Equal(t, 1, summary.Imported)
	assert.Equal(t, 1, summary.Closed)

	// Imported NVDA carries an approximated entry time.
	nvda, err := stateService.GetOpenPositionBySymbol(sessionID, "NVDA")
	require.NoError(t, err)
	require.NotNil(t, nvda)
	assert.True(t, nvda.EntryTimeApprox)
	assert.InDelta(t, 875.50, nvda.EntryPrice, 1e-9)
	assert.InDelta(t, 25.0, nvda.Quantity, 1e-9)

	// Orphaned TSLA is closed with the recovery reason and an approximate
	// exit price.
	positions, err := stateService.GetPositions(sessionID)
	require.NoError(t, err)
	var tsla *types.Position
	for i := range positions {
		if positions[i].Symbol == "TSLA" {
			tsla = &positions[i]
		}
	}
	require.NotNil(t, tsla)
	assert.Equal(t, types.PositionClosed, tsla.Status)
	assert.Equal(t, types.ExitReasonRecoveredClosed, tsla.ExitReason)
	assert.True(t, tsla.ExitPriceApprox)
	require.NotNil(t, tsla.ExitPrice)
	assert.InDelta(t, 240.00, *tsla.ExitPrice, 1e-9)

	// A second pass against the unchanged broker list changes nothing.
	summary, err = r.FullRecovery(ctx, sessionID, brokerPositions, prices, true, true)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Matched)
	assert.Zero(t, summary.Imported)
	assert.Zero(t, summary.Closed)

	open, err := stateService.GetOpenPositions(sessionID)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestFullRecoveryShortImport(t *testing.T) {
	t.Parallel()

	r, stateService, sessionID := newTestReconciler(t)

	summary, err := r.FullRecovery(context.Background(), sessionID, []broker.Position{
		{Symbol: "TSLA", Side: broker.PositionSideShort, Qty: 15, AvgEntryPrice: 250.00},
	}, nil, true, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Imported)

	pos, err := stateService.GetOpenPositionBySymbol(sessionID, "TSLA")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, types.DirectionShort, pos.Direction)
}

func TestFullRecoveryOrphanWithoutPrice(t *testing.T) {
	t.Parallel()

	r, stateService, sessionID := newTestReconciler(t)

	openPosition(t, stateService, sessionID, "TSLA", 242.10)

	// No price available: the position is still closed for bookkeeping,
	// flagged approximate, with no realized P&L claimed.
	summary, err := r.FullRecovery(context.Background(), sessionID, nil, nil, true, true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Closed)

	positions, err := stateService.GetPositions(sessionID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, types.PositionClosed, positions[0].Status)
	assert.True(t, positions[0].ExitPriceApprox)
	assert.Zero(t, positions[0].RealizedPL)
}
