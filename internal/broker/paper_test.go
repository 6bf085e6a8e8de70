package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperMarketOrderFillsAtPostedPrice(t *testing.T) {
	t.Parallel()

	p := NewPaper()
	ctx := context.Background()
	p.SetPrice("MSFT", 380.25)

	order, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "MSFT", Side: SideBuy, Type: "market", Qty: 50})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)
	assert.InDelta(t, 380.25, order.FilledAvgPrice, 1e-9)
	require.NotNil(t, order.FilledAt)

	positions, err := p.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, PositionSideLong, positions[0].Side)
	assert.InDelta(t, 50.0, positions[0].Qty, 1e-9)
}

func TestPaperMarketOrderWithoutPriceFails(t *testing.T) {
	t.Parallel()

	p := NewPaper()

	_, err := p.SubmitOrder(context.Background(), OrderRequest{Symbol: "MSFT", Side: SideBuy, Type: "market", Qty: 50})
	assert.Error(t, err)
}

func TestPaperBracketLegsStayLive(t *testing.T) {
	t.Parallel()

	p := NewPaper()
	ctx := context.Background()
	p.SetPrice("MSFT", 380.25)

	order, err := p.SubmitOrder(ctx, OrderRequest{
		Symbol:     "MSFT",
		Side:       SideBuy,
		Type:       "market",
		Qty:        50,
		OrderClass: "bracket",
		TakeProfit: &TakeProfitSpec{LimitPrice: 395.45},
		StopLoss:   &StopLossSpec{StopPrice: 372.65},
	})
	require.NoError(t, err)
	require.Len(t, order.Legs, 2)

	// Legs are individually addressable and non-terminal.
	for _, leg := range order.Legs {
		got, err := p.GetOrder(ctx, leg.ID)
		require.NoError(t, err)
		assert.Equal(t, SideSell, got.Side)
		assert.False(t, IsTerminal(got.Status))
	}
}

func TestPaperOpposingFillClosesPosition(t *testing.T) {
	t.Parallel()

	p := NewPaper()
	ctx := context.Background()
	p.SetPrice("MSFT", 380.25)

	_, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "MSFT", Side: SideBuy, Type: "market", Qty: 50})
	require.NoError(t, err)

	p.SetPrice("MSFT", 395.45)
	_, err = p.SubmitOrder(ctx, OrderRequest{Symbol: "MSFT", Side: SideSell, Type: "market", Qty: 50})
	require.NoError(t, err)

	positions, err := p.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperCancelAndListFiltering(t *testing.T) {
	t.Parallel()

	p := NewPaper()
	ctx := context.Background()
	p.SetPrice("MSFT", 380.25)

	open, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "MSFT", Side: SideBuy, Type: "limit", Qty: 10, LimitPrice: 370})
	require.NoError(t, err)
	filled, err := p.SubmitOrder(ctx, OrderRequest{Symbol: "MSFT", Side: SideBuy, Type: "market", Qty: 10})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(ctx, open.ID))

	closed, err := p.ListOrders(ctx, "closed", 0)
	require.NoError(t, err)
	ids := make(map[string]string, len(closed))
	for _, o := range closed {
		ids[o.ID] = o.Status
	}
	assert.Equal(t, StatusCanceled, ids[open.ID])
	assert.Equal(t, StatusFilled, ids[filled.ID])

	stillOpen, err := p.ListOrders(ctx, "open", 0)
	require.NoError(t, err)
	assert.Empty(t, stillOpen)

	assert.ErrorIs(t, p.CancelOrder(ctx, "no-such-order"), ErrOrderNotFound)
}

func TestPaperImportAndClosePosition(t *testing.T) {
	t.Parallel()

	p := NewPaper()
	ctx := context.Background()

	p.ImportPosition("NVDA", PositionSideLong, 25, 875.50)

	positions, err := p.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "NVDA", positions[0].Symbol)

	p.ClosePosition("NVDA")
	positions, err = p.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}
