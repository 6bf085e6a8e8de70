package state_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/apex-trader/internal/database"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *state.Service {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	return state.NewService(db)
}

func TestCreateSessionRejectsSecondActive(t *testing.T) {
	t.Parallel()

	s := newTestService(t)

	id, err := s.CreateSession([]string{"MSFT"}, 100000, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.CreateSession([]string{"NVDA"}, 50000, nil)
	assert.ErrorIs(t, err, state.ErrActiveSessionExists)

	require.NoError(t, s.EndSession(id, 101000, types.SessionCompleted))

	_, err = s.CreateSession([]string{"NVDA"}, 50000, nil)
	assert.NoError(t, err)
}

func TestResumeSessionPicksLatestActive(t *testing.T) {
	t.Parallel()

	s := newTestService(t)

	_, err := s.ResumeSession("")
	assert.ErrorIs(t, err, state.ErrNoActiveSession)

	id, err := s.CreateSession([]string{"MSFT", "NVDA"}, 100000, map[string]interface{}{"stop_loss_pct": 0.02})
	require.NoError(t, err)

	session, err := s.ResumeSession("")
	require.NoError(t, err)
	assert.Equal(t, id, session.SessionID)
	assert.Equal(t, types.SessionActive, session.Status)
	assert.Equal(t, []string{"MSFT", "NVDA"}, session.SymbolList())
}

func TestMarkSessionCrashed(t *testing.T) {
	t.Parallel()

	s := newTestService(t)

	id, err := s.CreateSession([]string{"MSFT"}, 100000, nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkSessionCrashed(id))

	session, err := s.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCrashed, session.Status)

	// A crashed session is no longer active; a new one may start.
	_, err = s.CreateSession([]string{"MSFT"}, 100000, nil)
	assert.NoError(t, err)
}

func TestClosePositionComputesPL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		direction string
		entry     float64
		exit      float64
		qty       float64
		want      float64
	}{
		{"long profit", types.DirectionLong, 100, 110, 10, 100},
		{"long loss", types.DirectionLong, 100, 95, 10, -50},
		{"short profit", types.DirectionShort, 100, 90, 10, 100},
		{"short loss", types.DirectionShort, 100, 104, 5, -20},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestService(t)
			id, err := s.CreateSession([]string{"MSFT"}, 100000, nil)
			require.NoError(t, err)

			_, err = s.SavePosition(&types.Position{
				SessionID:  id,
				Symbol:     "MSFT",
				Direction:  tt.direction,
				EntryTime:  time.Now(),
				EntryPrice: tt.entry,
				Quantity:   tt.qty,
			})
			require.NoError(t, err)

			require.NoError(t, s.ClosePosition(id, "MSFT", tt.exit, time.Now(), types.ExitReasonTakeProfit, false))

			positions, err := s.GetPositions(id)
			require.NoError(t, err)
			require.Len(t, positions, 1)
			assert.Equal(t, types.PositionClosed, positions[0].Status)
			assert.InDelta(t, tt.want, positions[0].RealizedPL, 1e-9)
		})
	}
}

func TestClosePositionNoOpWithoutOpenPosition(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	id, err := s.CreateSession([]string{"MSFT"}, 100000, nil)
	require.NoError(t, err)

	assert.NoError(t, s.ClosePosition(id, "MSFT", 100, time.Now(), types.ExitReasonManual, false))
}

func TestOneOpenPositionPerSymbol(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	id, err := s.CreateSession([]string{"MSFT"}, 100000, nil)
	require.NoError(t, err)

	// The caller-side guard: check before save, close before reopening.
	save := func(price float64) {
		existing, err := s.GetOpenPositionBySymbol(id, "MSFT")
		require.NoError(t, err)
		if existing != nil {
			return
		}
		_, err = s.SavePosition(&types.Position{
			SessionID:  id,
			Symbol:     "MSFT",
			Direction:  types.DirectionLong,
			EntryTime:  time.Now(),
			EntryPrice: price,
			Quantity:   10,
		})
		require.NoError(t, err)
	}

	save(100)
	save(101) // skipped, already open
	require.NoError(t, s.ClosePosition(id, "MSFT", 105, time.Now(), types.ExitReasonTakeProfit, false))
	save(106)
	save(107) // skipped again

	open, err := s.GetOpenPositions(id)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.InDelta(t, 106.0, open[0].EntryPrice, 1e-9)

	all, err := s.GetPositions(id)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdateOrderStatusUnknownOrderIsNoOp(t *testing.T) {
	t.Parallel()

	s := newTestService(t)

	assert.NoError(t, s.UpdateOrderStatus("missing", types.OrderStatusFilled, 10, 100, nil, ""))
}

func TestLogOrderAndKnownIDs(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	id, err := s.CreateSession([]string{"MSFT"}, 100000, nil)
	require.NoError(t, err)

	_, err = s.LogOrder(&types.OrderJournalEntry{
		BrokerOrderID: "ord-1",
		SessionID:     id,
		Symbol:        "MSFT",
		Side:          "buy",
		OrderType:     "market",
		Quantity:      10,
	})
	require.NoError(t, err)

	known, err := s.KnownOrderIDs()
	require.NoError(t, err)
	_, ok := known["ord-1"]
	assert.True(t, ok)

	entry, err := s.GetOrder("ord-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, types.OrderStatusNew, entry.Status)

	filledAt := time.Now()
	require.NoError(t, s.UpdateOrderStatus("ord-1", types.OrderStatusFilled, 10, 100.5, &filledAt, ""))

	entry, err = s.GetOrder("ord-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, entry.Status)
	assert.InDelta(t, 100.5, entry.FilledAvgPrice, 1e-9)
}

func TestEndSessionIsTerminal(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	id, err := s.CreateSession([]string{"MSFT"}, 100000, nil)
	require.NoError(t, err)

	require.NoError(t, s.EndSession(id, 99000, types.SessionCompleted))

	// Ending twice fails: the session is no longer active.
	assert.Error(t, s.EndSession(id, 98000, types.SessionCompleted))

	session, err := s.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, session.Status)
	assert.InDelta(t, 99000.0, session.FinalCapital, 1e-9)
	assert.NotNil(t, session.EndedAt)
}
