package checkpoint_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/apex-trader/internal/checkpoint"
	"github.com/ksred/apex-trader/internal/database"
	"github.com/ksred/apex-trader/internal/state"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestManager(t *testing.T) (*checkpoint.Manager, *state.Service, *gorm.DB, string) {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	stateService := state.NewService(db)
	sessionID, err := stateService.CreateSession([]string{"MSFT"}, 100000, nil)
	require.NoError(t, err)

	return checkpoint.NewManager(db), stateService, db, sessionID
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	m, stateService, _, sessionID := newTestManager(t)

	_, err := stateService.SavePosition(&types.Position{
		SessionID:    sessionID,
		Symbol:       "MSFT",
		Direction:    types.DirectionLong,
		EntryTime:    time.Now(),
		EntryPrice:   380.25,
		Quantity:     50,
		StopLoss:     372.65,
		TakeProfit:   395.45,
		EntryOrderID: "entry-1",
	})
	require.NoError(t, err)

	// A closed position counts in ClosedCount but is not snapshotted.
	_, err = stateService.SavePosition(&types.Position{
		SessionID:  sessionID,
		Symbol:     "NVDA",
		Direction:  types.DirectionLong,
		EntryTime:  time.Now(),
		EntryPrice: 875.50,
		Quantity:   10,
	})
	require.NoError(t, err)
	require.NoError(t, stateService.ClosePosition(sessionID, "NVDA", 880.00, time.Now(), types.ExitReasonManual, false))

	account := checkpoint.AccountSnapshot{Equity: 101000, BuyingPower: 202000, Cash: 80000}
	params := map[string]interface{}{"stop_loss_pct": 0.02}

	id, err := m.Create(sessionID, account, params)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	cp, err := m.Latest(sessionID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, id, cp.CheckpointID)
	assert.Equal(t, 1, cp.OpenCount)
	assert.Equal(t, 1, cp.ClosedCount)

	restored, err := m.Restore(cp)
	require.NoError(t, err)
	assert.Equal(t, sessionID, restored.SessionID)
	assert.InDelta(t, 101000.0, restored.Account.Equity, 1e-9)
	assert.InDelta(t, 0.02, restored.Params["stop_loss_pct"], 1e-9)

	pos, ok := restored.Positions["MSFT"]
	require.True(t, ok)
	assert.Equal(t, types.DirectionLong, pos.Direction)
	assert.InDelta(t, 380.25, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 372.65, pos.StopLoss, 1e-9)
	assert.InDelta(t, 395.45, pos.TakeProfit, 1e-9)
	assert.Equal(t, "entry-1", pos.EntryOrderID)
	assert.NotContains(t, restored.Positions, "NVDA")
}

func TestCreateUnknownSession(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t)

	_, err := m.Create("no-such-session", checkpoint.AccountSnapshot{}, nil)
	assert.ErrorIs(t, err, checkpoint.ErrSessionNotFound)
}

func TestCleanupKeepsMostRecent(t *testing.T) {
	t.Parallel()

	m, _, db, sessionID := newTestManager(t)

	// 15 checkpoints a minute apart, oldest first.
	base := time.Now().Add(-15 * time.Minute)
	for i := 0; i < 15; i++ {
		cp := &checkpoint.Checkpoint{
			CheckpointID: fmt.Sprintf("cp-%02d", i),
			SessionID:    sessionID,
			TakenAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(cp).Error)
	}

	deleted, err := m.CleanupOld(sessionID, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)

	remaining, err := m.List(sessionID, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 10)

	// The survivors are the 10 most recent, newest first.
	assert.Equal(t, "cp-14", remaining[0].CheckpointID)
	assert.Equal(t, "cp-05", remaining[9].CheckpointID)
}

func TestCleanupAgeFilterOnlyPrunesRemainder(t *testing.T) {
	t.Parallel()

	m, _, db, sessionID := newTestManager(t)

	// All checkpoints far older than the cutoff: the keep count still
	// protects the most recent ones.
	base := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 6; i++ {
		cp := &checkpoint.Checkpoint{
			CheckpointID: fmt.Sprintf("cp-%02d", i),
			SessionID:    sessionID,
			TakenAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(cp).Error)
	}

	olderThan := time.Hour
	deleted, err := m.CleanupOld(sessionID, 4, &olderThan)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := m.List(sessionID, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 4)
}

func TestCleanupAgeFilterSparesYoungRemainder(t *testing.T) {
	t.Parallel()

	m, _, db, sessionID := newTestManager(t)

	// Recent checkpoints beyond the keep count survive when the age filter
	// does not reach them.
	base := time.Now().Add(-5 * time.Minute)
	for i := 0; i < 6; i++ {
		cp := &checkpoint.Checkpoint{
			CheckpointID: fmt.Sprintf("cp-%02d", i),
			SessionID:    sessionID,
			TakenAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(cp).Error)
	}

	olderThan := time.Hour
	deleted, err := m.CleanupOld(sessionID, 2, &olderThan)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	remaining, err := m.List(sessionID, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 6)
}

func TestLatestEmptySession(t *testing.T) {
	t.Parallel()

	m, _, _, sessionID := newTestManager(t)

	cp, err := m.Latest(sessionID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}
