package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrSessionNotFound = errors.New("checkpoint: session not found")

// Manager bounds crash-recovery staleness by snapshotting the session
// frequently, and bounds storage by pruning with a keep-count-first
// retention policy.
type Manager struct {
	db     *Database
	logger zerolog.Logger
}

func NewManager(gormDB *gorm.DB) *Manager {
	return &Manager{
		db:     NewDatabase(gormDB),
		logger: log.With().Str("component", "checkpoint").Logger(),
	}
}

// Create snapshots every currently open position for the session together
// with the supplied account and strategy context.
func (m *Manager) Create(sessionID string, account AccountSnapshot, params map[string]interface{}) (string, error) {
	session, err := m.db.GetSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	positions, err := m.db.GetOpenPositions(sessionID)
	if err != nil {
		return "", fmt.Errorf("load open positions: %w", err)
	}

	snapshots := make(map[string]PositionSnapshot, len(positions))
	for _, p := range positions {
		snapshots[p.Symbol] = PositionSnapshot{
			PositionID:    p.PositionID,
			Symbol:        p.Symbol,
			Direction:     p.Direction,
			EntryTime:     p.EntryTime,
			EntryPrice:    p.EntryPrice,
			Quantity:      p.Quantity,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			EntryOrderID:  p.EntryOrderID,
			StopOrderID:   p.StopOrderID,
			TargetOrderID: p.TargetOrderID,
		}
	}

	closedCount, err := m.db.CountPositions(sessionID, types.PositionClosed)
	if err != nil {
		return "", fmt.Errorf("count closed positions: %w", err)
	}

	positionsJSON, err := json.Marshal(snapshots)
	if err != nil {
		return "", fmt.Errorf("encode positions: %w", err)
	}
	accountJSON, err := json.Marshal(account)
	if err != nil {
		return "", fmt.Errorf("encode account: %w", err)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}

	cp := &Checkpoint{
		CheckpointID:  uuid.New().String(),
		SessionID:     sessionID,
		TakenAt:       time.Now(),
		PositionsJSON: string(positionsJSON),
		AccountJSON:   string(accountJSON),
		ParamsJSON:    string(paramsJSON),
		OpenCount:     len(snapshots),
		ClosedCount:   int(closedCount),
	}
	if err := m.db.CreateCheckpoint(cp); err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}

	m.logger.Debug().
		Str("checkpoint_id", cp.CheckpointID).
		Str("session_id", sessionID).
		Int("open_positions", cp.OpenCount).
		Msg("checkpoint created")

	return cp.CheckpointID, nil
}

// Latest returns the most recent checkpoint for the session, or nil.
func (m *Manager) Latest(sessionID string) (*Checkpoint, error) {
	return m.db.GetLatestCheckpoint(sessionID)
}

// List returns checkpoints newest first.
func (m *Manager) List(sessionID string, limit int) ([]Checkpoint, error) {
	return m.db.ListCheckpoints(sessionID, limit)
}

// Restore projects a checkpoint back into usable state. It performs no
// writes: the caller decides how to reconcile the restored view with the
// possibly further-diverged live broker state, typically by following it
// with a reconciler pass.
func (m *Manager) Restore(cp *Checkpoint) (*RestoredState, error) {
	state := &RestoredState{
		SessionID:   cp.SessionID,
		TakenAt:     cp.TakenAt,
		Positions:   make(map[string]PositionSnapshot),
		Params:      make(map[string]interface{}),
		OpenCount:   cp.OpenCount,
		ClosedCount: cp.ClosedCount,
	}
	if cp.PositionsJSON != "" {
		if err := json.Unmarshal([]byte(cp.PositionsJSON), &state.Positions); err != nil {
			return nil, fmt.Errorf("decode positions snapshot: %w", err)
		}
	}
	if cp.AccountJSON != "" {
		if err := json.Unmarshal([]byte(cp.AccountJSON), &state.Account); err != nil {
			return nil, fmt.Errorf("decode account snapshot: %w", err)
		}
	}
	if cp.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(cp.ParamsJSON), &state.Params); err != nil {
			return nil, fmt.Errorf("decode params snapshot: %w", err)
		}
	}
	return state, nil
}

// CleanupOld prunes checkpoints with keep-count-first retention: the
// keepCount most recent are never eligible regardless of age, and the age
// filter only further prunes the remainder. An aggressive age filter can
// therefore never delete all history for a session that checkpoints
// infrequently.
func (m *Manager) CleanupOld(sessionID string, keepCount int, olderThan *time.Duration) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}

	cps, err := m.db.ListCheckpoints(sessionID, 0)
	if err != nil {
		return 0, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(cps) <= keepCount {
		return 0, nil
	}

	// cps is newest first, so everything past keepCount is the remainder.
	var cutoff time.Time
	if olderThan != nil {
		cutoff = time.Now().Add(-*olderThan)
	}

	var ids []uint
	for _, cp := range cps[keepCount:] {
		if olderThan != nil && !cp.TakenAt.Before(cutoff) {
			continue
		}
		ids = append(ids, cp.ID)
	}

	deleted, err := m.db.DeleteCheckpoints(ids)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}

	if deleted > 0 {
		m.logger.Info().
			Str("session_id", sessionID).
			Int64("deleted", deleted).
			Int("kept", len(cps)-int(deleted)).
			Msg("old checkpoints pruned")
	}

	return int(deleted), nil
}
