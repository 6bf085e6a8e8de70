package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/apex-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrActiveSessionExists = errors.New("an active session already exists")
	ErrNoActiveSession     = errors.New("no active session to resume")
	ErrSessionNotFound     = errors.New("session not found")
)

// Service owns session identity and all CRUD over sessions, positions and
// the order journal. It is deliberately thin on policy: invariants that need
// broker context (one-open-position-per-symbol, order-status monotonicity)
// are enforced by the callers that have that context.
type Service struct {
	db     *Database
	logger zerolog.Logger
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		logger: log.With().Str("component", "state").Logger(),
	}
}

// CreateSession starts a new trading session. It fails if an active session
// exists; the caller must resume or end the prior session first.
func (s *Service) CreateSession(symbols []string, capital float64, params map[string]interface{}) (string, error) {
	existing, err := s.db.GetLatestActiveSession()
	if err != nil {
		return "", fmt.Errorf("check active session: %w", err)
	}
	if existing != nil {
		return "", fmt.Errorf("%w: %s", ErrActiveSessionExists, existing.SessionID)
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode strategy params: %w", err)
	}

	session := &types.TradingSession{
		SessionID:      uuid.New().String(),
		Symbols:        strings.Join(symbols, ","),
		Status:         types.SessionActive,
		StartedAt:      time.Now(),
		InitialCapital: capital,
		StrategyParams: string(paramsJSON),
	}
	if err := s.db.CreateSession(session); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	s.logger.Info().
		Str("session_id", session.SessionID).
		Strs("symbols", symbols).
		Float64("capital", capital).
		Msg("trading session created")

	return session.SessionID, nil
}

// ResumeSession loads a session for crash-restart recovery. With an empty id
// it picks the most recent session still marked active.
func (s *Service) ResumeSession(sessionID string) (*types.TradingSession, error) {
	var (
		session *types.TradingSession
		err     error
	)
	if sessionID == "" {
		session, err = s.db.GetLatestActiveSession()
	} else {
		session, err = s.db.GetSession(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}

	s.logger.Info().
		Str("session_id", session.SessionID).
		Str("status", session.Status).
		Time("started_at", session.StartedAt).
		Msg("resuming trading session")

	return session, nil
}

// MarkSessionCrashed flags a stale active session found at startup. The
// session's state stays intact for reconciliation; only its status changes.
func (s *Service) MarkSessionCrashed(sessionID string) error {
	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	session.Status = types.SessionCrashed
	if err := s.db.UpdateSession(session); err != nil {
		return fmt.Errorf("mark session crashed: %w", err)
	}

	s.logger.Warn().Str("session_id", sessionID).Msg("stale active session marked crashed")
	return nil
}

// EndSession is terminal for the session.
func (s *Service) EndSession(sessionID string, finalCapital float64, status string) error {
	if err := s.db.EndSessionTx(sessionID, finalCapital, status, time.Now()); err != nil {
		return err
	}
	s.logger.Info().
		Str("session_id", sessionID).
		Str("status", status).
		Float64("final_capital", finalCapital).
		Msg("trading session ended")
	return nil
}

func (s *Service) GetSession(sessionID string) (*types.TradingSession, error) {
	return s.db.GetSession(sessionID)
}

func (s *Service) GetLatestActiveSession() (*types.TradingSession, error) {
	return s.db.GetLatestActiveSession()
}

// SavePosition persists a new open position and returns its id. It does not
// check for an existing open position on the symbol; callers check
// GetOpenPositionBySymbol first, which keeps this write path free of side
// effects for idempotent retries.
func (s *Service) SavePosition(position *types.Position) (string, error) {
	if position.PositionID == "" {
		position.PositionID = uuid.New().String()
	}
	if position.Status == "" {
		position.Status = types.PositionOpen
	}
	if err := s.db.CreatePosition(position); err != nil {
		return "", fmt.Errorf("save position: %w", err)
	}

	s.logger.Info().
		Str("position_id", position.PositionID).
		Str("symbol", position.Symbol).
		Str("direction", position.Direction).
		Float64("qty", position.Quantity).
		Float64("entry_price", position.EntryPrice).
		Msg("position opened")

	return position.PositionID, nil
}

// ClosePosition records an exit on the open position for the symbol,
// computing realized P&L from the direction. A missing open position is a
// no-op: exit detection can race recovery, and the second writer should not
// fail.
func (s *Service) ClosePosition(sessionID, symbol string, exitPrice float64, exitTime time.Time, reason string, priceApprox bool) error {
	position, err := s.db.GetOpenPositionBySymbol(sessionID, symbol)
	if err != nil {
		return fmt.Errorf("load open position: %w", err)
	}
	if position == nil {
		s.logger.Debug().
			Str("session_id", sessionID).
			Str("symbol", symbol).
			Msg("close requested for symbol with no open position, skipping")
		return nil
	}

	position.Status = types.PositionClosed
	position.ExitTime = &exitTime
	position.ExitPrice = &exitPrice
	position.ExitReason = reason
	position.ExitPriceApprox = priceApprox
	if !priceApprox || exitPrice > 0 {
		position.RealizedPL = realizedPL(position.Direction, position.EntryPrice, exitPrice, position.Quantity)
	}

	if err := s.db.UpdatePosition(position); err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	s.logger.Info().
		Str("position_id", position.PositionID).
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("realized_pl", position.RealizedPL).
		Bool("price_approx", priceApprox).
		Msg("position closed")

	return nil
}

// UpdateProtectionLevels overwrites a position's stored protective levels
// and leg order references after the watchdog replaces lapsed coverage.
func (s *Service) UpdateProtectionLevels(sessionID, symbol string, stopLoss, takeProfit float64, stopOrderID, targetOrderID string) error {
	position, err := s.db.GetOpenPositionBySymbol(sessionID, symbol)
	if err != nil {
		return err
	}
	if position == nil {
		return fmt.Errorf("no open position for %s", symbol)
	}
	position.StopLoss = stopLoss
	position.TakeProfit = takeProfit
	position.StopOrderID = stopOrderID
	position.TargetOrderID = targetOrderID
	return s.db.UpdatePosition(position)
}

func (s *Service) GetOpenPositions(sessionID string) ([]types.Position, error) {
	return s.db.GetOpenPositions(sessionID)
}

func (s *Service) GetOpenPositionBySymbol(sessionID, symbol string) (*types.Position, error) {
	return s.db.GetOpenPositionBySymbol(sessionID, symbol)
}

func (s *Service) GetPositions(sessionID string) ([]types.Position, error) {
	return s.db.GetPositions(sessionID)
}

func (s *Service) CountPositions(sessionID, status string) (int64, error) {
	return s.db.CountPositions(sessionID, status)
}

// LogOrder journals a submitted or recovered order.
func (s *Service) LogOrder(entry *types.OrderJournalEntry) (string, error) {
	if entry.Status == "" {
		entry.Status = types.OrderStatusNew
	}
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = time.Now()
	}
	if err := s.db.CreateOrderEntry(entry); err != nil {
		return "", fmt.Errorf("log order: %w", err)
	}
	return entry.BrokerOrderID, nil
}

func (s *Service) GetOrder(brokerOrderID string) (*types.OrderJournalEntry, error) {
	return s.db.GetOrderEntry(brokerOrderID)
}

func (s *Service) GetOrders(sessionID string, limit int) ([]types.OrderJournalEntry, error) {
	return s.db.GetOrderEntries(sessionID, limit)
}

func (s *Service) KnownOrderIDs() (map[string]struct{}, error) {
	return s.db.GetKnownOrderIDs()
}

// UpdateOrderStatus applies a status transition to a journaled order. An
// unknown order is a no-op, it may simply not have been logged yet. Writes
// are last-write-wins; the synchronizer is the caller responsible for
// refusing to regress a terminal status.
func (s *Service) UpdateOrderStatus(brokerOrderID, status string, fillQty, fillPrice float64, filledAt *time.Time, rejectReason string) error {
	entry, err := s.db.GetOrderEntry(brokerOrderID)
	if err != nil {
		return fmt.Errorf("load order entry: %w", err)
	}
	if entry == nil {
		s.logger.Debug().
			Str("broker_order_id", brokerOrderID).
			Str("status", status).
			Msg("status update for unknown order, skipping")
		return nil
	}

	entry.Status = status
	if fillQty > 0 {
		entry.FilledQty = fillQty
	}
	if fillPrice > 0 {
		entry.FilledAvgPrice = fillPrice
	}
	if filledAt != nil {
		entry.FilledAt = filledAt
	}
	if rejectReason != "" {
		entry.RejectReason = rejectReason
	}

	return s.db.UpdateOrderEntry(entry)
}

// realizedPL computes closed-position P&L. Long positions profit when the
// exit is above entry; short positions mirror that.
func realizedPL(direction string, entry, exit, qty float64) float64 {
	if direction == types.DirectionShort {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}
