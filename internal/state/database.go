package state

import (
	"errors"
	"time"

	"github.com/ksred/apex-trader/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateSession(session *types.TradingSession) error {
	return d.db.Create(session).Error
}

func (d *Database) GetSession(sessionID string) (*types.TradingSession, error) {
	var session types.TradingSession
	if err := d.db.Where("session_id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// GetLatestActiveSession returns the most recently started session still
// marked active, or nil when there is none. Crash-restart recovery uses this
// to locate work to resume.
func (d *Database) GetLatestActiveSession() (*types.TradingSession, error) {
	var session types.TradingSession
	err := d.db.Where("status = ?", types.SessionActive).
		Order("started_at DESC").
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (d *Database) UpdateSession(session *types.TradingSession) error {
	return d.db.Save(session).Error
}

func (d *Database) CreatePosition(position *types.Position) error {
	return d.db.Create(position).Error
}

func (d *Database) GetOpenPositionBySymbol(sessionID, symbol string) (*types.Position, error) {
	var position types.Position
	err := d.db.Where("session_id = ? AND symbol = ? AND status = ?",
		sessionID, symbol, types.PositionOpen).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

func (d *Database) GetOpenPositions(sessionID string) ([]types.Position, error) {
	var positions []types.Position
	err := d.db.Where("session_id = ? AND status = ?", sessionID, types.PositionOpen).
		Order("entry_time ASC").
		Find(&positions).Error
	if err != nil {
		return nil, err
	}
	return positions, nil
}

func (d *Database) GetPositions(sessionID string) ([]types.Position, error) {
	var positions []types.Position
	err := d.db.Where("session_id = ?", sessionID).
		Order("entry_time ASC").
		Find(&positions).Error
	if err != nil {
		return nil, err
	}
	return positions, nil
}

func (d *Database) CountPositions(sessionID, status string) (int64, error) {
	var count int64
	err := d.db.Model(&types.Position{}).
		Where("session_id = ? AND status = ?", sessionID, status).
		Count(&count).Error
	return count, err
}

func (d *Database) UpdatePosition(position *types.Position) error {
	return d.db.Save(position).Error
}

func (d *Database) CreateOrderEntry(entry *types.OrderJournalEntry) error {
	return d.db.Create(entry).Error
}

func (d *Database) GetOrderEntry(brokerOrderID string) (*types.OrderJournalEntry, error) {
	var entry types.OrderJournalEntry
	if err := d.db.Where("broker_order_id = ?", brokerOrderID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (d *Database) UpdateOrderEntry(entry *types.OrderJournalEntry) error {
	return d.db.Save(entry).Error
}

func (d *Database) GetOrderEntries(sessionID string, limit int) ([]types.OrderJournalEntry, error) {
	var entries []types.OrderJournalEntry
	q := d.db.Where("session_id = ?", sessionID).Order("submitted_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// GetKnownOrderIDs returns every broker order id present in the journal,
// across all sessions. Manual-order recovery diffs the broker's recent order
// list against this set.
func (d *Database) GetKnownOrderIDs() (map[string]struct{}, error) {
	var ids []string
	if err := d.db.Model(&types.OrderJournalEntry{}).
		Pluck("broker_order_id", &ids).Error; err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	return known, nil
}

// EndSessionTx marks a session terminal inside a transaction so the status
// flip and the final-capital write land together.
func (d *Database) EndSessionTx(sessionID string, finalCapital float64, status string, endedAt time.Time) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	result := tx.Model(&types.TradingSession{}).
		Where("session_id = ? AND status = ?", sessionID, types.SessionActive).
		Updates(map[string]interface{}{
			"status":        status,
			"final_capital": finalCapital,
			"ended_at":      endedAt,
		})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return ErrSessionNotFound
	}

	return tx.Commit().Error
}
