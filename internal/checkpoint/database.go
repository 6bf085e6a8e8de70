package checkpoint

import (
	"errors"

	"github.com/ksred/apex-trader/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateCheckpoint(cp *Checkpoint) error {
	return d.db.Create(cp).Error
}

func (d *Database) GetLatestCheckpoint(sessionID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := d.db.Where("session_id = ?", sessionID).
		Order("taken_at DESC").
		First(&cp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

func (d *Database) ListCheckpoints(sessionID string, limit int) ([]Checkpoint, error) {
	var cps []Checkpoint
	q := d.db.Where("session_id = ?", sessionID).Order("taken_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&cps).Error; err != nil {
		return nil, err
	}
	return cps, nil
}

func (d *Database) DeleteCheckpoints(ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := d.db.Unscoped().Where("id IN ?", ids).Delete(&Checkpoint{})
	return result.RowsAffected, result.Error
}

// GetSession reads the owning session row. Checkpoint creation refuses to
// snapshot a session that does not exist.
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

func (d *Database) GetOpenPositions(sessionID string) ([]types.Position, error) {
	var positions []types.Position
	err := d.db.Where("session_id = ? AND status = ?", sessionID, types.PositionOpen).
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
