package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/ksred/klear-ledger/internal/types"
	"gorm.io/gorm"
)

// Database is the gorm-backed Store.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetPosition(ctx context.Context, accountID int64, symbol string) (*types.Position, error) {
	var position types.Position
	err := d.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ?", accountID, symbol).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrPositionNotFound
		}
		return nil, types.NewInfrastructureError("get position", err)
	}
	return &position, nil
}

func (d *Database) ListPositions(ctx context.Context, filter Filter) ([]types.Position, error) {
	query := d.db.WithContext(ctx).Model(&types.Position{})
	if filter.AccountID != 0 {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}

	positions := []types.Position{}
	if err := query.Order("id ASC").Find(&positions).Error; err != nil {
		return nil, types.NewInfrastructureError("list positions", err)
	}
	return positions, nil
}

func (d *Database) IsFillApplied(ctx context.Context, fillID string) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&types.AppliedFill{}).
		Where("fill_id = ?", fillID).Count(&count).Error; err != nil {
		return false, types.NewInfrastructureError("check applied fill", err)
	}
	return count > 0, nil
}

// SavePosition writes the position and its applied-fill record in one
// transaction.
func (d *Database) SavePosition(ctx context.Context, pos *types.Position, applied types.AppliedFill) error {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&applied).Error; err != nil {
			if isDuplicate(err) {
				return ErrFillAlreadyApplied
			}
			return err
		}
		if pos.ID == 0 {
			return tx.Create(pos).Error
		}
		return tx.Save(pos).Error
	})
	if errors.Is(err, ErrFillAlreadyApplied) {
		return err
	}
	return types.NewInfrastructureError("save position", err)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}
