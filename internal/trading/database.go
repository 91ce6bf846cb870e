package trading

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-ledger/internal/types"
	"gorm.io/gorm"
)

// Database is the gorm-backed OrderStore.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(ctx context.Context, order *types.Order) error {
	if err := d.db.WithContext(ctx).Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errDuplicateOrder
		}
		return types.NewInfrastructureError("create order", err)
	}
	return nil
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrOrderNotFound
		}
		return nil, types.NewInfrastructureError("get order", err)
	}
	return &order, nil
}

func (d *Database) ListOrders(ctx context.Context, filter Filter) ([]types.Order, error) {
	query := d.db.WithContext(ctx).Model(&types.Order{})
	if filter.AccountID != 0 {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	orders := []types.Order{}
	if err := query.Order("id ASC").Find(&orders).Error; err != nil {
		return nil, types.NewInfrastructureError("list orders", err)
	}
	return orders, nil
}

func (d *Database) UpdateOrder(ctx context.Context, order *types.Order) error {
	result := d.db.WithContext(ctx).Save(order)
	if result.Error != nil {
		return types.NewInfrastructureError("update order", result.Error)
	}
	return nil
}

// RecordFill updates the order and appends the fill in a transaction
func (d *Database) RecordFill(ctx context.Context, order *types.Order, fill *types.Fill) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return types.NewInfrastructureError("record fill", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	// A retried attempt may find its fill already committed.
	var count int64
	if err := tx.Model(&types.Fill{}).Where("fill_id = ?", fill.FillID).Count(&count).Error; err != nil {
		tx.Rollback()
		return types.NewInfrastructureError("record fill", err)
	}
	if count > 0 {
		tx.Rollback()
		return nil
	}

	if err := tx.Save(order).Error; err != nil {
		tx.Rollback()
		return types.NewInfrastructureError("record fill", err)
	}
	if err := tx.Create(fill).Error; err != nil {
		tx.Rollback()
		return types.NewInfrastructureError("record fill", err)
	}

	if err := tx.Commit().Error; err != nil {
		return types.NewInfrastructureError("record fill", err)
	}
	return nil
}

func (d *Database) ListFills(ctx context.Context, orderID string) ([]types.Fill, error) {
	fills := []types.Fill{}
	err := d.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&fills).Error
	if err != nil {
		return nil, types.NewInfrastructureError("list fills", err)
	}
	return fills, nil
}

func (d *Database) UnappliedFills(ctx context.Context, before time.Time, limit int) ([]types.Fill, error) {
	fills := []types.Fill{}
	query := d.db.WithContext(ctx).
		Where("ledger_applied = ? AND ledger_error IS NULL AND timestamp < ?", false, before).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&fills).Error; err != nil {
		return nil, types.NewInfrastructureError("list unapplied fills", err)
	}
	return fills, nil
}

func (d *Database) MarkFillApplied(ctx context.Context, fillID string) error {
	err := d.db.WithContext(ctx).Model(&types.Fill{}).
		Where("fill_id = ?", fillID).
		Update("ledger_applied", true).Error
	if err != nil {
		return types.NewInfrastructureError("mark fill applied", err)
	}
	return nil
}

func (d *Database) MarkFillFailed(ctx context.Context, fillID, reason string) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	err := d.db.WithContext(ctx).Model(&types.Fill{}).
		Where("fill_id = ?", fillID).
		Update("ledger_error", reason).Error
	if err != nil {
		return types.NewInfrastructureError("mark fill failed", err)
	}
	return nil
}

func (d *Database) FailedFills(ctx context.Context, limit int) ([]types.Fill, error) {
	fills := []types.Fill{}
	query := d.db.WithContext(ctx).
		Where("ledger_applied = ? AND ledger_error IS NOT NULL", false).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&fills).Error; err != nil {
		return nil, types.NewInfrastructureError("list failed fills", err)
	}
	return fills, nil
}

func (d *Database) OpenDayOrders(ctx context.Context, createdBefore time.Time) ([]types.Order, error) {
	orders := []types.Order{}
	err := d.db.WithContext(ctx).
		Where("time_in_force = ? AND status IN ? AND created_at < ?",
			types.TimeInForceDay,
			[]types.OrderStatus{types.StatusPending, types.StatusPartiallyFilled},
			createdBefore).
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, types.NewInfrastructureError("list open day orders", err)
	}
	return orders, nil
}
