package trading

import (
	"context"
	"time"

	"github.com/ksred/klear-ledger/internal/types"
)

// OrderStore is the source of truth for orders and their fill audit log.
// Implementations return copies and return types.ErrOrderNotFound for
// unknown order ids.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *types.Order) error
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	ListOrders(ctx context.Context, filter Filter) ([]types.Order, error)
	UpdateOrder(ctx context.Context, order *types.Order) error

	// RecordFill persists the updated order together with its new fill.
	// Recording a fill id twice is a no-op.
	RecordFill(ctx context.Context, order *types.Order, fill *types.Fill) error
	ListFills(ctx context.Context, orderID string) ([]types.Fill, error)
	// UnappliedFills returns fills the ledger has neither acknowledged nor
	// refused that were recorded before the cutoff, oldest first.
	UnappliedFills(ctx context.Context, before time.Time, limit int) ([]types.Fill, error)
	MarkFillApplied(ctx context.Context, fillID string) error
	// MarkFillFailed records why the ledger refused a fill.
	MarkFillFailed(ctx context.Context, fillID, reason string) error
	// FailedFills returns refused fills, oldest first.
	FailedFills(ctx context.Context, limit int) ([]types.Fill, error)

	// OpenDayOrders returns working DAY orders created before the cutoff.
	OpenDayOrders(ctx context.Context, createdBefore time.Time) ([]types.Order, error)
}
