package ledger

import (
	"context"
	"errors"

	"github.com/ksred/klear-ledger/internal/types"
)

// ErrFillAlreadyApplied is returned by SavePosition when the fill id already
// has an applied-fill record.
var ErrFillAlreadyApplied = errors.New("fill already applied to ledger")

// Filter narrows ListPositions. Zero values match everything.
type Filter struct {
	AccountID int64
	Symbol    string
}

// Store is the persistence boundary of the ledger. The ledger is the only
// writer of positions.
type Store interface {
	// GetPosition returns types.ErrPositionNotFound when no fill was ever
	// applied for the key.
	GetPosition(ctx context.Context, accountID int64, symbol string) (*types.Position, error)
	ListPositions(ctx context.Context, filter Filter) ([]types.Position, error)
	IsFillApplied(ctx context.Context, fillID string) (bool, error)
	// SavePosition creates or updates pos and records applied atomically.
	SavePosition(ctx context.Context, pos *types.Position, applied types.AppliedFill) error
}
