package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ksred/klear-ledger/internal/types"
)

// MemoryStore keeps positions in process memory. Reads return copies so
// callers never observe a half-applied fill.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]types.Position
	applied   map[string]types.AppliedFill
	nextID    uint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]types.Position),
		applied:   make(map[string]types.AppliedFill),
	}
}

func positionKey(accountID int64, symbol string) string {
	return fmt.Sprintf("%d|%s", accountID, symbol)
}

func (m *MemoryStore) GetPosition(ctx context.Context, accountID int64, symbol string) (*types.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewInfrastructureError("get position", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[positionKey(accountID, symbol)]
	if !ok {
		return nil, types.ErrPositionNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListPositions(ctx context.Context, filter Filter) ([]types.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewInfrastructureError("list positions", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	positions := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if filter.AccountID != 0 && p.AccountID != filter.AccountID {
			continue
		}
		if filter.Symbol != "" && p.Symbol != filter.Symbol {
			continue
		}
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })
	return positions, nil
}

func (m *MemoryStore) IsFillApplied(ctx context.Context, fillID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, types.NewInfrastructureError("check applied fill", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.applied[fillID]
	return ok, nil
}

func (m *MemoryStore) SavePosition(ctx context.Context, pos *types.Position, applied types.AppliedFill) error {
	if err := ctx.Err(); err != nil {
		return types.NewInfrastructureError("save position", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[applied.FillID]; ok {
		return ErrFillAlreadyApplied
	}
	if pos.ID == 0 {
		m.nextID++
		pos.ID = m.nextID
	}
	m.positions[positionKey(pos.AccountID, pos.Symbol)] = *pos
	m.applied[applied.FillID] = applied
	return nil
}
