package trading

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-ledger/internal/types"
)

// MemoryStore keeps orders and fills in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	orders     map[string]types.Order
	fills      []types.Fill
	fillIndex  map[string]int
	nextID     uint
	nextFillID uint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]types.Order),
		fillIndex: make(map[string]int),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *types.Order) error {
	if err := ctx.Err(); err != nil {
		return types.NewInfrastructureError("create order", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.OrderID]; ok {
		return errDuplicateOrder
	}
	m.nextID++
	order.ID = m.nextID
	m.orders[order.OrderID] = *order
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewInfrastructureError("get order", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, types.ErrOrderNotFound
	}
	return &o, nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, filter Filter) ([]types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewInfrastructureError("list orders", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := make([]types.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if filter.AccountID != 0 && o.AccountID != filter.AccountID {
			continue
		}
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		orders = append(orders, o)
	}
	sortOrders(orders)
	return orders, nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, order *types.Order) error {
	if err := ctx.Err(); err != nil {
		return types.NewInfrastructureError("update order", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.OrderID]; !ok {
		return types.ErrOrderNotFound
	}
	m.orders[order.OrderID] = *order
	return nil
}

func (m *MemoryStore) RecordFill(ctx context.Context, order *types.Order, fill *types.Fill) error {
	if err := ctx.Err(); err != nil {
		return types.NewInfrastructureError("record fill", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.fillIndex[fill.FillID]; ok {
		return nil
	}
	if _, ok := m.orders[order.OrderID]; !ok {
		return types.ErrOrderNotFound
	}
	m.nextFillID++
	fill.ID = m.nextFillID
	m.orders[order.OrderID] = *order
	m.fillIndex[fill.FillID] = len(m.fills)
	m.fills = append(m.fills, *fill)
	return nil
}

func (m *MemoryStore) ListFills(ctx context.Context, orderID string) ([]types.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewInfrastructureError("list fills", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	fills := []types.Fill{}
	for _, f := range m.fills {
		if f.OrderID == orderID {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

func (m *MemoryStore) UnappliedFills(ctx context.Context, before time.Time, limit int) ([]types.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewInfrastructureError("list unapplied fills", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	fills := []types.Fill{}
	for _, f := range m.fills {
		if f.LedgerApplied || f.LedgerError != nil || !f.Timestamp.Before(before) {
			continue
		}
		fills = append(fills, f)
		if limit > 0 && len(fills) == limit {
			break
		}
	}
	return fills, nil
}

func (m *MemoryStore) MarkFillApplied(ctx context.Context, fillID string) error {
	if err := ctx.Err(); err != nil {
		return types.NewInfrastructureError("mark fill applied", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.fillIndex[fillID]; ok {
		m.fills[i].LedgerApplied = true
	}
	return nil
}

func (m *MemoryStore) MarkFillFailed(ctx context.Context, fillID, reason string) error {
	if err := ctx.Err(); err != nil {
		return types.NewInfrastructureError("mark fill failed", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.fillIndex[fillID]; ok {
		m.fills[i].LedgerError = &reason
	}
	return nil
}

func (m *MemoryStore) FailedFills(ctx context.Context, limit int) ([]types.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewInfrastructureError("list failed fills", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	fills := []types.Fill{}
	for _, f := range m.fills {
		if f.LedgerApplied || f.LedgerError == nil {
			continue
		}
		fills = append(fills, f)
		if limit > 0 && len(fills) == limit {
			break
		}
	}
	return fills, nil
}

func (m *MemoryStore) OpenDayOrders(ctx context.Context, createdBefore time.Time) ([]types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewInfrastructureError("list open day orders", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	orders := []types.Order{}
	for _, o := range m.orders {
		if o.TimeInForce != types.TimeInForceDay || o.Status.IsTerminal() {
			continue
		}
		if o.CreatedAt.Before(createdBefore) {
			orders = append(orders, o)
		}
	}
	sortOrders(orders)
	return orders, nil
}

func sortOrders(orders []types.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
}
