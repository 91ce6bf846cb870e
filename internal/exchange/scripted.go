package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

// Scripted is a deterministic venue: it records submissions and cancels and
// only fills when told to. Tests use it to drive exact fill sequences.
type Scripted struct {
	mu        sync.Mutex
	submitted []types.Order
	cancelled []string
	sinks     map[string]FillSink
	revisions map[string]int
	rejectAll error
	onSubmit  func(order types.Order, sink FillSink)
}

var _ Venue = (*Scripted)(nil)

// NewScripted creates a Scripted venue.
func NewScripted() *Scripted {
	return &Scripted{
		sinks:     make(map[string]FillSink),
		revisions: make(map[string]int),
	}
}

func (v *Scripted) Name() string {
	return "scripted"
}

// RejectWith makes every subsequent Submit fail with err.
func (v *Scripted) RejectWith(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectAll = err
}

// OnSubmit installs a hook run synchronously inside Submit, e.g. to fill
// immediately.
func (v *Scripted) OnSubmit(fn func(order types.Order, sink FillSink)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onSubmit = fn
}

func (v *Scripted) Submit(_ context.Context, order types.Order, sink FillSink) error {
	v.mu.Lock()
	if v.rejectAll != nil {
		err := v.rejectAll
		v.mu.Unlock()
		return err
	}
	v.submitted = append(v.submitted, order)
	v.sinks[order.OrderID] = sink
	v.revisions[order.OrderID] = order.Revision
	hook := v.onSubmit
	v.mu.Unlock()

	if hook != nil {
		hook(order, sink)
	}
	return nil
}

func (v *Scripted) Cancel(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, orderID)
	return nil
}

// Fill reports a fill for a submitted order at its latest revision.
func (v *Scripted) Fill(ctx context.Context, orderID string, quantity, price decimal.Decimal) (*types.Order, error) {
	v.mu.Lock()
	sink, ok := v.sinks[orderID]
	revision := v.revisions[orderID]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("order %s was never submitted", orderID)
	}

	return sink.ApplyFill(ctx, types.FillReport{
		OrderID:  orderID,
		Revision: revision,
		Quantity: quantity,
		Price:    price,
	})
}

// Submitted returns a copy of all submitted orders in submission order.
func (v *Scripted) Submitted() []types.Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]types.Order, len(v.submitted))
	copy(out, v.submitted)
	return out
}

// Cancelled returns the ids passed to Cancel.
func (v *Scripted) Cancelled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.cancelled))
	copy(out, v.cancelled)
	return out
}
