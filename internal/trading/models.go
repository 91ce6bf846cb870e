package trading

import (
	"time"

	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

// Filter narrows ListOrders. Zero values match everything.
type Filter struct {
	AccountID int64
	Symbol    string
	Status    types.OrderStatus
}

// Compliance holds the pre-trade checks applied on create and amend.
type Compliance struct {
	Enabled           bool
	RestrictedSymbols []string
	// MaxOrderQuantity is ignored when zero.
	MaxOrderQuantity decimal.Decimal
}

// Options configures a Service.
type Options struct {
	Compliance Compliance
	// SubmitTimeout bounds a single venue call.
	SubmitTimeout time.Duration
}

// FillRequest is the body of the internal fill injection endpoint.
// Revision defaults to the order's current revision.
type FillRequest struct {
	Quantity *decimal.Decimal `json:"quantity"`
	Price    *decimal.Decimal `json:"price"`
	Revision *int             `json:"revision"`
}
