package types

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PriceDivisionPrecision is the number of decimal places kept when a
// weighted average price is computed.
const PriceDivisionPrecision int32 = 12

func init() {
	// The dashboard reads money and quantity fields as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
)

func (t TimeInForce) Valid() bool {
	return t == TimeInForceDay || t == TimeInForceGTC
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no transition can leave the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// CanTransitionTo encodes the order state machine.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusPartiallyFilled || next == StatusFilled ||
			next == StatusCancelled || next == StatusRejected
	case StatusPartiallyFilled:
		return next == StatusPartiallyFilled || next == StatusFilled || next == StatusCancelled
	}
	return false
}

// Cancel reasons recorded on CANCELLED orders.
const (
	CancelReasonUser    = "user"
	CancelReasonExpired = "expired"
)

// Order is the externally visible order record. Money and quantity columns
// are stored as text so every driver round-trips them exactly.
type Order struct {
	ID               uint                `gorm:"primarykey" json:"id"`
	OrderID          string              `gorm:"size:64;uniqueIndex" json:"orderId"`
	AccountID        int64               `gorm:"index" json:"accountId"`
	Symbol           string              `gorm:"size:20;index" json:"symbol"`
	OrderType        OrderType           `gorm:"size:20" json:"orderType"`
	Side             Side                `gorm:"size:10" json:"side"`
	Quantity         decimal.Decimal     `gorm:"type:varchar(64)" json:"quantity"`
	Price            decimal.NullDecimal `gorm:"type:varchar(64)" json:"price"`
	Status           OrderStatus         `gorm:"size:20;index" json:"status"`
	FilledQuantity   decimal.Decimal     `gorm:"type:varchar(64)" json:"filledQuantity"`
	AverageFillPrice decimal.NullDecimal `gorm:"type:varchar(64)" json:"averageFillPrice"`
	FilledNotional   decimal.Decimal     `gorm:"type:varchar(64)" json:"-"`
	TimeInForce      TimeInForce         `gorm:"size:10" json:"timeInForce"`
	Revision         int                 `json:"revision"`
	RejectReason     *string             `json:"rejectReason,omitempty"`
	CancelReason     *string             `json:"cancelReason,omitempty"`
	CreatedAt        time.Time           `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime:false" json:"updatedAt"`
	ExecutedAt       *time.Time          `json:"executedAt"`
}

// RemainingQuantity is the unfilled size of the order.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Fill is a single execution against an order. It is immutable once recorded
// apart from LedgerApplied, which acknowledges delivery to the position ledger.
type Fill struct {
	ID            uint            `gorm:"primarykey" json:"-"`
	FillID        string          `gorm:"size:64;uniqueIndex" json:"fillId"`
	OrderID       string          `gorm:"size:64;index" json:"orderId"`
	AccountID     int64           `json:"accountId"`
	Symbol        string          `gorm:"size:20" json:"symbol"`
	Side          Side            `gorm:"size:10" json:"side"`
	Quantity      decimal.Decimal `gorm:"type:varchar(64)" json:"quantity"`
	Price         decimal.Decimal `gorm:"type:varchar(64)" json:"price"`
	Revision      int             `json:"revision"`
	LedgerApplied bool            `gorm:"index" json:"ledgerApplied"`
	// LedgerError is set when the ledger refused the fill outright. Such a
	// fill is never replayed and waits for an operator.
	LedgerError *string   `gorm:"size:512" json:"ledgerError,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SignedQuantity is +quantity for BUY fills and -quantity for SELL fills.
func (f *Fill) SignedQuantity() decimal.Decimal {
	return f.Quantity.Mul(f.Side.Sign())
}

// Position is the net holding of one account in one symbol.
type Position struct {
	ID           uint                `gorm:"primarykey" json:"id"`
	AccountID    int64               `gorm:"uniqueIndex:idx_positions_account_symbol" json:"accountId"`
	Symbol       string              `gorm:"size:20;uniqueIndex:idx_positions_account_symbol" json:"symbol"`
	Quantity     decimal.Decimal     `gorm:"type:varchar(64)" json:"quantity"`
	AveragePrice decimal.NullDecimal `gorm:"type:varchar(64)" json:"averagePrice"`
	RealizedPnl  decimal.Decimal     `gorm:"type:varchar(64)" json:"realizedPnl"`
	// CostBasis is the exact cost of the open quantity, sum of |q|*price.
	// AveragePrice is derived from it for display.
	CostBasis  decimal.Decimal `gorm:"type:varchar(64)" json:"-"`
	LastFillID string          `gorm:"size:64" json:"-"`
	CreatedAt  time.Time       `gorm:"autoCreateTime:false" json:"createdAt"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime:false" json:"updatedAt"`
}

// IsFlat reports whether the position holds no quantity.
func (p *Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// AppliedFill records that the ledger has consumed a fill. It is written in
// the same transaction as the position it changed.
type AppliedFill struct {
	ID        uint      `gorm:"primarykey"`
	FillID    string    `gorm:"size:64;uniqueIndex"`
	AccountID int64     `gorm:"index"`
	Symbol    string    `gorm:"size:20"`
	AppliedAt time.Time `gorm:"autoCreateTime:false"`
}

// Valuation holds the read-time derived fields of a position.
type Valuation struct {
	MarketPrice   decimal.NullDecimal `json:"marketPrice"`
	MarketValue   decimal.NullDecimal `json:"marketValue"`
	UnrealizedPnl decimal.NullDecimal `json:"unrealizedPnl"`
}

// PositionView is a position enriched with its valuation, as served by the API.
type PositionView struct {
	Position
	Valuation
}

// OrderRequest is the body of order creation and amendment requests.
// Pointer fields distinguish "absent" from zero.
type OrderRequest struct {
	AccountID   int64            `json:"accountId"`
	Symbol      string           `json:"symbol"`
	OrderType   OrderType        `json:"orderType"`
	Side        Side             `json:"side"`
	Quantity    *decimal.Decimal `json:"quantity"`
	Price       *decimal.Decimal `json:"price"`
	TimeInForce TimeInForce      `json:"timeInForce"`
}

// FillReport is what an execution venue reports for one slice of an order.
type FillReport struct {
	OrderID  string          `json:"orderId"`
	Revision int             `json:"revision"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// ParseAccountID parses an accountId query parameter. An empty value yields
// zero unless required.
func ParseAccountID(raw string, required bool) (int64, error) {
	if raw == "" {
		if required {
			return 0, NewValidationError("accountId", "is required")
		}
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewValidationError("accountId", fmt.Sprintf("invalid account id %q", raw))
	}
	return id, nil
}
