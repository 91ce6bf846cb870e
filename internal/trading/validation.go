package trading

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

var errDuplicateOrder = errors.New("order id already exists")

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// validateRequest checks a create request and returns the order it describes,
// without identity or timestamps.
func validateRequest(req types.OrderRequest, compliance Compliance) (*types.Order, error) {
	if req.AccountID <= 0 {
		return nil, types.NewValidationError("accountId", "must be a positive integer")
	}
	symbol := normalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, types.NewValidationError("symbol", "is required")
	}
	if !req.Side.Valid() {
		return nil, types.NewValidationError("side", fmt.Sprintf("must be BUY or SELL, got %q", req.Side))
	}
	if !req.OrderType.Valid() {
		return nil, types.NewValidationError("orderType", fmt.Sprintf("must be MARKET or LIMIT, got %q", req.OrderType))
	}
	if err := validateQuantity(req.Quantity); err != nil {
		return nil, err
	}

	tif := req.TimeInForce
	if tif == "" {
		tif = types.TimeInForceDay
	}
	if !tif.Valid() {
		return nil, types.NewValidationError("timeInForce", fmt.Sprintf("must be DAY or GTC, got %q", req.TimeInForce))
	}

	order := &types.Order{
		AccountID:      req.AccountID,
		Symbol:         symbol,
		OrderType:      req.OrderType,
		Side:           req.Side,
		Quantity:       *req.Quantity,
		FilledQuantity: decimal.Zero,
		TimeInForce:    tif,
	}

	if req.OrderType == types.OrderTypeLimit {
		if err := validatePrice(req.Price); err != nil {
			return nil, err
		}
		order.Price = decimal.NewNullDecimal(*req.Price)
	}

	if err := checkCompliance(order, compliance); err != nil {
		return nil, err
	}
	return order, nil
}

func validateQuantity(q *decimal.Decimal) error {
	if q == nil {
		return types.NewValidationError("quantity", "is required")
	}
	if !q.IsPositive() {
		return types.NewValidationError("quantity", "must be greater than zero")
	}
	return nil
}

func validatePrice(p *decimal.Decimal) error {
	if p == nil {
		return types.NewValidationError("price", "is required for LIMIT orders")
	}
	if !p.IsPositive() {
		return types.NewValidationError("price", "must be greater than zero")
	}
	return nil
}

// applyAmendment changes quantity and price on a copy of order. Any other
// field present in req must match the stored value.
func applyAmendment(order types.Order, req types.OrderRequest, compliance Compliance) (*types.Order, error) {
	if req.AccountID != 0 && req.AccountID != order.AccountID {
		return nil, types.NewValidationError("accountId", "cannot be changed")
	}
	if req.Symbol != "" && normalizeSymbol(req.Symbol) != order.Symbol {
		return nil, types.NewValidationError("symbol", "cannot be changed")
	}
	if req.Side != "" && req.Side != order.Side {
		return nil, types.NewValidationError("side", "cannot be changed")
	}
	if req.OrderType != "" && req.OrderType != order.OrderType {
		return nil, types.NewValidationError("orderType", "cannot be changed")
	}
	if req.TimeInForce != "" && req.TimeInForce != order.TimeInForce {
		return nil, types.NewValidationError("timeInForce", "cannot be changed")
	}

	if req.Quantity != nil {
		if err := validateQuantity(req.Quantity); err != nil {
			return nil, err
		}
		order.Quantity = *req.Quantity
	}
	if order.OrderType == types.OrderTypeLimit && req.Price != nil {
		if err := validatePrice(req.Price); err != nil {
			return nil, err
		}
		order.Price = decimal.NewNullDecimal(*req.Price)
	}

	if err := checkCompliance(&order, compliance); err != nil {
		return nil, err
	}
	return &order, nil
}

func checkCompliance(order *types.Order, c Compliance) error {
	if !c.Enabled {
		return nil
	}
	for _, s := range c.RestrictedSymbols {
		if normalizeSymbol(s) == order.Symbol {
			return types.NewValidationError("symbol", fmt.Sprintf("%s is restricted from trading", order.Symbol))
		}
	}
	if c.MaxOrderQuantity.IsPositive() && order.Quantity.GreaterThan(c.MaxOrderQuantity) {
		return types.NewValidationError("quantity", fmt.Sprintf("exceeds maximum order quantity %s", c.MaxOrderQuantity))
	}
	return nil
}
