// Package trading owns the order lifecycle: validation, the order state
// machine, fill application, cancellation and amendment.
package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/exchange"
	"github.com/ksred/klear-ledger/internal/keylock"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/ksred/klear-ledger/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Ledger receives every recorded fill.
type Ledger interface {
	ApplyFill(ctx context.Context, fill types.Fill) (*types.Position, error)
}

// Notifier is told about every order change.
type Notifier interface {
	OrderUpdated(order types.Order)
}

// errNotExpired marks an order that is still inside its trading session.
var errNotExpired = errors.New("order has not expired")

const defaultSubmitTimeout = 5 * time.Second

// Service handles order management. Operations on one order are serialized
// by a per-order lock; different orders proceed in parallel.
type Service struct {
	store    OrderStore
	ledger   Ledger
	venue    exchange.Venue
	policy   retry.Policy
	opts     Options
	locks    *keylock.Locker
	notifier Notifier
	now      func() time.Time
}

var _ exchange.FillSink = (*Service)(nil)

// NewService creates a lifecycle manager that routes orders to venue and
// forwards fills to ledger.
func NewService(store OrderStore, ledger Ledger, venue exchange.Venue, policy retry.Policy, opts Options) *Service {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaultSubmitTimeout
	}
	return &Service{
		store:  store,
		ledger: ledger,
		venue:  venue,
		policy: policy,
		opts:   opts,
		locks:  keylock.New(),
		now:    time.Now,
	}
}

// SetNotifier registers a listener for order updates.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func orderLogger(order *types.Order) zerolog.Logger {
	return log.With().
		Str("component", "trading").
		Str("order_id", order.OrderID).
		Int64("account_id", order.AccountID).
		Str("symbol", order.Symbol).
		Logger()
}

// CreateOrder validates the request, persists a PENDING order and submits it
// to the venue. The returned order reflects anything the venue did
// synchronously, such as a rejection or an immediate fill.
func (s *Service) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	order, err := validateRequest(req, s.opts.Compliance)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order.OrderID = "ORD-" + uuid.New().String()
	order.Status = types.StatusPending
	order.CreatedAt = now
	order.UpdatedAt = now

	logger := orderLogger(order)

	retried := false
	err = retry.Do(ctx, s.policy, "create order", func(ctx context.Context) error {
		err := s.store.CreateOrder(ctx, order)
		// An earlier attempt committed before timing out.
		if retried && errors.Is(err, errDuplicateOrder) {
			return nil
		}
		retried = true
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create order")
		return nil, err
	}

	logger.Info().
		Str("side", string(order.Side)).
		Str("order_type", string(order.OrderType)).
		Str("quantity", order.Quantity.String()).
		Str("price", order.Price.Decimal.String()).
		Str("time_in_force", string(order.TimeInForce)).
		Msg("order created")
	s.notify(*order)

	s.submit(ctx, *order)
	return s.GetOrder(ctx, order.OrderID)
}

// submit hands the order to the venue and rejects it if the venue refuses.
func (s *Service) submit(ctx context.Context, order types.Order) {
	if s.venue == nil {
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, s.opts.SubmitTimeout)
	defer cancel()

	if err := s.venue.Submit(submitCtx, order, s); err != nil {
		s.reject(ctx, order, err)
	}
}

func (s *Service) reject(ctx context.Context, submitted types.Order, cause error) {
	logger := orderLogger(&submitted)

	order, err := func() (*types.Order, error) {
		unlock := s.locks.Lock(submitted.OrderID)
		defer unlock()

		order, err := s.load(ctx, submitted.OrderID)
		if err != nil {
			return nil, err
		}
		if order.Revision != submitted.Revision || !order.FilledQuantity.IsZero() ||
			!order.Status.CanTransitionTo(types.StatusRejected) {
			logger.Warn().Err(cause).Str("status", string(order.Status)).
				Msg("venue refused an order that already progressed, keeping state")
			return nil, nil
		}

		reason := cause.Error()
		order.Status = types.StatusRejected
		order.RejectReason = &reason
		order.UpdatedAt = s.now()
		if err := s.save(ctx, order); err != nil {
			return nil, err
		}
		return order, nil
	}()
	if err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("failed to record rejection")
		return
	}
	if order == nil {
		return
	}

	logger.Warn().Err(cause).Msg("order rejected by venue")
	s.notify(*order)
}

// ApplyFill records a fill reported by the venue and forwards it to the
// ledger. Fills for terminal orders or superseded revisions are dropped.
func (s *Service) ApplyFill(ctx context.Context, report types.FillReport) (*types.Order, error) {
	if !report.Quantity.IsPositive() {
		return nil, types.NewValidationError("quantity", "must be greater than zero")
	}
	if !report.Price.IsPositive() {
		return nil, types.NewValidationError("price", "must be greater than zero")
	}

	unlock := s.locks.Lock(report.OrderID)
	defer unlock()

	order, err := s.load(ctx, report.OrderID)
	if err != nil {
		return nil, err
	}
	logger := orderLogger(order).With().
		Str("quantity", report.Quantity.String()).
		Str("price", report.Price.String()).
		Int("revision", report.Revision).
		Logger()

	if order.Status.IsTerminal() {
		logger.Warn().Str("status", string(order.Status)).Msg("fill for terminal order dropped")
		return nil, fmt.Errorf("%w: order %s is %s", types.ErrOrderNotFillable, order.OrderID, order.Status)
	}
	if report.Revision != order.Revision {
		logger.Warn().Int("current_revision", order.Revision).Msg("stale fill dropped")
		return nil, fmt.Errorf("%w: revision %d, order is at %d", types.ErrStaleFill, report.Revision, order.Revision)
	}

	filled := order.FilledQuantity.Add(report.Quantity)
	if filled.GreaterThan(order.Quantity) {
		violation := &types.ConsistencyViolation{
			Entity: "order",
			ID:     order.OrderID,
			Detail: fmt.Sprintf("fill of %s takes filled quantity to %s, above order quantity %s",
				report.Quantity, filled, order.Quantity),
		}
		logger.Error().Err(violation).Msg("overfill refused")
		return nil, violation
	}

	now := s.now()
	order.FilledNotional = order.FilledNotional.Add(report.Quantity.Mul(report.Price))
	order.FilledQuantity = filled
	order.AverageFillPrice = decimal.NewNullDecimal(order.FilledNotional.DivRound(filled, types.PriceDivisionPrecision))
	order.UpdatedAt = now
	if filled.Equal(order.Quantity) {
		order.Status = types.StatusFilled
		order.ExecutedAt = &now
	} else {
		order.Status = types.StatusPartiallyFilled
	}

	fill := &types.Fill{
		FillID:    uuid.New().String(),
		OrderID:   order.OrderID,
		AccountID: order.AccountID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  report.Quantity,
		Price:     report.Price,
		Revision:  order.Revision,
		Timestamp: now,
	}
	err = retry.Do(ctx, s.policy, "record fill", func(ctx context.Context) error {
		return s.store.RecordFill(ctx, order, fill)
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record fill")
		return nil, err
	}

	logger.Info().
		Str("fill_id", fill.FillID).
		Str("status", string(order.Status)).
		Str("filled_quantity", order.FilledQuantity.String()).
		Str("average_fill_price", order.AverageFillPrice.Decimal.String()).
		Msg("fill recorded")
	s.notify(*order)

	if err := s.forwardToLedger(ctx, *fill); err != nil {
		return nil, err
	}
	return order, nil
}

// forwardToLedger delivers a recorded fill behind any earlier fills of the
// same order the ledger has not acknowledged. Infrastructure failures leave
// the fills unacknowledged for the processor to replay.
func (s *Service) forwardToLedger(ctx context.Context, fill types.Fill) error {
	_, err := s.deliverPending(ctx, fill.OrderID, fill.FillID)
	if err != nil && types.IsRetryable(err) {
		log.Warn().
			Err(err).
			Str("component", "trading").
			Str("order_id", fill.OrderID).
			Str("fill_id", fill.FillID).
			Msg("ledger unavailable, fills left for replay")
		return nil
	}
	return err
}

// ReplayFill re-delivers an unacknowledged fill to the ledger, together with
// any earlier unacknowledged fills of its order. The ledger ignores fills it
// has already applied.
func (s *Service) ReplayFill(ctx context.Context, fill types.Fill) error {
	unlock := s.locks.Lock(fill.OrderID)
	defer unlock()

	_, err := s.deliverPending(ctx, fill.OrderID, fill.FillID)
	return err
}

// replayOrder delivers every unacknowledged fill of an order and returns how
// many the ledger accepted.
func (s *Service) replayOrder(ctx context.Context, orderID string) (int, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	return s.deliverPending(ctx, orderID, "")
}

// deliverPending hands an order's unacknowledged fills to the ledger oldest
// first. It stops at the first infrastructure failure so a later fill never
// overtakes an earlier one. A fill the ledger refuses is marked failed and
// skipped; the refusal is returned only when it concerns target. Callers hold
// the order lock.
func (s *Service) deliverPending(ctx context.Context, orderID, target string) (int, error) {
	var fills []types.Fill
	err := retry.Do(ctx, s.policy, "list fills", func(ctx context.Context) error {
		var err error
		fills, err = s.store.ListFills(ctx, orderID)
		return err
	})
	if err != nil {
		return 0, err
	}

	delivered := 0
	var refused error
	for _, fill := range fills {
		if fill.LedgerApplied || fill.LedgerError != nil {
			continue
		}
		logger := log.With().
			Str("component", "trading").
			Str("order_id", fill.OrderID).
			Str("fill_id", fill.FillID).
			Logger()

		if _, err := s.ledger.ApplyFill(ctx, fill); err != nil {
			if types.IsRetryable(err) {
				return delivered, err
			}
			logger.Error().Err(err).Msg("ledger refused fill, held for operator review")
			s.markFailed(ctx, fill.FillID, err)
			if fill.FillID == target {
				refused = err
			}
			continue
		}
		delivered++

		err := retry.Do(ctx, s.policy, "mark fill applied", func(ctx context.Context) error {
			return s.store.MarkFillApplied(ctx, fill.FillID)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("fill applied but not acknowledged, replay will skip it")
		}
	}
	return delivered, refused
}

func (s *Service) markFailed(ctx context.Context, fillID string, cause error) {
	err := retry.Do(ctx, s.policy, "mark fill failed", func(ctx context.Context) error {
		return s.store.MarkFillFailed(ctx, fillID, cause.Error())
	})
	if err != nil {
		log.Error().Err(err).Str("fill_id", fillID).Msg("failed to mark refused fill")
	}
}

// FailedFills lists fills the ledger refused.
func (s *Service) FailedFills(ctx context.Context, limit int) ([]types.Fill, error) {
	var fills []types.Fill
	err := retry.Do(ctx, s.policy, "list failed fills", func(ctx context.Context) error {
		var err error
		fills, err = s.store.FailedFills(ctx, limit)
		return err
	})
	return fills, err
}

// CancelOrder cancels a working order. Filled quantity is kept; the
// remainder is abandoned.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*types.Order, error) {
	return s.cancel(ctx, orderID, types.CancelReasonUser, func(*types.Order) error { return nil })
}

// ExpireOrder cancels a DAY order created before cutoff.
func (s *Service) ExpireOrder(ctx context.Context, orderID string, cutoff time.Time) (*types.Order, error) {
	return s.cancel(ctx, orderID, types.CancelReasonExpired, func(o *types.Order) error {
		if o.TimeInForce != types.TimeInForceDay || !o.CreatedAt.Before(cutoff) {
			return errNotExpired
		}
		return nil
	})
}

func (s *Service) cancel(ctx context.Context, orderID, reason string, eligible func(*types.Order) error) (*types.Order, error) {
	order, err := func() (*types.Order, error) {
		unlock := s.locks.Lock(orderID)
		defer unlock()

		order, err := s.load(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !order.Status.CanTransitionTo(types.StatusCancelled) {
			return nil, fmt.Errorf("%w: order %s is %s", types.ErrOrderNotCancellable, orderID, order.Status)
		}
		if err := eligible(order); err != nil {
			return nil, err
		}

		order.Status = types.StatusCancelled
		order.CancelReason = &reason
		order.UpdatedAt = s.now()
		if err := s.save(ctx, order); err != nil {
			return nil, err
		}
		return order, nil
	}()
	if err != nil {
		return nil, err
	}

	logger := orderLogger(order)
	logger.Info().
		Str("cancel_reason", reason).
		Str("filled_quantity", order.FilledQuantity.String()).
		Msg("order cancelled")

	if s.venue != nil {
		if err := s.venue.Cancel(ctx, orderID); err != nil {
			logger.Warn().Err(err).Msg("venue cancel failed, remainder abandoned locally")
		}
	}
	s.notify(*order)
	return order, nil
}

// AmendOrder changes the quantity or price of an order that has not started
// executing, then replaces it at the venue under a new revision.
func (s *Service) AmendOrder(ctx context.Context, orderID string, req types.OrderRequest) (*types.Order, error) {
	amended, err := func() (*types.Order, error) {
		unlock := s.locks.Lock(orderID)
		defer unlock()

		order, err := s.load(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status != types.StatusPending || !order.FilledQuantity.IsZero() {
			return nil, fmt.Errorf("%w: order %s is %s with %s filled",
				types.ErrOrderNotAmendable, orderID, order.Status, order.FilledQuantity)
		}

		amended, err := applyAmendment(*order, req, s.opts.Compliance)
		if err != nil {
			return nil, err
		}
		amended.Revision++
		amended.UpdatedAt = s.now()
		if err := s.save(ctx, amended); err != nil {
			return nil, err
		}
		return amended, nil
	}()
	if err != nil {
		return nil, err
	}

	logger := orderLogger(amended)
	logger.Info().
		Int("revision", amended.Revision).
		Str("quantity", amended.Quantity.String()).
		Str("price", amended.Price.Decimal.String()).
		Msg("order amended")
	s.notify(*amended)

	if s.venue != nil {
		if err := s.venue.Cancel(ctx, orderID); err != nil {
			logger.Warn().Err(err).Msg("venue cancel of previous revision failed")
		}
	}
	s.submit(ctx, *amended)
	return s.GetOrder(ctx, orderID)
}

// GetOrder retrieves an order by its ID
func (s *Service) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	return s.load(ctx, orderID)
}

// ListOrders returns orders matching the filter, oldest first.
func (s *Service) ListOrders(ctx context.Context, filter Filter) ([]types.Order, error) {
	filter.Symbol = normalizeSymbol(filter.Symbol)

	var orders []types.Order
	err := retry.Do(ctx, s.policy, "list orders", func(ctx context.Context) error {
		var err error
		orders, err = s.store.ListOrders(ctx, filter)
		return err
	})
	return orders, err
}

// ListFills returns the fill audit log of an order.
func (s *Service) ListFills(ctx context.Context, orderID string) ([]types.Fill, error) {
	if _, err := s.load(ctx, orderID); err != nil {
		return nil, err
	}

	var fills []types.Fill
	err := retry.Do(ctx, s.policy, "list fills", func(ctx context.Context) error {
		var err error
		fills, err = s.store.ListFills(ctx, orderID)
		return err
	})
	return fills, err
}

func (s *Service) load(ctx context.Context, orderID string) (*types.Order, error) {
	var order *types.Order
	err := retry.Do(ctx, s.policy, "get order", func(ctx context.Context) error {
		var err error
		order, err = s.store.GetOrder(ctx, orderID)
		return err
	})
	return order, err
}

func (s *Service) save(ctx context.Context, order *types.Order) error {
	return retry.Do(ctx, s.policy, "update order", func(ctx context.Context) error {
		return s.store.UpdateOrder(ctx, order)
	})
}

func (s *Service) notify(order types.Order) {
	if s.notifier != nil {
		s.notifier.OrderUpdated(order)
	}
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// authorizeOrder loads an order the caller may see. Orders of another
// account are reported as not found.
func (h *GinHandlers) authorizeOrder(c *gin.Context, orderID string) (*types.Order, bool) {
	order, err := h.service.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		response.HandleError(c, err)
		return nil, false
	}
	if _, err := auth.ScopeAccount(c, order.AccountID); err != nil {
		response.HandleError(c, fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID))
		return nil, false
	}
	return order, true
}

// CreateOrderHandler handles POST /orders
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.HandleError(c, types.NewValidationError("", "invalid request body: "+err.Error()))
			return
		}
		accountID, err := auth.ScopeAccount(c, req.AccountID)
		if err != nil {
			response.HandleError(c, err)
			return
		}
		req.AccountID = accountID

		order, err := h.service.CreateOrder(c.Request.Context(), req)
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET /orders?accountId=&symbol=&status=
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, err := types.ParseAccountID(c.Query("accountId"), false)
		if err != nil {
			response.HandleError(c, err)
			return
		}
		if accountID, err = auth.ScopeAccount(c, accountID); err != nil {
			response.HandleError(c, err)
			return
		}

		status := types.OrderStatus(strings.ToUpper(c.Query("status")))
		if status != "" && !status.Valid() {
			response.HandleError(c, types.NewValidationError("status", fmt.Sprintf("unknown order status %q", c.Query("status"))))
			return
		}

		orders, err := h.service.ListOrders(c.Request.Context(), Filter{
			AccountID: accountID,
			Symbol:    c.Query("symbol"),
			Status:    status,
		})
		if err != nil {
			response.HandleError(c, err)
			return
		}
		response.OK(c, orders)
	}
}

// GetOrderHandler handles GET /orders/:orderId
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, ok := h.authorizeOrder(c, c.Param("orderId"))
		if !ok {
			return
		}
		response.OK(c, order)
	}
}

// AmendOrderHandler handles PUT /orders/:orderId
func (h *GinHandlers) AmendOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.HandleError(c, types.NewValidationError("", "invalid request body: "+err.Error()))
			return
		}
		if _, err := auth.ScopeAccount(c, req.AccountID); err != nil {
			response.HandleError(c, err)
			return
		}
		if _, ok := h.authorizeOrder(c, c.Param("orderId")); !ok {
			return
		}

		order, err := h.service.AmendOrder(c.Request.Context(), c.Param("orderId"), req)
		if err != nil {
			response.HandleError(c, err)
			return
		}
		response.OK(c, order)
	}
}

// CancelOrderHandler handles DELETE /orders/:orderId
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := h.authorizeOrder(c, c.Param("orderId")); !ok {
			return
		}
		if _, err := h.service.CancelOrder(c.Request.Context(), c.Param("orderId")); err != nil {
			response.HandleError(c, err)
			return
		}
		response.NoContent(c)
	}
}

// ListFillsHandler handles GET /orders/:orderId/fills
func (h *GinHandlers) ListFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := h.authorizeOrder(c, c.Param("orderId")); !ok {
			return
		}
		fills, err := h.service.ListFills(c.Request.Context(), c.Param("orderId"))
		if err != nil {
			response.HandleError(c, err)
			return
		}
		response.OK(c, fills)
	}
}

// InjectFillHandler handles POST /internal/orders/:orderId/fills. It lets an
// operator or an external venue report a fill directly.
func (h *GinHandlers) InjectFillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.HandleError(c, types.NewValidationError("", "invalid request body: "+err.Error()))
			return
		}
		if req.Quantity == nil {
			response.HandleError(c, types.NewValidationError("quantity", "is required"))
			return
		}
		if req.Price == nil {
			response.HandleError(c, types.NewValidationError("price", "is required"))
			return
		}

		orderID := c.Param("orderId")
		report := types.FillReport{OrderID: orderID, Quantity: *req.Quantity, Price: *req.Price}
		if req.Revision != nil {
			report.Revision = *req.Revision
		} else {
			current, err := h.service.GetOrder(c.Request.Context(), orderID)
			if err != nil {
				response.HandleError(c, err)
				return
			}
			report.Revision = current.Revision
		}

		order, err := h.service.ApplyFill(c.Request.Context(), report)
		if err != nil {
			response.HandleError(c, err)
			return
		}
		response.OK(c, order)
	}
}

// FailedFillsHandler handles GET /internal/fills/failed, listing fills the
// ledger refused.
func (h *GinHandlers) FailedFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		fills, err := h.service.FailedFills(c.Request.Context(), 500)
		if err != nil {
			response.HandleError(c, err)
			return
		}
		response.OK(c, fills)
	}
}
