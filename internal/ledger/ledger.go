// Package ledger maintains per-account, per-symbol positions from fills and
// derives their valuation against a current market price.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/keylock"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/ksred/klear-ledger/pkg/retry"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Notifier is told about every position change.
type Notifier interface {
	PositionUpdated(position types.Position)
}

// Service applies fills to positions. Updates to one (account, symbol) key
// are serialized; different keys proceed in parallel.
type Service struct {
	store    Store
	prices   marketdata.PriceSource
	policy   retry.Policy
	locks    *keylock.Locker
	notifier Notifier
	now      func() time.Time
}

// NewService creates a ledger over the given store and price source.
func NewService(store Store, prices marketdata.PriceSource, policy retry.Policy) *Service {
	return &Service{
		store:  store,
		prices: prices,
		policy: policy,
		locks:  keylock.New(),
		now:    time.Now,
	}
}

// SetNotifier registers a listener for position updates.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// ApplyFill folds a fill into its position. A fill that was already applied
// is a no-op, so replaying a fill never double counts P&L.
func (s *Service) ApplyFill(ctx context.Context, fill types.Fill) (*types.Position, error) {
	logger := log.With().
		Str("component", "ledger").
		Str("fill_id", fill.FillID).
		Str("order_id", fill.OrderID).
		Int64("account_id", fill.AccountID).
		Str("symbol", fill.Symbol).
		Str("side", string(fill.Side)).
		Str("quantity", fill.Quantity.String()).
		Str("price", fill.Price.String()).
		Logger()

	unlock := s.locks.Lock(positionKey(fill.AccountID, fill.Symbol))
	defer unlock()

	var applied bool
	err := retry.Do(ctx, s.policy, "check applied fill", func(ctx context.Context) error {
		var err error
		applied, err = s.store.IsFillApplied(ctx, fill.FillID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if applied {
		logger.Debug().Msg("fill already applied, skipping")
		return s.GetPosition(ctx, fill.AccountID, fill.Symbol)
	}

	var pos *types.Position
	err = retry.Do(ctx, s.policy, "get position", func(ctx context.Context) error {
		var err error
		pos, err = s.store.GetPosition(ctx, fill.AccountID, fill.Symbol)
		return err
	})
	now := s.now()
	switch {
	case errors.Is(err, types.ErrPositionNotFound):
		pos = &types.Position{
			AccountID:   fill.AccountID,
			Symbol:      fill.Symbol,
			Quantity:    decimal.Zero,
			RealizedPnl: decimal.Zero,
			CreatedAt:   now,
		}
	case err != nil:
		return nil, err
	}

	realized, err := applyToPosition(pos, fill.Side, fill.Quantity, fill.Price)
	if err != nil {
		logger.Error().Err(err).Msg("ledger invariant broken, fill not applied")
		return nil, err
	}
	pos.LastFillID = fill.FillID
	pos.UpdatedAt = now

	record := types.AppliedFill{
		FillID:    fill.FillID,
		AccountID: fill.AccountID,
		Symbol:    fill.Symbol,
		AppliedAt: now,
	}
	err = retry.Do(ctx, s.policy, "save position", func(ctx context.Context) error {
		return s.store.SavePosition(ctx, pos, record)
	})
	if errors.Is(err, ErrFillAlreadyApplied) {
		logger.Debug().Msg("fill applied concurrently, skipping")
		return s.GetPosition(ctx, fill.AccountID, fill.Symbol)
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist position")
		return nil, err
	}

	logger.Info().
		Str("position_quantity", pos.Quantity.String()).
		Str("realized_delta", realized.String()).
		Str("realized_pnl", pos.RealizedPnl.String()).
		Msg("fill applied to position")

	if s.notifier != nil {
		s.notifier.PositionUpdated(*pos)
	}
	return pos, nil
}

// GetPosition returns the stored position for the key.
func (s *Service) GetPosition(ctx context.Context, accountID int64, symbol string) (*types.Position, error) {
	var pos *types.Position
	err := retry.Do(ctx, s.policy, "get position", func(ctx context.Context) error {
		var err error
		pos, err = s.store.GetPosition(ctx, accountID, symbol)
		return err
	})
	return pos, err
}

// ListPositions returns positions matching the filter.
func (s *Service) ListPositions(ctx context.Context, filter Filter) ([]types.Position, error) {
	var positions []types.Position
	err := retry.Do(ctx, s.policy, "list positions", func(ctx context.Context) error {
		var err error
		positions, err = s.store.ListPositions(ctx, filter)
		return err
	})
	return positions, err
}

// Valuation prices one position at marketPrice without touching stored state.
func (s *Service) Valuation(ctx context.Context, accountID int64, symbol string, marketPrice decimal.Decimal) (types.Valuation, error) {
	pos, err := s.GetPosition(ctx, accountID, symbol)
	if err != nil {
		return types.Valuation{}, err
	}
	return Valuate(*pos, decimal.NewNullDecimal(marketPrice)), nil
}

// View enriches a position with the current price from the price source.
func (s *Service) View(ctx context.Context, pos types.Position) types.PositionView {
	price := decimal.NullDecimal{}
	if s.prices != nil {
		p, ok, err := s.prices.Price(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("no market price for valuation")
		} else if ok {
			price = decimal.NewNullDecimal(p)
		}
	}
	return types.PositionView{Position: pos, Valuation: Valuate(pos, price)}
}

// ListPositionViews lists positions with their valuations.
func (s *Service) ListPositionViews(ctx context.Context, filter Filter) ([]types.PositionView, error) {
	positions, err := s.ListPositions(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]types.PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, s.View(ctx, p))
	}
	return views, nil
}

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for position endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListPositionsHandler handles GET /positions with an optional accountId filter.
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
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

		views, err := h.service.ListPositionViews(c.Request.Context(), Filter{AccountID: accountID})
		if err != nil {
			response.HandleError(c, err)
			return
		}
		response.OK(c, views)
	}
}

// GetPositionHandler handles GET /positions/:symbol?accountId=
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
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
		if accountID == 0 {
			response.HandleError(c, types.NewValidationError("accountId", "is required"))
			return
		}
		symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))

		pos, err := h.service.GetPosition(c.Request.Context(), accountID, symbol)
		if err != nil {
			response.HandleError(c, err)
			return
		}
		response.OK(c, h.service.View(c.Request.Context(), *pos))
	}
}
