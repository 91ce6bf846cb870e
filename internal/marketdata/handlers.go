package marketdata

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PriceRequest is the body of the internal price update endpoint.
type PriceRequest struct {
	Price *decimal.Decimal `json:"price"`
}

// PriceUpdate is returned after a price is set.
type PriceUpdate struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// GinHandlers exposes price updates to operators and feed adapters.
type GinHandlers struct {
	static *Static
}

func NewGinHandlers(static *Static) *GinHandlers {
	return &GinHandlers{static: static}
}

// SetPriceHandler handles PUT /internal/prices/:symbol
func (h *GinHandlers) SetPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PriceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.HandleError(c, types.NewValidationError("", "invalid request body: "+err.Error()))
			return
		}
		if req.Price == nil || !req.Price.IsPositive() {
			response.HandleError(c, types.NewValidationError("price", "must be greater than zero"))
			return
		}
		symbol := normalize(c.Param("symbol"))
		if symbol == "" {
			response.HandleError(c, types.NewValidationError("symbol", "is required"))
			return
		}

		h.static.Set(symbol, *req.Price)
		log.Info().
			Str("component", "marketdata").
			Str("symbol", symbol).
			Str("price", req.Price.String()).
			Msg("market price updated")
		response.OK(c, PriceUpdate{Symbol: symbol, Price: *req.Price})
	}
}
