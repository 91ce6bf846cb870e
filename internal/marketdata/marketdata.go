// Package marketdata supplies the current market price used to value open
// positions and to price market orders in the execution simulator.
package marketdata

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PriceSource returns the latest known price for a symbol. ok is false when
// the source has no price for it.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (price decimal.Decimal, ok bool, err error)
}

// Static is an in-memory price table, updated through the internal API or
// seeded from configuration.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a Static source seeded with the given prices.
func NewStatic(seed map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(seed))}
	for symbol, price := range seed {
		s.prices[normalize(symbol)] = price
	}
	return s
}

func (s *Static) Price(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[normalize(symbol)]
	return p, ok, nil
}

// Set records the latest price for symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[normalize(symbol)] = price
}

// Chain asks each source in turn and returns the first price found. A
// failing source is logged and skipped.
type Chain []PriceSource

func (c Chain) Price(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		p, ok, err := src.Price(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("price source failed, trying next")
			continue
		}
		if ok {
			return p, true, nil
		}
	}
	return decimal.Zero, false, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
