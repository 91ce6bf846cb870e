// Package exchange defines the execution venue seam used by the order
// lifecycle and provides a simulated multi-exchange venue.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// FillSink receives fills produced by a venue. Fills for one order must be
// delivered in the order they occurred.
type FillSink interface {
	ApplyFill(ctx context.Context, report types.FillReport) (*types.Order, error)
}

// Venue decides when and how much of an order fills. An error from Submit
// means the venue rejected the order before any fill.
type Venue interface {
	Name() string
	Submit(ctx context.Context, order types.Order, sink FillSink) error
	Cancel(ctx context.Context, orderID string) error
}

// ErrNoMarketPrice rejects market orders for symbols without a known price.
var ErrNoMarketPrice = errors.New("no market price available")

// Exchange represents a mock trading exchange
type Exchange struct {
	ID              string
	Name            string
	MinLatency      int     // in milliseconds
	MaxLatency      int     // in milliseconds
	LiquidityFactor float64 // 0-1, share of the remaining quantity available
	SuccessRate     float64 // 0-1, probability of a successful slice
}

// DefaultExchanges mirrors a primary venue backed by progressively thinner ones.
var DefaultExchanges = []Exchange{
	{ID: "EXCH1", Name: "Primary Exchange", MinLatency: 5, MaxLatency: 30, LiquidityFactor: 0.9, SuccessRate: 0.95},
	{ID: "EXCH2", Name: "Secondary Exchange", MinLatency: 10, MaxLatency: 50, LiquidityFactor: 0.7, SuccessRate: 0.90},
	{ID: "EXCH3", Name: "Regional Exchange", MinLatency: 15, MaxLatency: 70, LiquidityFactor: 0.5, SuccessRate: 0.85},
	{ID: "EXCH4", Name: "Dark Pool", MinLatency: 20, MaxLatency: 100, LiquidityFactor: 0.3, SuccessRate: 0.75},
}

// SimulatorOptions tunes the simulated venue.
type SimulatorOptions struct {
	Exchanges []Exchange
	// MaxAttempts bounds the number of slices tried per order.
	MaxAttempts int
	// LatencyScale multiplies simulated latencies; 0 disables sleeping.
	LatencyScale float64
	// QuantityStep is the lot size slices are rounded down to.
	QuantityStep decimal.Decimal
	Seed         int64
}

// Simulator routes each order slice to a randomly weighted mock exchange and
// reports the resulting fills asynchronously, one goroutine per order.
type Simulator struct {
	opts   SimulatorOptions
	prices marketdata.PriceSource

	mu   sync.Mutex
	rng  *rand.Rand
	jobs map[string]*job
	wg   sync.WaitGroup
}

type job struct {
	cancel context.CancelFunc
}

var _ Venue = (*Simulator)(nil)

// NewSimulator creates a simulator pricing market orders from prices.
func NewSimulator(prices marketdata.PriceSource, opts SimulatorOptions) *Simulator {
	if len(opts.Exchanges) == 0 {
		opts.Exchanges = DefaultExchanges
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if !opts.QuantityStep.IsPositive() {
		opts.QuantityStep = decimal.NewFromInt(1)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		opts:   opts,
		prices: prices,
		rng:    rand.New(rand.NewSource(seed)),
		jobs:   make(map[string]*job),
	}
}

func (s *Simulator) Name() string {
	return "simulator"
}

// Submit validates that the order can be priced, then works it in the
// background. Fills are delivered to sink in order.
func (s *Simulator) Submit(ctx context.Context, order types.Order, sink FillSink) error {
	logger := log.With().
		Str("component", "simulator").
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("order_type", string(order.OrderType)).
		Logger()

	_, hasMarket, err := s.price(ctx, order.Symbol)
	if err != nil {
		return fmt.Errorf("price lookup failed: %w", err)
	}
	if order.OrderType == types.OrderTypeMarket && !hasMarket {
		logger.Warn().Msg("rejecting market order without a market price")
		return fmt.Errorf("%w for %s", ErrNoMarketPrice, order.Symbol)
	}

	workCtx, cancel := context.WithCancel(context.Background())
	j := &job{cancel: cancel}
	s.mu.Lock()
	if prev, ok := s.jobs[order.OrderID]; ok {
		prev.cancel()
	}
	s.jobs[order.OrderID] = j
	s.mu.Unlock()

	logger.Info().Str("remaining", order.RemainingQuantity().String()).Msg("order accepted by simulator")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(order.OrderID, j)
		s.work(workCtx, order, sink)
	}()
	return nil
}

// Cancel stops any further slices for the order.
func (s *Simulator) Cancel(_ context.Context, orderID string) error {
	s.mu.Lock()
	j, ok := s.jobs[orderID]
	delete(s.jobs, orderID)
	s.mu.Unlock()

	if ok {
		j.cancel()
		log.Debug().Str("order_id", orderID).Msg("simulator stopped working order")
	}
	return nil
}

// Wait blocks until all in-flight orders have finished working.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

func (s *Simulator) release(orderID string, j *job) {
	j.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	// A resubmission may have replaced the entry.
	if s.jobs[orderID] == j {
		delete(s.jobs, orderID)
	}
}

func (s *Simulator) price(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	if s.prices == nil {
		return decimal.Zero, false, nil
	}
	return s.prices.Price(ctx, symbol)
}

func (s *Simulator) work(ctx context.Context, order types.Order, sink FillSink) {
	logger := log.With().
		Str("component", "simulator").
		Str("order_id", order.OrderID).
		Int("revision", order.Revision).
		Logger()

	remaining := order.RemainingQuantity()
	for attempt := 0; attempt < s.opts.MaxAttempts && remaining.IsPositive(); attempt++ {
		ex := s.pickExchange()
		s.sleep(ctx, ex)
		if ctx.Err() != nil {
			logger.Debug().Msg("order work cancelled")
			return
		}

		price, ok := s.executionPrice(ctx, order)
		if !ok {
			logger.Debug().Str("exchange_id", ex.ID).Msg("limit not marketable, slice skipped")
			continue
		}
		if s.float() > ex.SuccessRate {
			logger.Warn().Str("exchange_id", ex.ID).Float64("success_rate", ex.SuccessRate).Msg("slice execution failed")
			continue
		}

		qty := s.sliceQuantity(remaining, ex)
		if !qty.IsPositive() {
			logger.Debug().Str("exchange_id", ex.ID).Msg("insufficient liquidity for slice")
			continue
		}

		updated, err := sink.ApplyFill(ctx, types.FillReport{
			OrderID:  order.OrderID,
			Revision: order.Revision,
			Quantity: qty,
			Price:    price,
		})
		if err != nil {
			logger.Warn().Err(err).Str("exchange_id", ex.ID).Msg("fill not accepted, stopping work")
			return
		}

		remaining = updated.RemainingQuantity()
		logger.Info().
			Str("exchange_id", ex.ID).
			Str("exchange_name", ex.Name).
			Str("executed_quantity", qty.String()).
			Str("executed_price", price.String()).
			Str("remaining_quantity", remaining.String()).
			Msg("slice executed")
	}

	if remaining.IsPositive() {
		logger.Info().Str("remaining_quantity", remaining.String()).Msg("order left working with unfilled remainder")
	}
}

// executionPrice returns the fill price for the next slice: the market price
// for MARKET orders, the limit price for marketable LIMIT orders.
func (s *Simulator) executionPrice(ctx context.Context, order types.Order) (decimal.Decimal, bool) {
	market, ok, err := s.price(ctx, order.Symbol)
	if err != nil {
		return decimal.Zero, false
	}

	if order.OrderType == types.OrderTypeMarket {
		return market, ok
	}

	limit := order.Price.Decimal
	if !ok {
		return limit, true
	}
	if order.Side == types.SideBuy && market.GreaterThan(limit) {
		return decimal.Zero, false
	}
	if order.Side == types.SideSell && market.LessThan(limit) {
		return decimal.Zero, false
	}
	return limit, true
}

// sliceQuantity sizes a slice by the exchange's liquidity, rounded down to
// the lot size. Full liquidity is available with probability LiquidityFactor.
func (s *Simulator) sliceQuantity(remaining decimal.Decimal, ex Exchange) decimal.Decimal {
	if s.float() <= ex.LiquidityFactor {
		return remaining
	}
	qty := remaining.Mul(decimal.NewFromFloat(ex.LiquidityFactor))
	step := s.opts.QuantityStep
	qty = qty.Div(step).Floor().Mul(step)
	if qty.GreaterThan(remaining) {
		return remaining
	}
	return qty
}

// pickExchange selects an exchange weighted by liquidity and success rate.
func (s *Simulator) pickExchange() Exchange {
	total := 0.0
	for _, ex := range s.opts.Exchanges {
		total += ex.LiquidityFactor * ex.SuccessRate
	}

	choice := s.float() * total
	current := 0.0
	for _, ex := range s.opts.Exchanges {
		current += ex.LiquidityFactor * ex.SuccessRate
		if current >= choice {
			return ex
		}
	}
	return s.opts.Exchanges[0]
}

func (s *Simulator) sleep(ctx context.Context, ex Exchange) {
	if s.opts.LatencyScale <= 0 {
		return
	}
	s.mu.Lock()
	latency := s.rng.Intn(ex.MaxLatency-ex.MinLatency+1) + ex.MinLatency
	s.mu.Unlock()

	d := time.Duration(float64(latency) * s.opts.LatencyScale * float64(time.Millisecond))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}
