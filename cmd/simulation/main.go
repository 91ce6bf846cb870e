package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []types.Side{types.SideBuy, types.SideSell}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	mu         sync.Mutex
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 of the recorded durations.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// apiError carries a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// simulationClient drives the order API over HTTP.
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client

	statsOrder []string
	stats      map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	sc := &simulationClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		statsOrder: []string{"auth", "create", "amend", "cancel", "get", "positions"},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"create":    {name: "Create Order"},
			"amend":     {name: "Amend Order"},
			"cancel":    {name: "Cancel Order"},
			"get":       {name: "Get Order"},
			"positions": {name: "List Positions"},
		},
	}
	return sc
}

// call performs one timed request and decodes a successful body into out.
func (sc *simulationClient) call(ctx context.Context, route, method, path string, in, out interface{}) error {
	start := time.Now()
	err := sc.do(ctx, method, path, in, out)
	sc.stats[route].record(time.Since(start), err)
	return err
}

func (sc *simulationClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

// authenticate exchanges API credentials for a JWT. Without credentials the
// client runs unauthenticated.
func (sc *simulationClient) authenticate(ctx context.Context, apiKey, apiSecret string) error {
	if apiKey == "" {
		return nil
	}
	var result struct {
		Token string `json:"token"`
	}
	creds := map[string]string{"apiKey": apiKey, "apiSecret": apiSecret}
	if err := sc.call(ctx, "auth", http.MethodPost, "/api/v1/auth/token", creds, &result); err != nil {
		return err
	}
	sc.authToken = result.Token
	return nil
}

func (sc *simulationClient) createOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error) {
	var order types.Order
	if err := sc.call(ctx, "create", http.MethodPost, "/api/v1/orders", req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) amendOrder(ctx context.Context, orderID string, req types.OrderRequest) (*types.Order, error) {
	var order types.Order
	if err := sc.call(ctx, "amend", http.MethodPut, "/api/v1/orders/"+orderID, req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) cancelOrder(ctx context.Context, orderID string) error {
	return sc.call(ctx, "cancel", http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil)
}

func (sc *simulationClient) getOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.call(ctx, "get", http.MethodGet, "/api/v1/orders/"+orderID, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) listPositions(ctx context.Context, accountID int64) ([]types.PositionView, error) {
	var positions []types.PositionView
	path := fmt.Sprintf("/api/v1/positions?accountId=%d", accountID)
	if err := sc.call(ctx, "positions", http.MethodGet, path, nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.statsOrder {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

type options struct {
	addr       string
	apiKey     string
	apiSecret  string
	orders     int
	workers    int
	accounts   int
	amendPct   float64
	cancelPct  float64
	settleWait time.Duration
}

// main runs a load simulation against a running server: workers place random
// orders, amend or cancel some of them, then the final order states and
// positions are summarised.
func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "http://localhost:8080", "server base URL")
	flag.StringVar(&opts.apiKey, "api-key", os.Getenv("SIM_API_KEY"), "API key for /auth/token; empty skips auth")
	flag.StringVar(&opts.apiSecret, "api-secret", os.Getenv("SIM_API_SECRET"), "API secret")
	flag.IntVar(&opts.orders, "orders", 100, "number of orders to place")
	flag.IntVar(&opts.workers, "workers", 5, "concurrent workers")
	flag.IntVar(&opts.accounts, "accounts", 3, "number of accounts to spread orders over")
	flag.Float64Var(&opts.amendPct, "amend", 0.1, "share of orders to amend")
	flag.Float64Var(&opts.cancelPct, "cancel", 0.1, "share of orders to cancel")
	flag.DurationVar(&opts.settleWait, "settle-wait", 5*time.Second, "time allowed for the venue to work orders")
	flag.Parse()
	if opts.workers <= 0 {
		opts.workers = 1
	}
	if opts.accounts <= 0 {
		opts.accounts = 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc := newSimulationClient(opts.addr)
	if err := sc.authenticate(ctx, opts.apiKey, opts.apiSecret); err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate")
	}

	start := time.Now()
	log.Info().Int("target_orders", opts.orders).Int("workers", opts.workers).Msg("Starting simulation")

	ordersChan := make(chan string, opts.orders)
	var wg sync.WaitGroup
	per := opts.orders / opts.workers
	for i := 0; i < opts.workers; i++ {
		n := per
		if i == opts.workers-1 {
			n += opts.orders % opts.workers
		}
		wg.Add(1)
		go func(workerID, n int) {
			defer wg.Done()
			runWorker(ctx, workerID, n, opts, sc, ordersChan)
		}(i, n)
	}
	wg.Wait()
	close(ordersChan)

	var orderIDs []string
	for id := range ordersChan {
		orderIDs = append(orderIDs, id)
	}
	log.Info().Int("orders_created", len(orderIDs)).Msg("All orders placed, waiting for executions")

	select {
	case <-ctx.Done():
	case <-time.After(opts.settleWait):
	}

	summarise(ctx, sc, orderIDs, opts, time.Since(start))
	sc.printPerformanceStats()
}

// runWorker places n random orders and amends or cancels some of them.
func runWorker(ctx context.Context, workerID, n int, opts options, sc *simulationClient, ordersChan chan<- string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	logger := log.With().Int("worker_id", workerID).Logger()

	for i := 0; i < n && ctx.Err() == nil; i++ {
		req := randomOrder(rng, opts.accounts)
		order, err := sc.createOrder(ctx, req)
		if err != nil {
			logger.Error().Err(err).Str("symbol", req.Symbol).Msg("Failed to create order")
			continue
		}
		ordersChan <- order.OrderID
		logger.Info().
			Str("order_id", order.OrderID).
			Str("symbol", order.Symbol).
			Str("side", string(order.Side)).
			Str("order_type", string(order.OrderType)).
			Str("quantity", order.Quantity.String()).
			Str("status", string(order.Status)).
			Msg("Order created")

		switch roll := rng.Float64(); {
		case roll < opts.cancelPct:
			if err := sc.cancelOrder(ctx, order.OrderID); err != nil {
				logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("Cancel refused")
			}
		case roll < opts.cancelPct+opts.amendPct:
			qty := order.Quantity.Add(decimal.NewFromInt(int64(rng.Intn(10) + 1)))
			if _, err := sc.amendOrder(ctx, order.OrderID, types.OrderRequest{Quantity: &qty}); err != nil {
				logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("Amend refused")
			}
		}

		time.Sleep(time.Duration(rng.Intn(200)) * time.Millisecond)
	}
}

func randomOrder(rng *rand.Rand, accounts int) types.OrderRequest {
	qty := decimal.NewFromInt(int64(rng.Intn(100) + 1))
	req := types.OrderRequest{
		AccountID:   int64(rng.Intn(accounts) + 1),
		Symbol:      symbols[rng.Intn(len(symbols))],
		Side:        sides[rng.Intn(len(sides))],
		OrderType:   types.OrderTypeMarket,
		Quantity:    &qty,
		TimeInForce: types.TimeInForceDay,
	}
	if rng.Intn(2) == 0 {
		price := decimal.NewFromInt(int64(rng.Intn(1000) + 100))
		req.OrderType = types.OrderTypeLimit
		req.Price = &price
	}
	return req
}

func summarise(ctx context.Context, sc *simulationClient, orderIDs []string, opts options, elapsed time.Duration) {
	byStatus := make(map[types.OrderStatus]int)
	bySymbol := make(map[string]int)
	notional := decimal.Zero

	for _, id := range orderIDs {
		order, err := sc.getOrder(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("order_id", id).Msg("Failed to fetch order")
			continue
		}
		byStatus[order.Status]++
		bySymbol[order.Symbol]++
		if order.AverageFillPrice.Valid {
			notional = notional.Add(order.FilledQuantity.Mul(order.AverageFillPrice.Decimal))
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Total Orders:     %d\n", len(orderIDs))
	for _, status := range []types.OrderStatus{types.StatusPending, types.StatusPartiallyFilled, types.StatusFilled, types.StatusCancelled, types.StatusRejected} {
		fmt.Printf("%-18s%d\n", string(status)+":", byStatus[status])
	}
	fmt.Printf("Filled Notional:  %s\n", notional.StringFixed(2))
	fmt.Printf("Duration:         %v\n", elapsed.Round(time.Millisecond))

	fmt.Println("\nSymbol Distribution")
	fmt.Println(strings.Repeat("-", 20))
	printBars(bySymbol, len(orderIDs))

	fmt.Println("\nPositions")
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%-8s %-6s %12s %12s %14s %14s\n", "Account", "Symbol", "Quantity", "AvgPrice", "Realized", "Unrealized")
	for account := 1; account <= opts.accounts; account++ {
		positions, err := sc.listPositions(ctx, int64(account))
		if err != nil {
			log.Error().Err(err).Int("account_id", account).Msg("Failed to list positions")
			continue
		}
		for _, p := range positions {
			fmt.Printf("%-8d %-6s %12s %12s %14s %14s\n",
				p.AccountID, p.Symbol, p.Quantity.String(),
				nullString(p.AveragePrice), p.RealizedPnl.StringFixed(2), nullString(p.UnrealizedPnl))
		}
	}
	fmt.Println(strings.Repeat("=", 80))

	log.Info().
		Int("total_orders", len(orderIDs)).
		Int("filled", byStatus[types.StatusFilled]).
		Str("filled_notional", notional.StringFixed(2)).
		Dur("duration", elapsed).
		Msg("Simulation completed")
}

func printBars(counts map[string]int, total int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		barLength := 0
		if total > 0 {
			barLength = int(float64(counts[k]) / float64(total) * 40)
		}
		fmt.Printf("%-6s: %s (%d)\n", k, strings.Repeat("#", barLength), counts[k])
	}
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}
