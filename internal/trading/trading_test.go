package trading

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/klear-ledger/internal/exchange"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/retry"
	"github.com/shopspring/decimal"
)

var testPolicy = retry.Policy{
	MaxAttempts: 2,
	Timeout:     time.Second,
	BaseDelay:   time.Millisecond,
	MaxDelay:    time.Millisecond,
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

// flakyLedger fails with an infrastructure error while down is set and
// refuses every fill of an order listed in refuse.
type flakyLedger struct {
	inner  *ledger.Service
	down   atomic.Bool
	calls  atomic.Int32
	refuse sync.Map
}

func (l *flakyLedger) ApplyFill(ctx context.Context, fill types.Fill) (*types.Position, error) {
	l.calls.Add(1)
	if l.down.Load() {
		return nil, types.NewInfrastructureError("apply fill", errors.New("ledger store unreachable"))
	}
	if _, ok := l.refuse.Load(fill.OrderID); ok {
		return nil, &types.ConsistencyViolation{Entity: "position", ID: fill.FillID, Detail: "refused"}
	}
	return l.inner.ApplyFill(ctx, fill)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.Order
}

func (n *recordingNotifier) OrderUpdated(o types.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, o)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type harness struct {
	svc    *Service
	store  *MemoryStore
	venue  *exchange.Scripted
	ledger *flakyLedger
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := NewMemoryStore()
	venue := exchange.NewScripted()
	led := &flakyLedger{inner: ledger.NewService(ledger.NewMemoryStore(), nil, testPolicy)}
	return &harness{
		svc:    NewService(store, led, venue, testPolicy, opts),
		store:  store,
		venue:  venue,
		ledger: led,
	}
}

func limitBuy(qty, price string) types.OrderRequest {
	return types.OrderRequest{
		AccountID: 1,
		Symbol:    "AAPL",
		OrderType: types.OrderTypeLimit,
		Side:      types.SideBuy,
		Quantity:  decp(qty),
		Price:     decp(price),
	}
}

func (h *harness) position(t *testing.T, accountID int64, symbol string) *types.Position {
	t.Helper()
	pos, err := h.ledger.inner.GetPosition(context.Background(), accountID, symbol)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	return pos
}

func TestCreateOrderValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *types.OrderRequest)
		wantField string
	}{
		{"missing account", func(r *types.OrderRequest) { r.AccountID = 0 }, "accountId"},
		{"blank symbol", func(r *types.OrderRequest) { r.Symbol = "   " }, "symbol"},
		{"bad side", func(r *types.OrderRequest) { r.Side = "HOLD" }, "side"},
		{"bad type", func(r *types.OrderRequest) { r.OrderType = "STOP" }, "orderType"},
		{"missing quantity", func(r *types.OrderRequest) { r.Quantity = nil }, "quantity"},
		{"zero quantity", func(r *types.OrderRequest) { r.Quantity = decp("0") }, "quantity"},
		{"negative quantity", func(r *types.OrderRequest) { r.Quantity = decp("-5") }, "quantity"},
		{"limit without price", func(r *types.OrderRequest) { r.Price = nil }, "price"},
		{"limit with zero price", func(r *types.OrderRequest) { r.Price = decp("0") }, "price"},
		{"unsupported time in force", func(r *types.OrderRequest) { r.TimeInForce = "IOC" }, "timeInForce"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			req := limitBuy("10", "100")
			tt.mutate(&req)

			_, err := h.svc.CreateOrder(context.Background(), req)
			var validation *types.ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if validation.Field != tt.wantField {
				t.Errorf("field = %q, want %q", validation.Field, tt.wantField)
			}

			orders, _ := h.store.ListOrders(context.Background(), Filter{})
			if len(orders) != 0 {
				t.Errorf("invalid request persisted %d orders", len(orders))
			}
			if len(h.venue.Submitted()) != 0 {
				t.Error("invalid request reached the venue")
			}
		})
	}
}

func TestCreateOrderCompliance(t *testing.T) {
	h := newHarness(t, Options{Compliance: Compliance{
		Enabled:           true,
		RestrictedSymbols: []string{"gme"},
		MaxOrderQuantity:  dec("1000"),
	}})
	ctx := context.Background()

	req := limitBuy("10", "20")
	req.Symbol = "GME"
	if _, err := h.svc.CreateOrder(ctx, req); err == nil || !strings.Contains(err.Error(), "restricted") {
		t.Errorf("restricted symbol: got %v", err)
	}
	if _, err := h.svc.CreateOrder(ctx, limitBuy("1000.5", "20")); err == nil {
		t.Error("expected max quantity breach to fail")
	}
	if _, err := h.svc.CreateOrder(ctx, limitBuy("1000", "20")); err != nil {
		t.Errorf("quantity at the limit should pass: %v", err)
	}
}

func TestCreateOrderPersistsPendingAndSubmits(t *testing.T) {
	h := newHarness(t, Options{})
	notifier := &recordingNotifier{}
	h.svc.SetNotifier(notifier)

	req := limitBuy("10", "150.25")
	req.Symbol = " aapl "
	order, err := h.svc.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if !strings.HasPrefix(order.OrderID, "ORD-") {
		t.Errorf("order id = %q", order.OrderID)
	}
	if order.ID == 0 {
		t.Error("surrogate id not assigned")
	}
	if order.Status != types.StatusPending || !order.FilledQuantity.IsZero() {
		t.Errorf("status = %s filled = %s", order.Status, order.FilledQuantity)
	}
	if order.Symbol != "AAPL" || order.TimeInForce != types.TimeInForceDay {
		t.Errorf("symbol = %q tif = %q", order.Symbol, order.TimeInForce)
	}
	if order.AverageFillPrice.Valid || order.ExecutedAt != nil {
		t.Error("unfilled order must not carry fill price or execution time")
	}
	if !order.Price.Valid || !order.Price.Decimal.Equal(dec("150.25")) {
		t.Errorf("price = %v", order.Price)
	}

	submitted := h.venue.Submitted()
	if len(submitted) != 1 || submitted[0].OrderID != order.OrderID {
		t.Fatalf("submitted = %+v", submitted)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
}

func TestCreateMarketOrderDropsPrice(t *testing.T) {
	h := newHarness(t, Options{})
	req := limitBuy("5", "99")
	req.OrderType = types.OrderTypeMarket

	order, err := h.svc.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Price.Valid {
		t.Errorf("market order price = %s, want null", order.Price.Decimal)
	}
}

func TestCreateOrderRejectedByVenue(t *testing.T) {
	h := newHarness(t, Options{})
	h.venue.RejectWith(errors.New("no market price available for XYZ"))

	order, err := h.svc.CreateOrder(context.Background(), limitBuy("1", "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != types.StatusRejected {
		t.Fatalf("status = %s, want REJECTED", order.Status)
	}
	if order.RejectReason == nil || !strings.Contains(*order.RejectReason, "no market price") {
		t.Errorf("reject reason = %v", order.RejectReason)
	}

	if _, err := h.svc.CancelOrder(context.Background(), order.OrderID); !errors.Is(err, types.ErrOrderNotCancellable) {
		t.Errorf("cancel of rejected order: %v", err)
	}
}

func TestCreateOrderReflectsSynchronousFill(t *testing.T) {
	h := newHarness(t, Options{})
	h.venue.OnSubmit(func(order types.Order, sink exchange.FillSink) {
		_, _ = sink.ApplyFill(context.Background(), types.FillReport{
			OrderID:  order.OrderID,
			Revision: order.Revision,
			Quantity: order.Quantity,
			Price:    order.Price.Decimal,
		})
	})

	order, err := h.svc.CreateOrder(context.Background(), limitBuy("3", "10"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != types.StatusFilled || order.ExecutedAt == nil {
		t.Errorf("status = %s executedAt = %v", order.Status, order.ExecutedAt)
	}
}

func TestApplyFillLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	order, err := h.svc.CreateOrder(ctx, limitBuy("10", "105"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	steps := []struct {
		qty, price  string
		wantStatus  types.OrderStatus
		wantFilled  string
		wantAverage string
	}{
		{"3", "100", types.StatusPartiallyFilled, "3", "100"},
		{"3", "101", types.StatusPartiallyFilled, "6", "100.5"},
		{"4", "102", types.StatusFilled, "10", "101.1"},
	}

	for i, st := range steps {
		got, err := h.venue.Fill(ctx, order.OrderID, dec(st.qty), dec(st.price))
		if err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
		if got.Status != st.wantStatus {
			t.Errorf("fill %d: status = %s, want %s", i, got.Status, st.wantStatus)
		}
		if !got.FilledQuantity.Equal(dec(st.wantFilled)) {
			t.Errorf("fill %d: filled = %s, want %s", i, got.FilledQuantity, st.wantFilled)
		}
		if !got.AverageFillPrice.Valid || !got.AverageFillPrice.Decimal.Equal(dec(st.wantAverage)) {
			t.Errorf("fill %d: average = %v, want %s", i, got.AverageFillPrice, st.wantAverage)
		}
	}

	final, _ := h.svc.GetOrder(ctx, order.OrderID)
	if final.ExecutedAt == nil {
		t.Error("filled order must have executedAt")
	}

	fills, err := h.svc.ListFills(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("ListFills: %v", err)
	}
	if len(fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(fills))
	}
	for _, f := range fills {
		if !f.LedgerApplied {
			t.Errorf("fill %s not acknowledged by the ledger", f.FillID)
		}
	}

	pos := h.position(t, 1, "AAPL")
	if !pos.Quantity.Equal(dec("10")) || !pos.AveragePrice.Decimal.Equal(dec("101.1")) {
		t.Errorf("position = %s @ %v", pos.Quantity, pos.AveragePrice)
	}

	if _, err := h.venue.Fill(ctx, order.OrderID, dec("1"), dec("100")); !errors.Is(err, types.ErrOrderNotFillable) {
		t.Errorf("fill on filled order: %v", err)
	}
}

func TestApplyFillAveragePriceIsExact(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	order, _ := h.svc.CreateOrder(ctx, limitBuy("3", "10"))

	// 4/3 has no finite decimal expansion.
	for _, p := range []string{"1", "1", "2"} {
		if _, err := h.venue.Fill(ctx, order.OrderID, dec("1"), dec(p)); err != nil {
			t.Fatalf("Fill: %v", err)
		}
	}

	got, _ := h.svc.GetOrder(ctx, order.OrderID)
	want := dec("4").DivRound(dec("3"), types.PriceDivisionPrecision)
	if !got.AverageFillPrice.Decimal.Equal(want) {
		t.Errorf("average = %s, want %s", got.AverageFillPrice.Decimal, want)
	}
}

func TestApplyFillRejectsOverfill(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	order, _ := h.svc.CreateOrder(ctx, limitBuy("5", "10"))

	if _, err := h.venue.Fill(ctx, order.OrderID, dec("4"), dec("10")); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	_, err := h.venue.Fill(ctx, order.OrderID, dec("2"), dec("10"))
	var violation *types.ConsistencyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected ConsistencyViolation, got %v", err)
	}

	got, _ := h.svc.GetOrder(ctx, order.OrderID)
	if !got.FilledQuantity.Equal(dec("4")) || got.Status != types.StatusPartiallyFilled {
		t.Errorf("order changed by refused fill: %s %s", got.Status, got.FilledQuantity)
	}
	fills, _ := h.svc.ListFills(ctx, order.OrderID)
	if len(fills) != 1 {
		t.Errorf("fills = %d, want 1", len(fills))
	}
	if pos := h.position(t, 1, "AAPL"); !pos.Quantity.Equal(dec("4")) {
		t.Errorf("position = %s, want 4", pos.Quantity)
	}
}

func TestApplyFillValidation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	order, _ := h.svc.CreateOrder(ctx, limitBuy("5", "10"))

	for _, r := range []types.FillReport{
		{OrderID: order.OrderID, Quantity: dec("0"), Price: dec("10")},
		{OrderID: order.OrderID, Quantity: dec("1"), Price: dec("-1")},
	} {
		var validation *types.ValidationError
		if _, err := h.svc.ApplyFill(ctx, r); !errors.As(err, &validation) {
			t.Errorf("ApplyFill(%s@%s): %v", r.Quantity, r.Price, err)
		}
	}

	_, err := h.svc.ApplyFill(ctx, types.FillReport{OrderID: "ORD-missing", Quantity: dec("1"), Price: dec("1")})
	if !errors.Is(err, types.ErrOrderNotFound) {
		t.Errorf("unknown order: %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if _, err := h.svc.CancelOrder(ctx, "ORD-nope"); !errors.Is(err, types.ErrOrderNotFound) {
		t.Errorf("unknown order: %v", err)
	}

	order, _ := h.svc.CreateOrder(ctx, limitBuy("10", "50"))
	if _, err := h.venue.Fill(ctx, order.OrderID, dec("4"), dec("50")); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	before := time.Now()
	cancelled, err := h.svc.CancelOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	if !cancelled.FilledQuantity.Equal(dec("4")) {
		t.Errorf("cancel must keep filled quantity, got %s", cancelled.FilledQuantity)
	}
	if cancelled.CancelReason == nil || *cancelled.CancelReason != types.CancelReasonUser {
		t.Errorf("cancel reason = %v", cancelled.CancelReason)
	}
	if cancelled.UpdatedAt.Before(before) {
		t.Error("updatedAt not stamped")
	}
	if got := h.venue.Cancelled(); len(got) != 1 || got[0] != order.OrderID {
		t.Errorf("venue cancels = %v", got)
	}

	if _, err := h.svc.CancelOrder(ctx, order.OrderID); !errors.Is(err, types.ErrOrderNotCancellable) {
		t.Errorf("second cancel: %v", err)
	}
	if _, err := h.venue.Fill(ctx, order.OrderID, dec("1"), dec("50")); !errors.Is(err, types.ErrOrderNotFillable) {
		t.Errorf("fill after cancel: %v", err)
	}
}

func TestCancelFilledOrder(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	order, _ := h.svc.CreateOrder(ctx, limitBuy("2", "50"))
	if _, err := h.venue.Fill(ctx, order.OrderID, dec("2"), dec("50")); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if _, err := h.svc.CancelOrder(ctx, order.OrderID); !errors.Is(err, types.ErrOrderNotCancellable) {
		t.Errorf("cancel of filled order: %v", err)
	}
}

func TestAmendOrder(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	order, _ := h.svc.CreateOrder(ctx, limitBuy("10", "50"))

	amended, err := h.svc.AmendOrder(ctx, order.OrderID, types.OrderRequest{
		Symbol:   "aapl",
		Quantity: decp("12"),
		Price:    decp("49.5"),
	})
	if err != nil {
		t.Fatalf("AmendOrder: %v", err)
	}
	if amended.Revision != 1 || !amended.Quantity.Equal(dec("12")) || !amended.Price.Decimal.Equal(dec("49.5")) {
		t.Errorf("amended = rev %d qty %s price %v", amended.Revision, amended.Quantity, amended.Price)
	}
	if amended.OrderID != order.OrderID || amended.Status != types.StatusPending {
		t.Errorf("amend changed identity or status: %s %s", amended.OrderID, amended.Status)
	}

	submitted := h.venue.Submitted()
	if len(submitted) != 2 || submitted[1].Revision != 1 {
		t.Errorf("venue did not receive the replacement: %+v", submitted)
	}
	if len(h.venue.Cancelled()) != 1 {
		t.Errorf("venue cancels = %v", h.venue.Cancelled())
	}

	stale := types.FillReport{OrderID: order.OrderID, Revision: 0, Quantity: dec("1"), Price: dec("50")}
	if _, err := h.svc.ApplyFill(ctx, stale); !errors.Is(err, types.ErrStaleFill) {
		t.Errorf("stale revision fill: %v", err)
	}

	if _, err := h.venue.Fill(ctx, order.OrderID, dec("1"), dec("49.5")); err != nil {
		t.Fatalf("Fill at current revision: %v", err)
	}
	if _, err := h.svc.AmendOrder(ctx, order.OrderID, types.OrderRequest{Quantity: decp("20")}); !errors.Is(err, types.ErrOrderNotAmendable) {
		t.Errorf("amend after fill: %v", err)
	}
}

func TestAmendOrderRejectsImmutableChanges(t *testing.T) {
	tests := []struct {
		name      string
		req       types.OrderRequest
		wantField string
	}{
		{"side", types.OrderRequest{Side: types.SideSell}, "side"},
		{"symbol", types.OrderRequest{Symbol: "MSFT"}, "symbol"},
		{"account", types.OrderRequest{AccountID: 2}, "accountId"},
		{"type", types.OrderRequest{OrderType: types.OrderTypeMarket}, "orderType"},
		{"time in force", types.OrderRequest{TimeInForce: types.TimeInForceGTC}, "timeInForce"},
		{"zero quantity", types.OrderRequest{Quantity: decp("0")}, "quantity"},
		{"negative price", types.OrderRequest{Price: decp("-2")}, "price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			ctx := context.Background()
			order, _ := h.svc.CreateOrder(ctx, limitBuy("10", "50"))

			_, err := h.svc.AmendOrder(ctx, order.OrderID, tt.req)
			var validation *types.ValidationError
			if !errors.As(err, &validation) || validation.Field != tt.wantField {
				t.Fatalf("expected ValidationError on %s, got %v", tt.wantField, err)
			}
			got, _ := h.svc.GetOrder(ctx, order.OrderID)
			if got.Revision != 0 {
				t.Error("failed amend must not bump the revision")
			}
		})
	}
}

func TestAmendOrderNotFoundAndTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if _, err := h.svc.AmendOrder(ctx, "ORD-none", types.OrderRequest{}); !errors.Is(err, types.ErrOrderNotFound) {
		t.Errorf("unknown order: %v", err)
	}

	order, _ := h.svc.CreateOrder(ctx, limitBuy("10", "50"))
	if _, err := h.svc.CancelOrder(ctx, order.OrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if _, err := h.svc.AmendOrder(ctx, order.OrderID, types.OrderRequest{Quantity: decp("1")}); !errors.Is(err, types.ErrOrderNotAmendable) {
		t.Errorf("amend of cancelled order: %v", err)
	}
}

func TestConcurrentFillsNeverOverfill(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	order, _ := h.svc.CreateOrder(ctx, limitBuy("50", "10"))

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.venue.Fill(ctx, order.OrderID, dec("1"), dec("10")); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	got, _ := h.svc.GetOrder(ctx, order.OrderID)
	if accepted.Load() != 50 {
		t.Errorf("accepted fills = %d, want 50", accepted.Load())
	}
	if got.Status != types.StatusFilled || !got.FilledQuantity.Equal(dec("50")) {
		t.Errorf("order = %s filled %s", got.Status, got.FilledQuantity)
	}
	if pos := h.position(t, 1, "AAPL"); !pos.Quantity.Equal(dec("50")) {
		t.Errorf("position = %s, want 50", pos.Quantity)
	}
}

func TestConcurrentCancelAndFill(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, Options{})
		ctx := context.Background()
		order, _ := h.svc.CreateOrder(ctx, limitBuy("10", "10"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.venue.Fill(ctx, order.OrderID, dec("10"), dec("10"))
		}()
		go func() {
			defer wg.Done()
			_, _ = h.svc.CancelOrder(ctx, order.OrderID)
		}()
		wg.Wait()

		got, _ := h.svc.GetOrder(ctx, order.OrderID)
		fills, _ := h.svc.ListFills(ctx, order.OrderID)
		switch got.Status {
		case types.StatusFilled:
			if len(fills) != 1 {
				t.Fatalf("filled order has %d fills", len(fills))
			}
		case types.StatusCancelled:
			if len(fills) != 0 || !got.FilledQuantity.IsZero() {
				t.Fatalf("cancelled-first order recorded fills: %d", len(fills))
			}
		default:
			t.Fatalf("unexpected final status %s", got.Status)
		}
	}
}

func TestLedgerOutageIsReplayedOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	order, _ := h.svc.CreateOrder(ctx, limitBuy("10", "20"))

	h.ledger.down.Store(true)
	got, err := h.venue.Fill(ctx, order.OrderID, dec("10"), dec("20"))
	if err != nil {
		t.Fatalf("fill during ledger outage should still be recorded: %v", err)
	}
	if got.Status != types.StatusFilled {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := h.ledger.inner.GetPosition(ctx, 1, "AAPL"); !errors.Is(err, types.ErrPositionNotFound) {
		t.Fatalf("position should not exist yet: %v", err)
	}

	h.ledger.down.Store(false)
	p := NewProcessor(h.svc, h.store, testPolicy, ProcessorOptions{})
	p.now = func() time.Time { return time.Now().Add(time.Hour) }

	for i := 0; i < 2; i++ {
		if _, err := p.ReplayUnappliedFills(ctx); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	pos := h.position(t, 1, "AAPL")
	if !pos.Quantity.Equal(dec("10")) {
		t.Errorf("position = %s, want 10 after replay", pos.Quantity)
	}

	fills, _ := h.svc.ListFills(ctx, order.OrderID)
	if len(fills) != 1 || !fills[0].LedgerApplied {
		t.Errorf("fill not acknowledged after replay: %+v", fills)
	}

	// Replaying an acknowledged fill directly must not double count.
	if err := h.svc.ReplayFill(ctx, fills[0]); err != nil {
		t.Fatalf("ReplayFill: %v", err)
	}
	if pos := h.position(t, 1, "AAPL"); !pos.Quantity.Equal(dec("10")) {
		t.Errorf("position double counted: %s", pos.Quantity)
	}
}

func TestLedgerReceivesOrderFillsInSequence(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	buy, _ := h.svc.CreateOrder(ctx, limitBuy("100", "10"))
	if _, err := h.venue.Fill(ctx, buy.OrderID, dec("100"), dec("10")); err != nil {
		t.Fatal(err)
	}
	sellReq := limitBuy("150", "11")
	sellReq.Side = types.SideSell
	sell, err := h.svc.CreateOrder(ctx, sellReq)
	if err != nil {
		t.Fatal(err)
	}

	h.ledger.down.Store(true)
	if _, err := h.venue.Fill(ctx, sell.OrderID, dec("50"), dec("12")); err != nil {
		t.Fatalf("first sell fill: %v", err)
	}
	h.ledger.down.Store(false)

	// The second fill must not reach the ledger ahead of the first.
	if _, err := h.venue.Fill(ctx, sell.OrderID, dec("100"), dec("11")); err != nil {
		t.Fatalf("second sell fill: %v", err)
	}

	p := NewProcessor(h.svc, h.store, testPolicy, ProcessorOptions{})
	p.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := p.ReplayUnappliedFills(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}

	pos := h.position(t, 1, "AAPL")
	if !pos.Quantity.Equal(dec("-50")) {
		t.Errorf("quantity = %s, want -50", pos.Quantity)
	}
	if !pos.AveragePrice.Decimal.Equal(dec("11")) {
		t.Errorf("average price = %s, want 11", pos.AveragePrice.Decimal)
	}
	if !pos.RealizedPnl.Equal(dec("150")) {
		t.Errorf("realized = %s, want 150", pos.RealizedPnl)
	}

	fills, _ := h.svc.ListFills(ctx, sell.OrderID)
	for _, f := range fills {
		if !f.LedgerApplied {
			t.Errorf("fill %s not acknowledged", f.FillID)
		}
	}
}

func TestLedgerOutageHoldsLaterFillsBack(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	order, _ := h.svc.CreateOrder(ctx, limitBuy("10", "20"))

	h.ledger.down.Store(true)
	for _, qty := range []string{"4", "6"} {
		if _, err := h.venue.Fill(ctx, order.OrderID, dec(qty), dec("20")); err != nil {
			t.Fatalf("fill %s: %v", qty, err)
		}
	}
	fills, _ := h.svc.ListFills(ctx, order.OrderID)
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	for _, f := range fills {
		if f.LedgerApplied {
			t.Fatalf("fill %s acknowledged during outage", f.FillID)
		}
	}

	// Replaying the later fill delivers the earlier one first.
	h.ledger.down.Store(false)
	if err := h.svc.ReplayFill(ctx, fills[1]); err != nil {
		t.Fatalf("ReplayFill: %v", err)
	}
	fills, _ = h.svc.ListFills(ctx, order.OrderID)
	if !fills[0].LedgerApplied || !fills[1].LedgerApplied {
		t.Errorf("fills acknowledged = %v, %v; want both", fills[0].LedgerApplied, fills[1].LedgerApplied)
	}
	if pos := h.position(t, 1, "AAPL"); !pos.Quantity.Equal(dec("10")) {
		t.Errorf("position = %s, want 10", pos.Quantity)
	}
}

func TestRefusedFillIsHeldForOperator(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	poisoned, _ := h.svc.CreateOrder(ctx, limitBuy("10", "20"))
	healthyReq := limitBuy("5", "30")
	healthyReq.Symbol = "MSFT"
	healthy, _ := h.svc.CreateOrder(ctx, healthyReq)

	h.ledger.down.Store(true)
	if _, err := h.venue.Fill(ctx, poisoned.OrderID, dec("10"), dec("20")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.venue.Fill(ctx, healthy.OrderID, dec("5"), dec("30")); err != nil {
		t.Fatal(err)
	}
	h.ledger.down.Store(false)
	h.ledger.refuse.Store(poisoned.OrderID, true)

	p := NewProcessor(h.svc, h.store, testPolicy, ProcessorOptions{BatchSize: 1})
	p.now = func() time.Time { return time.Now().Add(time.Hour) }
	for i := 0; i < 2; i++ {
		if _, err := p.ReplayUnappliedFills(ctx); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}

	fills, _ := h.svc.ListFills(ctx, healthy.OrderID)
	if len(fills) != 1 || !fills[0].LedgerApplied {
		t.Fatalf("healthy fill not applied behind a refused one: %+v", fills)
	}
	if pos := h.position(t, 1, "MSFT"); !pos.Quantity.Equal(dec("5")) {
		t.Errorf("MSFT position = %s, want 5", pos.Quantity)
	}

	failed, err := h.svc.FailedFills(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].OrderID != poisoned.OrderID || failed[0].LedgerError == nil {
		t.Fatalf("failed fills = %+v, want the refused fill", failed)
	}
	pending, _ := h.store.UnappliedFills(ctx, time.Now().Add(time.Hour), 0)
	if len(pending) != 0 {
		t.Errorf("refused fill still queued for replay: %+v", pending)
	}

	// Once refused, the ledger is not asked again.
	calls := h.ledger.calls.Load()
	if _, err := p.ReplayUnappliedFills(ctx); err != nil {
		t.Fatal(err)
	}
	if n := h.ledger.calls.Load(); n != calls {
		t.Errorf("ledger called %d more times", n-calls)
	}
}

func TestLiveFillRefusedByLedger(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	order, _ := h.svc.CreateOrder(ctx, limitBuy("10", "20"))
	h.ledger.refuse.Store(order.OrderID, true)

	_, err := h.venue.Fill(ctx, order.OrderID, dec("4"), dec("20"))
	var violation *types.ConsistencyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected ConsistencyViolation, got %v", err)
	}

	fills, _ := h.svc.ListFills(ctx, order.OrderID)
	if len(fills) != 1 || fills[0].LedgerError == nil || fills[0].LedgerApplied {
		t.Fatalf("refused fill not marked: %+v", fills)
	}

	// A later fill of the same order still reaches the ledger.
	h.ledger.refuse.Delete(order.OrderID)
	if _, err := h.venue.Fill(ctx, order.OrderID, dec("6"), dec("20")); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if pos := h.position(t, 1, "AAPL"); !pos.Quantity.Equal(dec("6")) {
		t.Errorf("position = %s, want 6", pos.Quantity)
	}
}

// slowStore blocks every read until the attempt deadline.
type slowStore struct {
	*MemoryStore
	calls atomic.Int32
}

func (s *slowStore) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeoutSurfacesInfrastructureError(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore()}
	policy := retry.Policy{MaxAttempts: 3, Timeout: 10 * time.Millisecond, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	svc := NewService(store, nil, nil, policy, Options{})

	_, err := svc.GetOrder(context.Background(), "ORD-x")
	if !types.IsRetryable(err) {
		t.Fatalf("expected InfrastructureError, got %v", err)
	}
	if n := store.calls.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestListOrdersFilters(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	empty, err := h.svc.ListOrders(ctx, Filter{})
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("empty list = %v, %v", empty, err)
	}

	a, _ := h.svc.CreateOrder(ctx, limitBuy("1", "1"))
	msft := limitBuy("1", "1")
	msft.Symbol = "MSFT"
	_, _ = h.svc.CreateOrder(ctx, msft)
	other := limitBuy("1", "1")
	other.AccountID = 2
	_, _ = h.svc.CreateOrder(ctx, other)
	_, _ = h.svc.CancelOrder(ctx, a.OrderID)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"account", Filter{AccountID: 1}, 2},
		{"symbol lower case", Filter{Symbol: "msft"}, 1},
		{"status", Filter{Status: types.StatusCancelled}, 1},
		{"combined", Filter{AccountID: 2, Status: types.StatusPending}, 1},
		{"no match", Filter{AccountID: 3}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.svc.ListOrders(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListOrders: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}
