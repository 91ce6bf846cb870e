package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	prices := marketdata.NewStatic(map[string]decimal.Decimal{"AAPL": dec("12"), "MSFT": dec("300")})
	svc := NewService(NewMemoryStore(), prices, testPolicy)
	h := NewGinHandlers(svc)

	r := gin.New()
	r.GET("/positions", h.ListPositionsHandler())
	r.GET("/positions/:symbol", h.GetPositionHandler())
	return r, svc
}

func TestListPositionsHandler(t *testing.T) {
	r, svc := newTestRouter(t)
	ctx := context.Background()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/positions?accountId=1", nil))
	if w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Fatalf("empty list = %d %s, want 200 []", w.Code, w.Body.String())
	}

	svc.ApplyFill(ctx, newFill(1, "AAPL", types.SideBuy, "100", "10"))
	svc.ApplyFill(ctx, newFill(1, "AAPL", types.SideSell, "100", "11"))
	svc.ApplyFill(ctx, newFill(1, "MSFT", types.SideBuy, "2", "250"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/positions?accountId=1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var views []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("len = %d, want 2", len(views))
	}
	for _, v := range views {
		switch v["symbol"] {
		case "AAPL":
			if v["averagePrice"] != nil {
				t.Errorf("flat averagePrice = %v, want null", v["averagePrice"])
			}
			if v["unrealizedPnl"].(float64) != 0 {
				t.Errorf("flat unrealizedPnl = %v, want 0", v["unrealizedPnl"])
			}
			if v["realizedPnl"].(float64) != 100 {
				t.Errorf("realizedPnl = %v, want 100", v["realizedPnl"])
			}
		case "MSFT":
			if v["unrealizedPnl"].(float64) != 100 {
				t.Errorf("MSFT unrealizedPnl = %v, want 100", v["unrealizedPnl"])
			}
			if v["marketValue"].(float64) != 600 {
				t.Errorf("MSFT marketValue = %v, want 600", v["marketValue"])
			}
		}
	}
}

func TestGetPositionHandler(t *testing.T) {
	r, svc := newTestRouter(t)
	svc.ApplyFill(context.Background(), newFill(4, "AAPL", types.SideBuy, "10", "10"))

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"found", "/positions/AAPL?accountId=4", http.StatusOK},
		{"lower case symbol", "/positions/aapl?accountId=4", http.StatusOK},
		{"unknown key", "/positions/AAPL?accountId=5", http.StatusNotFound},
		{"missing account", "/positions/AAPL", http.StatusBadRequest},
		{"bad account", "/positions/AAPL?accountId=abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.url, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}
