package execution_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/execution"
	"autotrader/internal/vendors"
	"autotrader/internal/vendors/ibkr"
)

// 通过模拟 IBKR 网关验证下单、自动确认与幂等键的完整链路。
func TestExecutorWithGateway_ConfirmsKnownPromptOnly(t *testing.T) {
	var (
		mu      sync.Mutex
		replies []string
		cOID    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/iserver/secdef/search":
			_, _ = io.WriteString(w, `[{"conid":76792991,"symbol":"EQNR","sections":[{"secType":"STK","exchange":"OSE"}]}]`)
		case r.URL.Path == "/iserver/account/DU1/order":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			cOID, _ = body["cOID"].(string)
			_, _ = io.WriteString(w, `[
				{"id":"a","message":["You are trying to submit an order without having market data for this instrument."]},
				{"id":"b","message":["Unexpected warning from the exchange"]}
			]`)
		case strings.HasPrefix(r.URL.Path, "/iserver/reply/"):
			replies = append(replies, strings.TrimPrefix(r.URL.Path, "/iserver/reply/"))
			_, _ = io.WriteString(w, `[{"order_id":"1","order_status":"PreSubmitted"}]`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	broker, err := ibkr.NewBroker(config.VendorConfig{Vendor: ibkr.Name, AccountID: "DU1", BaseURL: srv.URL}, vendor.Deps{})
	if err != nil {
		t.Fatalf("NewBroker returned error: %v", err)
	}

	result, err := execution.NewExecutor(broker, nil).Execute(context.Background(), execution.Plan{
		Symbol:   vendor.Symbol{Name: "EQNR", Exchange: "OSE"},
		Side:     vendor.SideBuy,
		Quantity: decimal.NewFromInt(12),
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if cOID != result.Key || !strings.HasPrefix(cOID, "autotrader_BUY_EQNR_") {
		t.Fatalf("expected idempotency key %q sent as cOID, got %q", result.Key, cOID)
	}
	if len(replies) != 1 || replies[0] != "a" {
		t.Fatalf("expected only the market data prompt confirmed, got %v", replies)
	}
	if len(result.Order.Messages) != 1 || result.Order.Messages[0].ID != "b" {
		t.Fatalf("expected unknown prompt left unresolved, got %+v", result.Order.Messages)
	}
}
