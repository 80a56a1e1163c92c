package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc, err := NewService(s, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestService_RecordsAndListsNewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordSignal(ctx, "saxo-dk", SignalPayload{Symbol: "NOVOb", Side: "buy", Score: 1.5, Labels: []string{"rsi_oversold"}})
	svc.RecordOrder(ctx, "saxo-dk", OrderPayload{
		Broker:   "saxo",
		Symbol:   "NOVOb",
		Side:     "BUY",
		Quantity: decimal.NewFromInt(3),
		OrderID:  "99",
	})
	svc.RecordError(ctx, "ibkr-us", "获取K线失败", errors.New("boom"), map[string]interface{}{"symbol": "AAPL"})

	events, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventError || events[0].Trader != "ibkr-us" {
		t.Fatalf("expected newest error event first, got %+v", events[0])
	}

	orders, err := svc.ListEvents(ctx, EventOrder, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order event, got %d", len(orders))
	}
	var payload OrderPayload
	if err := json.Unmarshal(orders[0].Payload.(json.RawMessage), &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if payload.OrderID != "99" || !payload.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestService_ListLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.RecordCancellation(ctx, "t", CancellationPayload{Broker: "ibkr", Orders: []string{"a"}})
	}
	events, err := svc.ListEvents(ctx, EventCancellation, 2)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected limit respected, got %d", len(events))
	}
}

func TestNewServiceRequiresStore(t *testing.T) {
	if _, err := NewService(nil, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}
