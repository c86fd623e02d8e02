package trading

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/broker"
	"mt5-executor/internal/models"
	"mt5-executor/internal/store"
)

// harness runs the engine against a paper terminal and a temporary ledger
// sharing one controllable clock.
type harness struct {
	t      *testing.T
	now    time.Time
	store  *store.SQLiteStore
	paper  *broker.PaperTerminal
	engine *Engine
	client *models.Client
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, now: time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	h.store = st.WithClock(clock)

	h.paper = broker.NewPaperTerminal(broker.PaperTerminalConfig{Endpoint: "10.0.0.7", Login: "5012345", Clock: clock})
	h.paper.SetSymbol("PETR4", dec("100"), dec("100"), decimal.Zero)
	h.paper.SetSymbol("PETR4F", dec("1"), dec("1"), dec("99"))
	h.paper.SetQuote("PETR4", dec("36.10"), dec("36.20"))
	h.paper.SetQuote("PETR4F", dec("36.10"), dec("36.22"))

	dir := broker.NewPaperDirectory(func(int64) *broker.PaperTerminal { return h.paper })
	h.engine = NewEngine(h.store, dir, EngineOptions{Config: cfg, Clock: clock, Logger: zerolog.Nop()})

	h.client = &models.Client{Name: "Carla", PrivateIP: "10.0.0.7"}
	if err := h.store.CreateClient(context.Background(), h.client); err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) buy(legs ...BuyLeg) *SubmitResult {
	h.t.Helper()
	res, err := h.engine.SubmitBuy(context.Background(), h.client.ID, BuyRequest{
		BaseSymbol: "PETR4",
		Execution:  models.ExecutionMarket,
		TakeProfit: decimal.NewNullDecimal(dec("39.50")),
		Legs:       legs,
	})
	if err != nil {
		h.t.Fatalf("SubmitBuy failed: %v", err)
	}
	return res
}

func (h *harness) pollBuy(groupID string) *GroupStatus {
	h.t.Helper()
	st, err := h.engine.PollBuy(context.Background(), h.client.ID, groupID)
	if err != nil {
		h.t.Fatalf("PollBuy failed: %v", err)
	}
	return st
}

func (h *harness) orders(groupID string) []models.Order {
	h.t.Helper()
	orders, err := h.store.GetGroupOrders(context.Background(), h.client.ID, groupID)
	if err != nil {
		h.t.Fatalf("GetGroupOrders failed: %v", err)
	}
	return orders
}

func (h *harness) position(id int64) *models.Position {
	h.t.Helper()
	p, err := h.store.GetPosition(context.Background(), h.client.ID, id)
	if err != nil {
		h.t.Fatalf("GetPosition failed: %v", err)
	}
	return p
}

// consolidatedBuy submits and polls a 100 + 57 buy until the position is
// confirmed.
func (h *harness) consolidatedBuy() int64 {
	h.t.Helper()
	res := h.buy(BuyLeg{Symbol: "PETR4", Volume: dec("100")}, BuyLeg{Symbol: "PETR4F", Volume: dec("57")})
	st := h.pollBuy(res.GroupID)
	if !st.ExecutedAll || st.PositionID == nil {
		h.t.Fatalf("buy not consolidated: %+v", st)
	}
	return *st.PositionID
}
