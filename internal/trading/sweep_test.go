package trading

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/broker"
	"mt5-executor/internal/models"
	"mt5-executor/internal/store"
)

func TestSweepClosesPositionsLeftAtTheTerminal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	positionID := h.consolidatedBuy()

	// Take-profit hits close both legs without any engine order.
	if err := h.paper.ClosePosition(1001, dec("38.00")); err != nil {
		t.Fatal(err)
	}
	if err := h.paper.ClosePosition(1002, dec("38.05")); err != nil {
		t.Fatal(err)
	}

	report, err := h.engine.Sweep(ctx, 0)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Closed != 1 || len(report.ClosedIDs) != 1 || report.ClosedIDs[0] != positionID {
		t.Fatalf("report = %+v", report)
	}

	pos := h.position(positionID)
	if pos.IsOpen() {
		t.Fatal("position still open after sweep")
	}
	if !pos.ExitPrice.Decimal.Equal(dec("38.02")) || !pos.TotalProceeds.Decimal.Equal(dec("5968.85")) {
		t.Errorf("exit %v proceeds %v, want 38.02 and 5968.85", pos.ExitPrice, pos.TotalProceeds)
	}

	report, err = h.engine.Sweep(ctx, 0)
	if err != nil {
		t.Fatalf("second Sweep failed: %v", err)
	}
	if report.Clients != 0 || report.Closed != 0 {
		t.Errorf("second sweep = %+v, want nothing left to check", report)
	}
}

func TestSweepSkipsPositionWithOpenLeg(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	positionID := h.consolidatedBuy()

	if err := h.paper.ClosePosition(1001, dec("38.00")); err != nil {
		t.Fatal(err)
	}
	report, err := h.engine.Sweep(context.Background(), h.client.ID)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Closed != 0 || report.Skipped != 1 {
		t.Errorf("report = %+v", report)
	}
	if !h.position(positionID).IsOpen() {
		t.Error("position closed while a leg is still open")
	}
}

func TestSweepWithoutExitDealsWritesNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	pos := &models.Position{
		ClientID:   h.client.ID,
		Instrument: "VALE3",
		OpenDate:   h.now,
		UnitCost:   dec("61.20"),
		Quantity:   dec("100"),
		TotalCost:  dec("6120.00"),
	}
	if err := h.store.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("CreatePosition failed: %v", err)
	}
	if _, err := h.store.CreateLegIfAbsent(ctx, &models.Leg{
		PositionID:     pos.ID,
		Symbol:         "VALE3",
		PositionTicket: 999,
		Volume:         dec("100"),
		PriceOpen:      dec("61.20"),
	}); err != nil {
		t.Fatalf("CreateLegIfAbsent failed: %v", err)
	}
	before := h.position(pos.ID)

	h.advance(DefaultConfig().ClockSkew)
	report, err := h.engine.Sweep(ctx, 0)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Checked != 1 || report.Closed != 0 {
		t.Errorf("report = %+v", report)
	}
	after := h.position(pos.ID)
	if !after.IsOpen() || after.ExitPrice.Valid || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("position changed without exit deals: %+v", after)
	}
}

func TestSweepIsolatesFailingClient(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	terminals := map[string]*broker.PaperTerminal{}
	for _, name := range []string{"down", "up"} {
		p := broker.NewPaperTerminal(broker.PaperTerminalConfig{Endpoint: name})
		p.SetSymbol("BBAS3", dec("100"), dec("100"), decimal.Zero)
		p.SetQuote("BBAS3", dec("27.00"), dec("27.05"))
		terminals[name] = p
	}

	clients := map[int64]*broker.PaperTerminal{}
	dir := broker.NewPaperDirectory(func(id int64) *broker.PaperTerminal { return clients[id] })
	engine := NewEngine(st, dir, EngineOptions{Config: DefaultConfig(), Logger: zerolog.Nop()})

	var positions []int64
	for _, name := range []string{"down", "up"} {
		c, err := engine.AddClient(ctx, name, "", "paper-"+name)
		if err != nil {
			t.Fatalf("AddClient failed: %v", err)
		}
		clients[c.ID] = terminals[name]

		res, err := engine.SubmitBuy(ctx, c.ID, BuyRequest{BaseSymbol: "BBAS3", Legs: []BuyLeg{{Symbol: "BBAS3", Volume: dec("100")}}})
		if err != nil {
			t.Fatalf("SubmitBuy failed: %v", err)
		}
		status, err := engine.PollBuy(ctx, c.ID, res.GroupID)
		if err != nil || status.PositionID == nil {
			t.Fatalf("PollBuy = %+v, %v", status, err)
		}
		positions = append(positions, *status.PositionID)
		if err := terminals[name].ClosePosition(1001, dec("28.00")); err != nil {
			t.Fatal(err)
		}
	}
	terminals["down"].SetDown(true)

	report, err := engine.Sweep(ctx, 0)
	if err == nil || !strings.Contains(err.Error(), "client 1") {
		t.Errorf("expected the failing client in the error, got %v", err)
	}
	if report == nil || report.Failed != 1 || report.Closed != 1 || report.ClosedIDs[0] != positions[1] {
		t.Errorf("report = %+v", report)
	}
}
