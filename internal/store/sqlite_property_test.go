package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedClient(t *testing.T, s *SQLiteStore) *models.Client {
	t.Helper()
	c := &models.Client{Name: "Ana", PrivateIP: "10.0.0.5"}
	if err := s.CreateClient(context.Background(), c); err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func testDeal(clientID, ticket int64, volume, price string) models.Deal {
	return models.Deal{
		Ticket:      ticket,
		ClientID:    clientID,
		OrderTicket: 9000 + ticket,
		Symbol:      "PETR4",
		Side:        models.SideBuy,
		Volume:      decimal.RequireFromString(volume),
		Price:       decimal.RequireFromString(price),
		Time:        time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC),
	}
}

// Property: ingesting the same deal batch any number of times stores each
// deal ticket exactly once.
func TestProperty_DealIngestionIdempotent(t *testing.T) {
	s := newTestStore(t)
	client := seedClient(t, s)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	var base int64

	properties.Property("repeated ingestion stores one row per deal ticket", prop.ForAll(
		func(count, repeats int) bool {
			ctx := context.Background()
			base += 1000

			deals := make([]models.Deal, count)
			for i := range deals {
				deals[i] = testDeal(client.ID, base+int64(i), "100", "10.00")
			}

			first, err := s.UpsertDeals(ctx, deals)
			if err != nil || first != count {
				return false
			}
			for r := 0; r < repeats; r++ {
				n, err := s.UpsertDeals(ctx, deals)
				if err != nil || n != 0 {
					return false
				}
			}

			for _, d := range deals {
				stored, err := s.ListDeals(ctx, DealFilter{ClientID: client.ID, OrderTicket: d.OrderTicket})
				if err != nil || len(stored) != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}

func TestUpsertDealsKeepsFirstPayload(t *testing.T) {
	s := newTestStore(t)
	client := seedClient(t, s)
	ctx := context.Background()

	if _, err := s.UpsertDeals(ctx, []models.Deal{testDeal(client.ID, 501, "100", "10.00")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertDeals(ctx, []models.Deal{testDeal(client.ID, 501, "200", "11.00")}); err != nil {
		t.Fatal(err)
	}

	d, err := s.GetDeal(ctx, 501)
	if err != nil || d == nil {
		t.Fatalf("expected deal, got %v %v", d, err)
	}
	if !d.Volume.Equal(decimal.NewFromInt(100)) {
		t.Errorf("deal was overwritten: volume %s", d.Volume)
	}
}

func newGroupOrder(clientID int64, group, symbol string) *models.Order {
	return &models.Order{
		GroupID:         group,
		ClientID:        clientID,
		BaseSymbol:      models.BaseSymbol(symbol),
		Symbol:          symbol,
		Side:            models.SideBuy,
		Execution:       models.ExecutionMarket,
		VolumeRequested: decimal.NewFromInt(100),
		Status:          models.OrderSent,
		OrderTicket:     77,
	}
}

func TestCreateGroupPositionLinksOnce(t *testing.T) {
	s := newTestStore(t)
	client := seedClient(t, s)
	ctx := context.Background()

	for _, sym := range []string{"VALE3", "VALE3F"} {
		if err := s.CreateOrder(ctx, newGroupOrder(client.ID, "g-1", sym)); err != nil {
			t.Fatal(err)
		}
	}

	pos := &models.Position{ClientID: client.ID, Instrument: "VALE3", OpenDate: time.Now(), Placeholder: true}
	ok, err := s.CreateGroupPosition(ctx, "g-1", pos)
	if err != nil || !ok {
		t.Fatalf("first link: ok=%v err=%v", ok, err)
	}

	second := &models.Position{ClientID: client.ID, Instrument: "VALE3", OpenDate: time.Now(), Placeholder: true}
	ok, err = s.CreateGroupPosition(ctx, "g-1", second)
	if err != nil || ok {
		t.Fatalf("second link must be refused: ok=%v err=%v", ok, err)
	}

	orders, err := s.GetGroupOrders(ctx, client.ID, "g-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range orders {
		if o.PositionID == nil || *o.PositionID != pos.ID {
			t.Errorf("order %d not linked to position %d", o.ID, pos.ID)
		}
	}

	all, _ := s.ListPositions(ctx, PositionFilter{ClientID: client.ID, IncludePlaceholders: true})
	if len(all) != 1 {
		t.Errorf("expected one position, got %d", len(all))
	}
}

func TestDeletePlaceholderUnlinksOrders(t *testing.T) {
	s := newTestStore(t)
	client := seedClient(t, s)
	ctx := context.Background()

	s.CreateOrder(ctx, newGroupOrder(client.ID, "g-2", "ITUB4"))
	pos := &models.Position{ClientID: client.ID, Instrument: "ITUB4", OpenDate: time.Now(), Placeholder: true}
	if ok, err := s.CreateGroupPosition(ctx, "g-2", pos); !ok || err != nil {
		t.Fatalf("link failed: %v", err)
	}

	ok, err := s.DeletePlaceholder(ctx, pos.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	orders, _ := s.GetGroupOrders(ctx, client.ID, "g-2")
	if orders[0].PositionID != nil {
		t.Error("order still linked after placeholder delete")
	}

	confirmed := &models.Position{ClientID: client.ID, Instrument: "ITUB4", OpenDate: time.Now()}
	s.CreatePosition(ctx, confirmed)
	if ok, _ := s.DeletePlaceholder(ctx, confirmed.ID); ok {
		t.Error("confirmed position must not be deleted")
	}
}

func TestConfirmPositionOnlyOverwritesPlaceholder(t *testing.T) {
	s := newTestStore(t)
	client := seedClient(t, s)
	ctx := context.Background()

	pos := &models.Position{ClientID: client.ID, Instrument: "BBAS3", OpenDate: time.Now(), Placeholder: true,
		Quantity: decimal.NewFromInt(200), UnitCost: decimal.NewFromInt(25)}
	s.CreatePosition(ctx, pos)

	confirm := PositionConfirmation{
		OpenDate:  time.Date(2025, 3, 10, 13, 5, 0, 0, time.UTC),
		UnitCost:  decimal.RequireFromString("24.87"),
		Quantity:  decimal.NewFromInt(157),
		TotalCost: decimal.RequireFromString("3904.59"),
	}
	if ok, err := s.ConfirmPosition(ctx, pos.ID, confirm); !ok || err != nil {
		t.Fatalf("confirm: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.ConfirmPosition(ctx, pos.ID, confirm); ok {
		t.Error("second confirm must be a no-op")
	}

	got, err := s.GetPosition(ctx, client.ID, pos.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Placeholder || !got.Quantity.Equal(decimal.NewFromInt(157)) || !got.UnitCost.Equal(confirm.UnitCost) {
		t.Errorf("unexpected position after confirm: %+v", got)
	}
}

// Property: a position is closed at most once; later closes never alter the
// recorded exit.
func TestProperty_PositionClosedOnce(t *testing.T) {
	s := newTestStore(t)
	client := seedClient(t, s)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("second close leaves the first exit untouched", prop.ForAll(
		func(firstCents, secondCents int64) bool {
			ctx := context.Background()
			pos := &models.Position{ClientID: client.ID, Instrument: "WEGE3", OpenDate: time.Now(),
				Quantity: decimal.NewFromInt(100), UnitCost: decimal.NewFromInt(40)}
			if err := s.CreatePosition(ctx, pos); err != nil {
				return false
			}

			first := decimal.New(firstCents, -2)
			closeAt := time.Date(2025, 3, 11, 15, 0, 0, 0, time.UTC)
			ok, err := s.ClosePosition(ctx, pos.ID, PositionClosing{CloseDate: closeAt, ExitPrice: first, TotalProceeds: first.Mul(pos.Quantity)})
			if err != nil || !ok {
				return false
			}

			second := decimal.New(secondCents, -2)
			ok, err = s.ClosePosition(ctx, pos.ID, PositionClosing{CloseDate: closeAt.Add(time.Hour), ExitPrice: second, TotalProceeds: second})
			if err != nil || ok {
				return false
			}

			got, err := s.GetPosition(ctx, client.ID, pos.ID)
			if err != nil || got.CloseDate == nil {
				return false
			}
			return got.ExitPrice.Decimal.Equal(first) && got.CloseDate.Equal(closeAt)
		},
		gen.Int64Range(100, 100000),
		gen.Int64Range(100, 100000),
	))

	properties.TestingRun(t)
}

func TestCreateLegIfAbsent(t *testing.T) {
	s := newTestStore(t)
	client := seedClient(t, s)
	ctx := context.Background()

	pos := &models.Position{ClientID: client.ID, Instrument: "ABEV3", OpenDate: time.Now()}
	s.CreatePosition(ctx, pos)

	leg := &models.Leg{PositionID: pos.ID, Symbol: "ABEV3", PositionTicket: 321, Volume: decimal.NewFromInt(100),
		PriceOpen: decimal.RequireFromString("12.50"), DealTickets: []int64{5, 3}}
	created, err := s.CreateLegIfAbsent(ctx, leg)
	if err != nil || !created {
		t.Fatalf("create: %v %v", created, err)
	}
	dup := *leg
	if created, _ := s.CreateLegIfAbsent(ctx, &dup); created {
		t.Error("duplicate leg must not be created")
	}

	if err := s.AppendLegDealTickets(ctx, leg.ID, []int64{9, 3}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkLegStopAdjusted(ctx, leg.ID); err != nil {
		t.Fatal(err)
	}

	legs, err := s.GetLegs(ctx, pos.ID)
	if err != nil || len(legs) != 1 {
		t.Fatalf("expected one leg, got %d (%v)", len(legs), err)
	}
	want := []int64{3, 5, 9}
	if len(legs[0].DealTickets) != len(want) {
		t.Fatalf("deal tickets = %v, want %v", legs[0].DealTickets, want)
	}
	for i := range want {
		if legs[0].DealTickets[i] != want[i] {
			t.Errorf("deal tickets = %v, want %v", legs[0].DealTickets, want)
		}
	}
	if !legs[0].StopAdjusted {
		t.Error("stop_adjusted not persisted")
	}
}

func TestCorruptDealTicketsAreReported(t *testing.T) {
	s := newTestStore(t)
	client := seedClient(t, s)
	ctx := context.Background()

	pos := &models.Position{ClientID: client.ID, Instrument: "ABEV3", OpenDate: time.Now()}
	s.CreatePosition(ctx, pos)
	leg := &models.Leg{PositionID: pos.ID, Symbol: "ABEV3", PositionTicket: 321, Volume: decimal.NewFromInt(100)}
	if _, err := s.CreateLegIfAbsent(ctx, leg); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE legs SET deal_tickets = 'oops' WHERE id = ?`, leg.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetLegs(ctx, pos.ID); err == nil {
		t.Error("GetLegs should report undecodable deal tickets")
	}
	if err := s.AppendLegDealTickets(ctx, leg.ID, []int64{7}); err == nil {
		t.Error("AppendLegDealTickets should not overwrite undecodable deal tickets")
	}
}

func TestUpdateOrderProgressIsForwardOnly(t *testing.T) {
	s := newTestStore(t)
	client := seedClient(t, s)
	ctx := context.Background()

	o := newGroupOrder(client.ID, "g-3", "PETR4")
	s.CreateOrder(ctx, o)

	o.Status = models.OrderExecuted
	o.VolumeExecuted = decimal.NewFromInt(100)
	if ok, err := s.UpdateOrderProgress(ctx, o); !ok || err != nil {
		t.Fatalf("update: %v %v", ok, err)
	}

	o.Status = models.OrderPending
	o.VolumeExecuted = decimal.Zero
	if ok, _ := s.UpdateOrderProgress(ctx, o); ok {
		t.Error("executed order must not be rewritten")
	}

	orders, _ := s.GetGroupOrders(ctx, client.ID, "g-3")
	if orders[0].Status != models.OrderExecuted {
		t.Errorf("status regressed to %s", orders[0].Status)
	}
}

func TestClientsWithOpenPositions(t *testing.T) {
	s := newTestStore(t)
	a := seedClient(t, s)
	b := seedClient(t, s)
	ctx := context.Background()

	s.CreatePosition(ctx, &models.Position{ClientID: a.ID, Instrument: "X", OpenDate: time.Now()})
	s.CreatePosition(ctx, &models.Position{ClientID: b.ID, Instrument: "Y", OpenDate: time.Now(), Placeholder: true})

	ids, err := s.ClientsWithOpenPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("got %v, want [%d]", ids, a.ID)
	}
}
