package trading

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/broker"
	"mt5-executor/internal/models"
)

func entry(v int) *int { return &v }

func TestMatchDealsByTicketBlendsPrice(t *testing.T) {
	orders := []models.Order{{ID: 1, OrderTicket: 900, Symbol: "ITUB4", Side: models.SideBuy}}
	deals := []models.Deal{
		{Ticket: 501, OrderTicket: 900, Symbol: "ITUB4", Side: models.SideBuy, Volume: dec("100"), Price: dec("10.00")},
		{Ticket: 502, OrderTicket: 900, Symbol: "ITUB4", Side: models.SideBuy, Volume: dec("57"), Price: dec("10.05")},
	}

	f := matchDeals(orders, deals)[1]
	if f.source != models.MatchTicket {
		t.Errorf("source = %q, want ticket", f.source)
	}
	if !f.volume.Equal(dec("157")) {
		t.Errorf("volume = %s, want 157", f.volume)
	}
	if !f.price.Valid || !f.price.Decimal.Round(3).Equal(dec("10.018")) {
		t.Errorf("price = %v, want ~10.018", f.price)
	}
	if got := f.dealTickets(); len(got) != 2 || got[0] != 501 || got[1] != 502 {
		t.Errorf("deal tickets = %v", got)
	}
}

func TestMatchDealsSymbolFallbackSkipsClaimedDeals(t *testing.T) {
	orders := []models.Order{
		{ID: 1, OrderTicket: 900, Symbol: "ITUB4", Side: models.SideBuy},
		{ID: 2, Symbol: "ITUB4", Side: models.SideBuy},
	}
	deals := []models.Deal{
		{Ticket: 501, OrderTicket: 900, Symbol: "ITUB4", Side: models.SideBuy, Volume: dec("100"), Price: dec("30")},
		{Ticket: 503, OrderTicket: 911, Symbol: "ITUB4", Side: models.SideBuy, Volume: dec("200"), Price: dec("31")},
		{Ticket: 504, OrderTicket: 912, Symbol: "ITUB4", Side: models.SideSell, Volume: dec("50"), Price: dec("32")},
	}

	fills := matchDeals(orders, deals)
	f := fills[2]
	if f.source != models.MatchSymbol {
		t.Fatalf("source = %q, want symbol", f.source)
	}
	if !f.volume.Equal(dec("200")) || len(f.deals) != 1 || f.deals[0].Ticket != 503 {
		t.Errorf("fallback fill = %+v", f)
	}
	if !fills[1].volume.Equal(dec("100")) {
		t.Errorf("ticket fill volume = %s, want 100", fills[1].volume)
	}
}

func TestMatchDealsNoEvidence(t *testing.T) {
	orders := []models.Order{{ID: 7, OrderTicket: 1, Symbol: "BBAS3", Side: models.SideBuy}}
	f := matchDeals(orders, nil)[7]
	if f.volume.IsPositive() || f.price.Valid || f.source != models.MatchNone {
		t.Errorf("fill = %+v, want empty", f)
	}
}

func TestExitDealsByLeg(t *testing.T) {
	legs := []models.Leg{
		{ID: 1, Symbol: "PETR4", PositionTicket: 1001},
		{ID: 2, Symbol: "PETR4F"},
	}
	deals := []models.Deal{
		{Ticket: 10, PositionTicket: 1001, Symbol: "PETR4", Side: models.SideBuy, Entry: entry(models.DealEntryIn)},
		{Ticket: 11, PositionTicket: 1001, Symbol: "PETR4", Side: models.SideSell, Entry: entry(models.DealEntryOut), Volume: dec("100"), Price: dec("38")},
		{Ticket: 12, PositionTicket: 2002, Symbol: "PETR4", Side: models.SideSell, Entry: entry(models.DealEntryOut)},
		{Ticket: 13, Symbol: "PETR4F", Side: models.SideSell, Volume: dec("57"), Price: dec("38.05")},
		{Ticket: 14, Symbol: "PETR4F", Side: models.SideBuy},
	}

	byLeg := exitDealsByLeg(legs, deals)
	if got := byLeg[1]; len(got) != 1 || got[0].Ticket != 11 {
		t.Errorf("leg 1 exits = %+v", got)
	}
	if got := byLeg[2]; len(got) != 1 || got[0].Ticket != 13 {
		t.Errorf("leg 2 exits = %+v", got)
	}

	price, _, ok := exitSummary(append(byLeg[1], byLeg[2]...))
	if !ok || !price.Equal(dec("38.02")) {
		t.Errorf("exit price = %s (%v), want 38.02", price, ok)
	}
	if _, _, ok := exitSummary(nil); ok {
		t.Error("exit summary of no deals must not be ok")
	}
}

func TestCatchUpUsesTerminalPosition(t *testing.T) {
	o := &models.Order{Symbol: "WEGE3", VolumeRequested: dec("100")}
	open := []broker.OpenPosition{{Ticket: 77, Symbol: "WEGE3", Volume: dec("100"), PriceOpen: dec("40.10")}}

	f := catchUp(o, fill{volume: decimal.Zero}, open)
	if f.source != models.MatchPosition || !f.volume.Equal(dec("100")) || !f.price.Decimal.Equal(dec("40.10")) {
		t.Errorf("fill = %+v", f)
	}

	short := []broker.OpenPosition{{Ticket: 77, Symbol: "WEGE3", Volume: dec("40"), PriceOpen: dec("40.10")}}
	if f := catchUp(o, fill{volume: decimal.Zero}, short); f.source != models.MatchNone {
		t.Errorf("under-sized terminal position must not complete the order: %+v", f)
	}
}

// Property: an order's status never moves backwards as more fill evidence
// arrives, and executed orders stay executed.
func TestProperty_StatusIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	rank := map[models.OrderStatus]int{
		models.OrderSent:     0,
		models.OrderPartial:  1,
		models.OrderExecuted: 2,
	}

	properties.Property("status only moves forward", prop.ForAll(
		func(increments []int64, requested int64) bool {
			status := models.OrderSent
			vol := decimal.Zero
			for _, inc := range increments {
				vol = vol.Add(decimal.NewFromInt(inc))
				next := nextStatus(status, fill{volume: vol, source: models.MatchTicket}, decimal.NewFromInt(requested))
				if rank[next] < rank[status] {
					return false
				}
				status = next
			}
			// Losing the evidence later must not regress the status.
			return nextStatus(status, fill{volume: decimal.Zero}, decimal.NewFromInt(requested)) == status
		},
		gen.SliceOf(gen.Int64Range(0, 60)),
		gen.Int64Range(1, 500),
	))

	properties.TestingRun(t)
}

func TestNextStatusFrozenStates(t *testing.T) {
	full := fill{volume: dec("100"), source: models.MatchSymbol}
	tests := []struct {
		name    string
		current models.OrderStatus
		f       fill
		want    models.OrderStatus
	}{
		{"rejected stays rejected", models.OrderRejected, full, models.OrderRejected},
		{"executed stays executed", models.OrderExecuted, fill{volume: decimal.Zero}, models.OrderExecuted},
		{"cancelled ignores symbol evidence", models.OrderCancelled, full, models.OrderCancelled},
		{"cancelled follows its own ticket", models.OrderCancelled, fill{volume: dec("100"), source: models.MatchTicket}, models.OrderExecuted},
		{"pending becomes partial", models.OrderPending, fill{volume: dec("30"), source: models.MatchSymbol}, models.OrderPartial},
		{"sent without evidence", models.OrderSent, fill{volume: decimal.Zero}, models.OrderSent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextStatus(tt.current, tt.f, dec("100")); got != tt.want {
				t.Errorf("nextStatus = %s, want %s", got, tt.want)
			}
		})
	}
}
