package trading

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"mt5-executor/internal/models"
)

// fill is the deal evidence attributed to one order.
type fill struct {
	volume   decimal.Decimal
	price    decimal.NullDecimal
	deals    []models.Deal
	source   models.MatchSource
	lastTime time.Time
}

// positionTicket returns the broker position the fill's deals belong to.
func (f fill) positionTicket() int64 {
	for _, d := range f.deals {
		if d.PositionTicket > 0 {
			return d.PositionTicket
		}
	}
	return 0
}

func (f fill) dealTickets() []int64 {
	out := make([]int64, 0, len(f.deals))
	for _, d := range f.deals {
		out = append(out, d.Ticket)
	}
	return out
}

// vwap returns the total volume and volume-weighted price of deals.
func vwap(deals []models.Deal) (decimal.Decimal, decimal.NullDecimal) {
	vol := decimal.Zero
	notional := decimal.Zero
	for _, d := range deals {
		vol = vol.Add(d.Volume)
		notional = notional.Add(d.Volume.Mul(d.Price))
	}
	if !vol.IsPositive() {
		return vol, decimal.NullDecimal{}
	}
	return vol, decimal.NewNullDecimal(notional.Div(vol))
}

func latest(deals []models.Deal) time.Time {
	var t time.Time
	for _, d := range deals {
		if d.Time.After(t) {
			t = d.Time
		}
	}
	return t
}

func newFill(deals []models.Deal, source models.MatchSource) fill {
	vol, price := vwap(deals)
	return fill{volume: vol, price: price, deals: deals, source: source, lastTime: latest(deals)}
}

// matchDeals attributes deals to orders. Deals are matched by order ticket
// first. An order with no ticket, or whose ticket matched nothing, falls back
// to deals of the same symbol and side not claimed by a ticket match.
//
// The symbol fallback over-attributes when several orders of the same
// symbol and side are live at once; such fills carry MatchSymbol.
func matchDeals(orders []models.Order, deals []models.Deal) map[int64]fill {
	byTicket := make(map[int64][]models.Deal)
	for _, d := range deals {
		if d.OrderTicket > 0 {
			byTicket[d.OrderTicket] = append(byTicket[d.OrderTicket], d)
		}
	}

	claimed := make(map[int64]bool)
	for _, o := range orders {
		if o.HasTicket() {
			for _, d := range byTicket[o.OrderTicket] {
				claimed[d.Ticket] = true
			}
		}
	}

	out := make(map[int64]fill, len(orders))
	for _, o := range orders {
		if o.HasTicket() {
			if matched := byTicket[o.OrderTicket]; len(matched) > 0 {
				out[o.ID] = newFill(matched, models.MatchTicket)
				continue
			}
		}
		var matched []models.Deal
		for _, d := range deals {
			if !claimed[d.Ticket] && d.Symbol == o.Symbol && d.Side == o.Side {
				matched = append(matched, d)
			}
		}
		if len(matched) > 0 {
			out[o.ID] = newFill(matched, models.MatchSymbol)
		} else {
			out[o.ID] = fill{volume: decimal.Zero}
		}
	}
	return out
}

// exitDealsByLeg selects the deals that closed each leg. A deal counts as an
// exit by its entry tag when present, otherwise by side. Deals are matched by
// position ticket, or by symbol when the leg or the deal has none.
func exitDealsByLeg(legs []models.Leg, deals []models.Deal) map[int64][]models.Deal {
	sorted := make([]models.Deal, len(deals))
	copy(sorted, deals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ticket < sorted[j].Ticket })

	out := make(map[int64][]models.Deal, len(legs))
	used := make(map[int64]bool)
	for _, leg := range legs {
		for _, d := range sorted {
			if used[d.Ticket] || !d.IsExit() {
				continue
			}
			if leg.PositionTicket > 0 && d.PositionTicket > 0 {
				if d.PositionTicket != leg.PositionTicket {
					continue
				}
			} else if d.Symbol != leg.Symbol {
				continue
			}
			used[d.Ticket] = true
			out[leg.ID] = append(out[leg.ID], d)
		}
	}
	return out
}

// exitProceeds is the executed exit notional when the exits cover the whole
// quantity, otherwise the exit price applied to the quantity.
func exitProceeds(exits []models.Deal, exitPrice, quantity decimal.Decimal) decimal.Decimal {
	volume, notional := decimal.Zero, decimal.Zero
	for _, d := range exits {
		volume = volume.Add(d.Volume)
		notional = notional.Add(d.Volume.Mul(d.Price))
	}
	if volume.GreaterThanOrEqual(quantity) {
		return roundPrice(notional)
	}
	return roundPrice(exitPrice.Mul(quantity))
}

// exitSummary blends exit deals into a price rounded to cents and the time
// of the last deal.
func exitSummary(deals []models.Deal) (decimal.Decimal, time.Time, bool) {
	_, price := vwap(deals)
	if !price.Valid {
		return decimal.Zero, time.Time{}, false
	}
	return roundPrice(price.Decimal), latest(deals), true
}
