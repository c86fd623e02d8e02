package api

import (
	"time"

	"github.com/shopspring/decimal"

	"mt5-executor/internal/models"
	"mt5-executor/internal/trading"
)

type legView struct {
	Symbol         string          `json:"symbol"`
	PositionTicket int64           `json:"position_ticket,omitempty"`
	Volume         decimal.Decimal `json:"volume"`
	PriceOpen      decimal.Decimal `json:"price_open"`
	OrderTicket    int64           `json:"order_ticket,omitempty"`
	DealTickets    []int64         `json:"deal_tickets"`
	StopAdjusted   bool            `json:"stop_adjusted"`
}

type positionView struct {
	ID            int64                 `json:"id"`
	Instrument    string                `json:"instrument"`
	Status        models.PositionStatus `json:"status"`
	OpenDate      time.Time             `json:"open_date"`
	UnitCost      decimal.Decimal       `json:"unit_cost"`
	Quantity      decimal.Decimal       `json:"quantity"`
	TotalCost     decimal.Decimal       `json:"total_cost"`
	TargetPrice   decimal.NullDecimal   `json:"target_price"`
	CloseDate     *time.Time            `json:"close_date"`
	ExitPrice     decimal.NullDecimal   `json:"exit_price"`
	TotalProceeds decimal.NullDecimal   `json:"total_proceeds"`
	Legs          []legView             `json:"legs"`
}

func holdingView(h trading.Holding) positionView {
	v := positionView{
		ID:            h.ID,
		Instrument:    h.Instrument,
		Status:        h.Status,
		OpenDate:      h.OpenDate,
		UnitCost:      h.UnitCost,
		Quantity:      h.Quantity,
		TotalCost:     h.TotalCost,
		TargetPrice:   h.TargetPrice,
		CloseDate:     h.CloseDate,
		ExitPrice:     h.ExitPrice,
		TotalProceeds: h.TotalProceeds,
		Legs:          make([]legView, 0, len(h.Legs)),
	}
	for _, l := range h.Legs {
		tickets := l.DealTickets
		if tickets == nil {
			tickets = []int64{}
		}
		v.Legs = append(v.Legs, legView{
			Symbol:         l.Symbol,
			PositionTicket: l.PositionTicket,
			Volume:         l.Volume,
			PriceOpen:      l.PriceOpen,
			OrderTicket:    l.OrderTicket,
			DealTickets:    tickets,
			StopAdjusted:   l.StopAdjusted,
		})
	}
	return v
}

type clientView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	PublicIP  string    `json:"public_ip,omitempty"`
	PrivateIP string    `json:"private_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newClientView(c *models.Client) clientView {
	return clientView{ID: c.ID, Name: c.Name, PublicIP: c.PublicIP, PrivateIP: c.PrivateIP, CreatedAt: c.CreatedAt}
}
