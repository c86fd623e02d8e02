package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Client is an advisory client with a dedicated trading terminal.
type Client struct {
	ID        int64
	Name      string
	PublicIP  string
	PrivateIP string
	CreatedAt time.Time
}

// Endpoint returns the terminal address, preferring the private IP.
func (c *Client) Endpoint() string {
	if ip := strings.TrimSpace(c.PrivateIP); ip != "" {
		return ip
	}
	return strings.TrimSpace(c.PublicIP)
}

// Position is a client's consolidated holding in one instrument.
type Position struct {
	ID            int64
	ClientID      int64
	Instrument    string
	OpenDate      time.Time
	UnitCost      decimal.Decimal
	Quantity      decimal.Decimal
	TotalCost     decimal.Decimal
	TargetPrice   decimal.NullDecimal
	CloseDate     *time.Time
	ExitPrice     decimal.NullDecimal
	TotalProceeds decimal.NullDecimal
	Placeholder   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsOpen reports whether the position has no close date.
func (p *Position) IsOpen() bool {
	return p.CloseDate == nil
}

// Leg links a position to one broker symbol and position ticket.
type Leg struct {
	ID             int64
	PositionID     int64
	Symbol         string
	PositionTicket int64
	Volume         decimal.Decimal
	PriceOpen      decimal.Decimal
	OrderTicket    int64
	DealTickets    []int64
	StopAdjusted   bool
	CreatedAt      time.Time
}

// PositionStatus is the status shown for a holding.
type PositionStatus string

const (
	PositionManual   PositionStatus = "manual"
	PositionPending  PositionStatus = "pending"
	PositionPartial  PositionStatus = "partial"
	PositionExecuted PositionStatus = "executed"
	PositionFailed   PositionStatus = "failed"
	PositionClosed   PositionStatus = "closed"
)

// DerivePositionStatus computes a holding's status from its legs and the
// orders correlated with it.
func DerivePositionStatus(p *Position, hasLegs bool, orders []Order) PositionStatus {
	if !p.IsOpen() {
		return PositionClosed
	}
	if hasLegs {
		return PositionExecuted
	}
	if len(orders) == 0 {
		return PositionManual
	}

	counts := make(map[OrderStatus]int)
	for _, o := range orders {
		counts[o.Status]++
	}

	switch {
	case counts[OrderExecuted] == len(orders):
		return PositionExecuted
	case counts[OrderExecuted] > 0 || counts[OrderPartial] > 0:
		return PositionPartial
	case counts[OrderPending] > 0 || counts[OrderSent] > 0:
		return PositionPending
	default:
		return PositionFailed
	}
}
