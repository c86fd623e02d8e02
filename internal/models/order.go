package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents one leg's submission attempt at the terminal.
type Order struct {
	ID               int64
	GroupID          string
	ClientID         int64
	BaseSymbol       string
	Symbol           string
	Side             Side
	Execution        Execution
	VolumeRequested  decimal.Decimal
	PriceRequested   decimal.NullDecimal
	TakeProfit       decimal.NullDecimal
	ApplyTPAfterExec bool
	AccountLogin     string
	OrderTicket      int64 // 0 until accepted
	PositionTicket   int64 // broker position being closed, sell legs only
	Retcode          *int
	Response         string
	Status           OrderStatus
	PositionID       *int64
	Comment          string
	VolumeExecuted   decimal.Decimal
	PriceAverage     decimal.NullDecimal
	MatchSource      MatchSource
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasTicket reports whether the broker accepted the order with a ticket.
func (o *Order) HasTicket() bool {
	return o.OrderTicket > 0
}

// Deal represents an immutable broker-reported fill.
type Deal struct {
	Ticket         int64
	ClientID       int64
	OrderTicket    int64
	PositionTicket int64
	Symbol         string
	Side           Side
	Type           int
	Entry          *int
	Volume         decimal.Decimal
	Price          decimal.Decimal
	Commission     decimal.Decimal
	Swap           decimal.Decimal
	Profit         decimal.Decimal
	Time           time.Time
	Magic          int64
	Comment        string
	Raw            string
}

// MT5 deal entry values.
const (
	DealEntryIn    = 0
	DealEntryOut   = 1
	DealEntryInOut = 2
	DealEntryOutBy = 3
)

// SideFromDealType maps an MT5 deal/order type to a side.
// Types 1 (sell) and 3 (sell limit) are sells, everything else buys.
func SideFromDealType(t int) Side {
	if t == 1 || t == 3 {
		return SideSell
	}
	return SideBuy
}

// IsExit reports whether the deal closes exposure. The entry tag wins when
// present; otherwise sell-side deals are treated as exits for a long-only book.
func (d *Deal) IsExit() bool {
	if d.Entry != nil {
		return *d.Entry == DealEntryOut || *d.Entry == DealEntryOutBy
	}
	return d.Side == SideSell
}
