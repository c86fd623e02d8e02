// Package models provides domain models for the execution engine.
package models

import (
	"strings"
)

// Side represents the side of an order or deal.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Execution represents how an order is executed at the terminal.
type Execution string

const (
	ExecutionMarket Execution = "market"
	ExecutionLimit  Execution = "limit"
)

// ParseExecution parses an execution mode, defaulting to market.
func ParseExecution(s string) (Execution, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "market", "mercado":
		return ExecutionMarket, true
	case "limit", "limite":
		return ExecutionLimit, true
	default:
		return "", false
	}
}

// OrderStatus represents the lifecycle status of an order leg.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSent      OrderStatus = "sent"
	OrderPartial   OrderStatus = "partial"
	OrderExecuted  OrderStatus = "executed"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderExecuted || s == OrderRejected || s == OrderCancelled
}

// MatchSource records how deals were attributed to an order.
// Symbol and position matches are lower confidence than ticket matches.
type MatchSource string

const (
	MatchNone     MatchSource = ""
	MatchTicket   MatchSource = "ticket"
	MatchSymbol   MatchSource = "symbol"
	MatchPosition MatchSource = "position"
)

// FractionalSuffix is appended to a base ticker to form its odd-lot symbol.
const FractionalSuffix = "F"

// FractionalSymbol returns the fractional variant of a base symbol.
func FractionalSymbol(base string) string {
	return base + FractionalSuffix
}

// BaseSymbol strips the fractional suffix from a traded symbol.
func BaseSymbol(symbol string) string {
	if strings.HasSuffix(symbol, FractionalSuffix) && len(symbol) > len(FractionalSuffix) {
		return strings.TrimSuffix(symbol, FractionalSuffix)
	}
	return symbol
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
