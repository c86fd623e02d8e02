package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"mt5-executor/internal/metrics"
	"mt5-executor/internal/resilience"
)

// GuardedTerminal wraps a terminal with a circuit breaker. While the breaker
// is open, calls return a not-ok response without reaching the terminal.
// Only transient failures count against the breaker; broker rejections do not.
type GuardedTerminal struct {
	inner   Terminal
	breaker *resilience.CircuitBreaker
}

// NewGuardedTerminal creates a guarded terminal.
func NewGuardedTerminal(inner Terminal, breaker *resilience.CircuitBreaker) *GuardedTerminal {
	return &GuardedTerminal{inner: inner, breaker: breaker}
}

func guard[T any](g *GuardedTerminal, call func() Response[T]) Response[T] {
	if err := g.breaker.Allow(); err != nil {
		metrics.CountTerminalRejected(g.inner.Endpoint())
		return failed[T](StatusCircuitOpen, err.Error())
	}
	r := call()
	g.breaker.Record(!r.Transient())
	return r
}

// Endpoint returns the wrapped terminal's endpoint.
func (g *GuardedTerminal) Endpoint() string { return g.inner.Endpoint() }

// Breaker exposes the circuit breaker guarding this terminal.
func (g *GuardedTerminal) Breaker() *resilience.CircuitBreaker { return g.breaker }

func (g *GuardedTerminal) Quote(ctx context.Context, symbol string) Response[Quote] {
	return guard(g, func() Response[Quote] { return g.inner.Quote(ctx, symbol) })
}

func (g *GuardedTerminal) SymbolRules(ctx context.Context, symbol string) Response[SymbolRules] {
	return guard(g, func() Response[SymbolRules] { return g.inner.SymbolRules(ctx, symbol) })
}

func (g *GuardedTerminal) ValidateOrder(ctx context.Context, p OrderParams) Response[Validation] {
	return guard(g, func() Response[Validation] { return g.inner.ValidateOrder(ctx, p) })
}

func (g *GuardedTerminal) SubmitOrder(ctx context.Context, p OrderParams) Response[OrderReply] {
	return guard(g, func() Response[OrderReply] { return g.inner.SubmitOrder(ctx, p) })
}

func (g *GuardedTerminal) AdjustStop(ctx context.Context, ticket int64, target decimal.Decimal) Response[StopReply] {
	return guard(g, func() Response[StopReply] { return g.inner.AdjustStop(ctx, ticket, target) })
}

func (g *GuardedTerminal) OpenPositions(ctx context.Context) Response[[]OpenPosition] {
	return guard(g, func() Response[[]OpenPosition] { return g.inner.OpenPositions(ctx) })
}

func (g *GuardedTerminal) DealHistory(ctx context.Context, from, to time.Time) Response[[]HistoryDeal] {
	return guard(g, func() Response[[]HistoryDeal] { return g.inner.DealHistory(ctx, from, to) })
}

func (g *GuardedTerminal) OpenOrders(ctx context.Context, symbol string) Response[[]PendingOrder] {
	return guard(g, func() Response[[]PendingOrder] { return g.inner.OpenOrders(ctx, symbol) })
}

func (g *GuardedTerminal) AccountStatus(ctx context.Context) Response[AccountStatus] {
	return guard(g, func() Response[AccountStatus] { return g.inner.AccountStatus(ctx) })
}
