package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mt5-executor/internal/models"
)

// Retcodes produced by the simulated terminal.
const (
	paperPlaced         = 10008
	paperDone           = 10009
	paperInvalidRequest = 10013
	paperInvalidVolume  = 10014
	paperInvalidStops   = 10016
	paperNoPosition     = 10036
)

// PaperTerminal is an in-memory netting terminal. Market orders fill at the
// quote immediately; limit orders fill when marketable, otherwise they rest
// in the book until FillPending is called.
type PaperTerminal struct {
	endpoint string
	login    string
	now      func() time.Time

	rules     map[string]SymbolRules
	quotes    map[string]Quote
	positions map[int64]*OpenPosition
	pending   map[int64]*paperOrder
	deals     []HistoryDeal
	stops     map[int64]decimal.Decimal

	orderCounter int64
	dealCounter  int64

	connected        bool
	tradeAllowed     bool
	down             bool
	holdFills        bool
	rejectTakeProfit bool
	rejectStatus     int

	mu sync.Mutex
}

type paperOrder struct {
	PendingOrder
	side           models.Side
	positionTicket int64
	limit          decimal.NullDecimal
}

// PaperTerminalConfig holds configuration for a paper terminal.
type PaperTerminalConfig struct {
	Endpoint string
	Login    string
	Clock    func() time.Time
}

// NewPaperTerminal creates a new simulated terminal.
func NewPaperTerminal(cfg PaperTerminalConfig) *PaperTerminal {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "paper"
	}
	return &PaperTerminal{
		endpoint:     endpoint,
		login:        cfg.Login,
		now:          clock,
		rules:        make(map[string]SymbolRules),
		quotes:       make(map[string]Quote),
		positions:    make(map[int64]*OpenPosition),
		pending:      make(map[int64]*paperOrder),
		stops:        make(map[int64]decimal.Decimal),
		orderCounter: 1000,
		dealCounter:  5000,
		connected:    true,
		tradeAllowed: true,
	}
}

// SetSymbol registers a tradable symbol.
func (p *PaperTerminal) SetSymbol(symbol string, min, step, max decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[symbol] = SymbolRules{Symbol: symbol, VolumeMin: min, VolumeStep: step, VolumeMax: max}
}

// SetQuote sets the top of book for a symbol.
func (p *PaperTerminal) SetQuote(symbol string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = Quote{Symbol: symbol, Bid: bid, Ask: ask, Last: ask, Time: p.now().Unix()}
}

// SetDown makes every call fail as a transport error.
func (p *PaperTerminal) SetDown(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

// SetRejectStatus sets the HTTP status that carries broker rejections.
// Some bridges answer a refused order with 500 instead of 400.
func (p *PaperTerminal) SetRejectStatus(status int) {
	p.mu.Lock()
	p.rejectStatus = status
	p.mu.Unlock()
}

// SetHoldFills keeps accepted orders in the book instead of filling them.
func (p *PaperTerminal) SetHoldFills(hold bool) {
	p.mu.Lock()
	p.holdFills = hold
	p.mu.Unlock()
}

// SetRejectTakeProfit rejects submissions carrying a take-profit with
// "invalid stops".
func (p *PaperTerminal) SetRejectTakeProfit(reject bool) {
	p.mu.Lock()
	p.rejectTakeProfit = reject
	p.mu.Unlock()
}

// SetTradeAllowed toggles the terminal's trade permission flag.
func (p *PaperTerminal) SetTradeAllowed(allowed bool) {
	p.mu.Lock()
	p.tradeAllowed = allowed
	p.mu.Unlock()
}

// Endpoint returns the terminal identifier.
func (p *PaperTerminal) Endpoint() string { return p.endpoint }

// Quote returns the simulated quote.
func (p *PaperTerminal) Quote(ctx context.Context, symbol string) Response[Quote] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return failed[Quote](StatusTransport, "connection refused")
	}
	q, ok := p.quotes[symbol]
	if !ok {
		return failed[Quote](404, "HTTP 404")
	}
	return Response[Quote]{OK: true, Status: 200, Data: &q}
}

// SymbolRules returns the simulated rules.
func (p *PaperTerminal) SymbolRules(ctx context.Context, symbol string) Response[SymbolRules] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return failed[SymbolRules](StatusTransport, "connection refused")
	}
	r, ok := p.rules[symbol]
	if !ok {
		return failed[SymbolRules](404, "HTTP 404")
	}
	return Response[SymbolRules]{OK: true, Status: 200, Data: &r}
}

// ValidateOrder checks volume rules without side effects.
func (p *PaperTerminal) ValidateOrder(ctx context.Context, params OrderParams) Response[Validation] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return failed[Validation](StatusTransport, "connection refused")
	}
	v := Validation{OK: true}
	if _, reason := p.check(params); reason != "" {
		v = Validation{OK: false, Reason: reason}
	}
	return Response[Validation]{OK: true, Status: 200, Data: &v}
}

// check returns the rejecting retcode and reason, or "" when acceptable.
func (p *PaperTerminal) check(params OrderParams) (int, string) {
	rules, ok := p.rules[params.Symbol]
	if !ok {
		return paperInvalidRequest, "unknown symbol"
	}
	if !params.Volume.IsPositive() || !params.Volume.Mod(rules.Step()).IsZero() {
		return paperInvalidVolume, "invalid volume"
	}
	if rules.VolumeMin.IsPositive() && params.Volume.LessThan(rules.VolumeMin) {
		return paperInvalidVolume, "volume below minimum"
	}
	if rules.VolumeMax.IsPositive() && params.Volume.GreaterThan(rules.VolumeMax) {
		return paperInvalidVolume, "volume above maximum"
	}
	if params.Execution == models.ExecutionLimit && !params.Price.Valid {
		return paperInvalidRequest, "limit price required"
	}
	if params.Side == models.SideSell {
		pos := p.findPosition(params.Symbol, params.PositionTicket)
		if pos == nil {
			return paperNoPosition, "position not found"
		}
		if params.Volume.GreaterThan(pos.Volume) {
			return paperInvalidVolume, "volume exceeds position"
		}
	}
	return 0, ""
}

// SubmitOrder simulates order placement.
func (p *PaperTerminal) SubmitOrder(ctx context.Context, params OrderParams) Response[OrderReply] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down {
		return failed[OrderReply](StatusTransport, "connection refused")
	}
	if code, reason := p.check(params); code != 0 {
		return p.rejectReply(code, reason)
	}
	if p.rejectTakeProfit && params.TakeProfit.Valid {
		return p.rejectReply(paperInvalidStops, "Invalid stops")
	}

	p.orderCounter++
	ticket := p.orderCounter

	price, marketable := p.executionPrice(params)
	if p.holdFills || !marketable {
		p.pending[ticket] = &paperOrder{
			PendingOrder: PendingOrder{
				Ticket:        ticket,
				Symbol:        params.Symbol,
				Type:          pendingType(params),
				VolumeInitial: params.Volume,
				VolumeCurrent: params.Volume,
				PriceOpen:     params.Price.Decimal,
				TimeSetup:     p.now().Unix(),
			},
			side:           params.Side,
			positionTicket: params.PositionTicket,
			limit:          params.Price,
		}
		code := paperPlaced
		return Response[OrderReply]{OK: true, Status: 200, Data: &OrderReply{Order: ticket, Retcode: &code, Comment: "Request placed"}}
	}

	deal := p.fill(ticket, params.Symbol, params.Side, params.Volume, price, params.PositionTicket)
	code := paperDone
	return Response[OrderReply]{OK: true, Status: 200, Data: &OrderReply{
		Order:   ticket,
		Deal:    deal,
		Retcode: &code,
		Volume:  params.Volume,
		Price:   price,
		Comment: "Request executed",
	}}
}

func (p *PaperTerminal) rejectReply(code int, reason string) Response[OrderReply] {
	status := p.rejectStatus
	if status == 0 {
		status = 400
	}
	r := failed[OrderReply](status, fmt.Sprintf("HTTP %d", status))
	r.Data = &OrderReply{Retcode: &code, Comment: reason}
	return r
}

func pendingType(params OrderParams) int {
	// MT5 order types: 2 buy limit, 3 sell limit.
	if params.Side == models.SideSell {
		if params.Execution == models.ExecutionLimit {
			return 3
		}
		return 1
	}
	if params.Execution == models.ExecutionLimit {
		return 2
	}
	return 0
}

func (p *PaperTerminal) executionPrice(params OrderParams) (decimal.Decimal, bool) {
	q, ok := p.quotes[params.Symbol]
	if params.Execution == models.ExecutionLimit {
		if !ok {
			return params.Price.Decimal, false
		}
		if params.Side == models.SideBuy {
			return params.Price.Decimal, q.Ask.LessThanOrEqual(params.Price.Decimal)
		}
		return params.Price.Decimal, q.Bid.GreaterThanOrEqual(params.Price.Decimal)
	}
	if !ok {
		return decimal.Zero, false
	}
	if params.Side == models.SideBuy {
		return q.Ask, true
	}
	return q.Bid, true
}

func (p *PaperTerminal) findPosition(symbol string, ticket int64) *OpenPosition {
	if ticket > 0 {
		if pos, ok := p.positions[ticket]; ok && pos.Symbol == symbol {
			return pos
		}
		return nil
	}
	for _, pos := range p.positions {
		if pos.Symbol == symbol {
			return pos
		}
	}
	return nil
}

// fill records a deal and updates the netted position. Caller holds mu.
func (p *PaperTerminal) fill(orderTicket int64, symbol string, side models.Side, volume, price decimal.Decimal, positionTicket int64) int64 {
	entry := models.DealEntryIn
	dealType := 0
	pos := p.findPosition(symbol, positionTicket)
	if side == models.SideSell && pos == nil {
		return 0
	}
	p.dealCounter++

	if side == models.SideBuy {
		if pos == nil {
			pos = &OpenPosition{Ticket: orderTicket, Symbol: symbol, Volume: decimal.Zero}
			p.positions[orderTicket] = pos
		}
		total := pos.Volume.Add(volume)
		pos.PriceOpen = pos.PriceOpen.Mul(pos.Volume).Add(price.Mul(volume)).Div(total)
		pos.Volume = total
	} else {
		entry = models.DealEntryOut
		dealType = 1
		pos.Volume = pos.Volume.Sub(volume)
		if !pos.Volume.IsPositive() {
			delete(p.positions, pos.Ticket)
		}
	}

	p.deals = append(p.deals, HistoryDeal{
		Ticket:     p.dealCounter,
		Order:      orderTicket,
		PositionID: pos.Ticket,
		Symbol:     symbol,
		Type:       dealType,
		Entry:      &entry,
		Volume:     volume,
		Price:      price,
		Time:       p.now().Unix(),
		Comment:    "paper",
	})
	return p.dealCounter
}

// FillPending fills a resting order at its limit price (or the quote for
// market orders). It returns false when the ticket is unknown.
func (p *PaperTerminal) FillPending(ticket int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.pending[ticket]
	if !ok {
		return false
	}
	price := o.limit.Decimal
	if !o.limit.Valid {
		price, _ = p.executionPrice(OrderParams{Symbol: o.Symbol, Side: o.side})
	}
	p.fill(ticket, o.Symbol, o.side, o.VolumeCurrent, price, o.positionTicket)
	delete(p.pending, ticket)
	return true
}

// CancelPending removes a resting order without a fill.
func (p *PaperTerminal) CancelPending(ticket int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[ticket]; !ok {
		return false
	}
	delete(p.pending, ticket)
	return true
}

// ClosePosition closes a position at a price outside of any engine order,
// as a take-profit hit or a manual close on the terminal would.
func (p *PaperTerminal) ClosePosition(ticket int64, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return fmt.Errorf("position %d not open", ticket)
	}
	p.orderCounter++
	p.fill(p.orderCounter, pos.Symbol, models.SideSell, pos.Volume, price, ticket)
	return nil
}

// StopLevel returns the take-profit applied to a position.
func (p *PaperTerminal) StopLevel(ticket int64) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.stops[ticket]
	return v, ok
}

// AdjustStop records a take-profit on an open position.
func (p *PaperTerminal) AdjustStop(ctx context.Context, ticket int64, target decimal.Decimal) Response[StopReply] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return failed[StopReply](StatusTransport, "connection refused")
	}
	if _, ok := p.positions[ticket]; !ok {
		r := failed[StopReply](404, "HTTP 404")
		r.Data = &StopReply{OK: false, Comment: "position not found"}
		return r
	}
	p.stops[ticket] = target
	code := paperDone
	return Response[StopReply]{OK: true, Status: 200, Data: &StopReply{OK: true, Retcode: &code}}
}

// OpenPositions lists open positions ordered by ticket.
func (p *PaperTerminal) OpenPositions(ctx context.Context) Response[[]OpenPosition] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return failed[[]OpenPosition](StatusTransport, "connection refused")
	}
	out := make([]OpenPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return Response[[]OpenPosition]{OK: true, Status: 200, Data: &out}
}

// DealHistory lists deals whose time falls within [from, to].
func (p *PaperTerminal) DealHistory(ctx context.Context, from, to time.Time) Response[[]HistoryDeal] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return failed[[]HistoryDeal](StatusTransport, "connection refused")
	}
	out := make([]HistoryDeal, 0, len(p.deals))
	for _, d := range p.deals {
		if d.Time >= from.Unix() && d.Time <= to.Unix() {
			out = append(out, d)
		}
	}
	return Response[[]HistoryDeal]{OK: true, Status: 200, Data: &out}
}

// OpenOrders lists resting orders, optionally for one symbol.
func (p *PaperTerminal) OpenOrders(ctx context.Context, symbol string) Response[[]PendingOrder] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return failed[[]PendingOrder](StatusTransport, "connection refused")
	}
	out := make([]PendingOrder, 0, len(p.pending))
	for _, o := range p.pending {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o.PendingOrder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return Response[[]PendingOrder]{OK: true, Status: 200, Data: &out}
}

// AccountStatus reports the simulated terminal state.
func (p *PaperTerminal) AccountStatus(ctx context.Context) Response[AccountStatus] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return failed[AccountStatus](StatusTransport, "connection refused")
	}
	var s AccountStatus
	s.Terminal.Connected = p.connected
	allowed := p.tradeAllowed
	s.Terminal.TradeAllowed = &allowed
	s.Account.Login = json.Number(p.login)
	return Response[AccountStatus]{OK: true, Status: 200, Data: &s}
}
