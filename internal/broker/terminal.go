// Package broker provides the typed gateway to a client's trading terminal.
package broker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mt5-executor/internal/models"
)

// Synthetic statuses for failures that never produced an HTTP status.
const (
	StatusTransport   = 598
	StatusTimeout     = 599
	StatusCircuitOpen = 503
)

// Response is the uniform result of every terminal call. Transport failures
// are carried here instead of being returned as Go errors.
type Response[T any] struct {
	OK     bool
	Status int
	Data   *T
	Error  string
}

// Transient reports whether the failure says nothing about the request
// itself: timeout, network, open breaker, a 5xx without a broker answer in
// its body, or a 2xx body that was not valid JSON.
func (r Response[T]) Transient() bool {
	if r.OK || r.Answered() {
		return false
	}
	return r.Status >= 500 || (r.Status >= 200 && r.Status < 300)
}

// answerer is implemented by payloads that can carry a broker verdict.
type answerer interface {
	Answered() bool
}

// Answered reports whether the payload carries a verdict from the trade
// server, whatever the HTTP status.
func (r Response[T]) Answered() bool {
	if r.Data == nil {
		return false
	}
	a, ok := any(r.Data).(answerer)
	return ok && a.Answered()
}

func failed[T any](status int, msg string) Response[T] {
	return Response[T]{OK: false, Status: status, Error: msg}
}

// Terminal is the contract of a remote trading terminal.
type Terminal interface {
	Endpoint() string
	Quote(ctx context.Context, symbol string) Response[Quote]
	SymbolRules(ctx context.Context, symbol string) Response[SymbolRules]
	ValidateOrder(ctx context.Context, params OrderParams) Response[Validation]
	SubmitOrder(ctx context.Context, params OrderParams) Response[OrderReply]
	AdjustStop(ctx context.Context, ticket int64, target decimal.Decimal) Response[StopReply]
	OpenPositions(ctx context.Context) Response[[]OpenPosition]
	DealHistory(ctx context.Context, from, to time.Time) Response[[]HistoryDeal]
	OpenOrders(ctx context.Context, symbol string) Response[[]PendingOrder]
	AccountStatus(ctx context.Context) Response[AccountStatus]
}

// Quote is the top of book for a symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Time   int64           `json:"time"`
}

// ReferencePrice returns the ask, or the last trade when no ask is quoted.
func (q *Quote) ReferencePrice() decimal.Decimal {
	if q.Ask.IsPositive() {
		return q.Ask
	}
	return q.Last
}

// SymbolRules are the broker's volume constraints for a symbol.
type SymbolRules struct {
	Symbol     string          `json:"symbol"`
	VolumeMin  decimal.Decimal `json:"volume_min"`
	VolumeStep decimal.Decimal `json:"volume_step"`
	VolumeMax  decimal.Decimal `json:"volume_max"`
}

// Step returns the volume step, treating a non-positive step as 1.
func (r *SymbolRules) Step() decimal.Decimal {
	if r.VolumeStep.IsPositive() {
		return r.VolumeStep
	}
	return decimal.NewFromInt(1)
}

// OrderParams describes one order for validation or submission.
type OrderParams struct {
	Symbol         string
	Side           models.Side
	Volume         decimal.Decimal
	Execution      models.Execution
	Price          decimal.NullDecimal
	TakeProfit     decimal.NullDecimal
	PositionTicket int64
}

// WithoutTakeProfit returns a copy with the take-profit stripped.
func (p OrderParams) WithoutTakeProfit() OrderParams {
	p.TakeProfit = decimal.NullDecimal{}
	return p
}

// Wire values understood by the terminal bridge.
func wireSide(s models.Side) string {
	if s == models.SideSell {
		return "venda"
	}
	return "compra"
}

func wireExecution(e models.Execution) string {
	if e == models.ExecutionLimit {
		return "limite"
	}
	return "mercado"
}

// MarshalJSON encodes the submission body.
func (p OrderParams) MarshalJSON() ([]byte, error) {
	body := struct {
		Ticker     string           `json:"ticker"`
		Tipo       string           `json:"tipo"`
		Quantidade decimal.Decimal  `json:"quantidade"`
		Execucao   string           `json:"execucao"`
		Preco      *decimal.Decimal `json:"preco,omitempty"`
		TP         *decimal.Decimal `json:"tp,omitempty"`
		Position   int64            `json:"position,omitempty"`
	}{
		Ticker:     p.Symbol,
		Tipo:       wireSide(p.Side),
		Quantidade: p.Volume,
		Execucao:   wireExecution(p.Execution),
		Position:   p.PositionTicket,
	}
	if p.Execution == models.ExecutionLimit && p.Price.Valid {
		body.Preco = &p.Price.Decimal
	}
	if p.TakeProfit.Valid {
		body.TP = &p.TakeProfit.Decimal
	}
	return json.Marshal(body)
}

// Validation is the terminal's pre-trade check result.
type Validation struct {
	OK     bool   `json:"ok"`
	Reason string `json:"motivo"`
}

// OrderReply is the terminal's answer to a submission. On rejection the
// same shape is decoded from the error body.
type OrderReply struct {
	Order       int64           `json:"order"`
	OrderTicket int64           `json:"order_ticket"`
	Deal        int64           `json:"deal"`
	Retcode     *int            `json:"retcode"`
	Volume      decimal.Decimal `json:"volume"`
	Price       decimal.Decimal `json:"price"`
	Comment     string          `json:"comment"`
	Error       string          `json:"error"`
	Detail      string          `json:"detail"`
	Raw         string          `json:"-"`
}

// Ticket returns the broker order ticket, if any.
func (r *OrderReply) Ticket() int64 {
	if r.Order > 0 {
		return r.Order
	}
	return r.OrderTicket
}

// Answered reports whether the reply carries a return code or an
// explanation from the trade server.
func (r *OrderReply) Answered() bool {
	return (r.Retcode != nil && *r.Retcode != 0) || r.Text() != ""
}

// Text returns the free-text explanation carried in the payload.
func (r *OrderReply) Text() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{r.Comment, r.Error, r.Detail} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "; ")
}

// UnmarshalJSON decodes the reply and keeps the raw payload.
func (r *OrderReply) UnmarshalJSON(b []byte) error {
	type alias OrderReply
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*r = OrderReply(a)
	r.Raw = string(b)
	return nil
}

// StopReply is the terminal's answer to a stop adjustment.
type StopReply struct {
	OK      bool   `json:"ok"`
	Retcode *int   `json:"retcode"`
	Comment string `json:"comment"`
}

// Answered reports whether the reply carries a return code or a comment.
func (r *StopReply) Answered() bool {
	return (r.Retcode != nil && *r.Retcode != 0) || strings.TrimSpace(r.Comment) != ""
}

// OpenPosition is a broker-side open position.
type OpenPosition struct {
	Ticket    int64           `json:"ticket"`
	Symbol    string          `json:"symbol"`
	Type      int             `json:"type"`
	Volume    decimal.Decimal `json:"volume"`
	PriceOpen decimal.Decimal `json:"price_open"`
}

// HistoryDeal is a deal as reported by the terminal's history endpoint.
type HistoryDeal struct {
	Ticket     int64           `json:"ticket"`
	Order      int64           `json:"order"`
	PositionID int64           `json:"position_id"`
	Position   int64           `json:"position"`
	Symbol     string          `json:"symbol"`
	Type       int             `json:"type"`
	Entry      *int            `json:"entry"`
	Volume     decimal.Decimal `json:"volume"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Swap       decimal.Decimal `json:"swap"`
	Profit     decimal.Decimal `json:"profit"`
	Time       int64           `json:"time"`
	Magic      int64           `json:"magic"`
	Comment    string          `json:"comment"`
	Raw        string          `json:"-"`
}

// UnmarshalJSON decodes the deal and keeps the raw payload.
func (d *HistoryDeal) UnmarshalJSON(b []byte) error {
	type alias HistoryDeal
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*d = HistoryDeal(a)
	d.Raw = string(b)
	return nil
}

// PositionTicket returns the position the deal belongs to.
func (d *HistoryDeal) PositionTicket() int64 {
	if d.PositionID > 0 {
		return d.PositionID
	}
	return d.Position
}

// ToDeal converts the wire deal into a ledger deal for a client.
func (d *HistoryDeal) ToDeal(clientID int64) models.Deal {
	raw := d.Raw
	if raw == "" {
		if b, err := json.Marshal(d); err == nil {
			raw = string(b)
		}
	}
	return models.Deal{
		Ticket:         d.Ticket,
		ClientID:       clientID,
		OrderTicket:    d.Order,
		PositionTicket: d.PositionTicket(),
		Symbol:         d.Symbol,
		Side:           models.SideFromDealType(d.Type),
		Type:           d.Type,
		Entry:          d.Entry,
		Volume:         d.Volume,
		Price:          d.Price,
		Commission:     d.Commission,
		Swap:           d.Swap,
		Profit:         d.Profit,
		Time:           time.Unix(d.Time, 0).UTC(),
		Magic:          d.Magic,
		Comment:        d.Comment,
		Raw:            raw,
	}
}

// PendingOrder is an order still resting in the terminal's order book.
type PendingOrder struct {
	Ticket        int64           `json:"ticket"`
	Symbol        string          `json:"symbol"`
	Type          int             `json:"type"`
	VolumeInitial decimal.Decimal `json:"volume_initial"`
	VolumeCurrent decimal.Decimal `json:"volume_current"`
	PriceOpen     decimal.Decimal `json:"price_open"`
	TimeSetup     int64           `json:"time_setup"`
}

// AccountStatus is the terminal's health and account summary.
type AccountStatus struct {
	Terminal struct {
		Connected    bool     `json:"connected"`
		TradeAllowed *bool    `json:"trade_allowed"`
		Ping         *float64 `json:"ping"`
	} `json:"terminal"`
	Account struct {
		Login json.Number `json:"login"`
	} `json:"conta"`
}
