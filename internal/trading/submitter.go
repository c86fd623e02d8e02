package trading

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/broker"
	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/logging"
	"mt5-executor/internal/metrics"
	"mt5-executor/internal/models"
	"mt5-executor/internal/store"
)

// BuyLeg is one leg of a buy submission.
type BuyLeg struct {
	Symbol string          `json:"symbol"`
	Volume decimal.Decimal `json:"volume"`
}

// BuyRequest is a buy intent already split into legs.
type BuyRequest struct {
	BaseSymbol     string              `json:"base_symbol"`
	Execution      models.Execution    `json:"execution"`
	Price          decimal.NullDecimal `json:"price"`
	TakeProfit     decimal.NullDecimal `json:"tp"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	Legs           []BuyLeg            `json:"legs"`
}

// SellRequest closes a position.
type SellRequest struct {
	Execution models.Execution    `json:"execution"`
	Price     decimal.NullDecimal `json:"price"`
}

// Submitter sends legs to the terminal and records every attempt.
type Submitter struct {
	store  store.DataStore
	now    Clock
	logger zerolog.Logger
}

// NewSubmitter creates a submitter.
func NewSubmitter(st store.DataStore, now Clock, logger zerolog.Logger) *Submitter {
	return &Submitter{store: st, now: now, logger: logger}
}

// attempt is the final outcome of one leg, after the take-profit fallback.
type attempt struct {
	resp    broker.Response[broker.OrderReply]
	status  models.OrderStatus
	applyTP bool
	reached bool
}

// send submits one leg. A refusal caused by the stop levels is retried once
// without the take-profit, which is then applied after execution. Transient
// failures leave the outcome unknown and are recorded as pending.
func (s *Submitter) send(ctx context.Context, term broker.Terminal, params broker.OrderParams, logger zerolog.Logger) attempt {
	first := term.SubmitOrder(ctx, params)
	a := classify(first)
	if a.status != models.OrderRejected || !params.TakeProfit.Valid || !takeProfitRejection(first) {
		return a
	}

	logger = logging.WithSymbol(logger, params.Symbol)
	logger.Warn().
		Str("reason", summarize(first)).
		Msg("Take-profit refused, resubmitting without it")
	metrics.CountTPFallback()

	second := classify(term.SubmitOrder(ctx, params.WithoutTakeProfit()))
	second.applyTP = true
	second.reached = true
	return second
}

func classify(resp broker.Response[broker.OrderReply]) attempt {
	a := attempt{resp: resp, reached: reached(resp)}
	switch {
	case accepted(resp):
		a.status = models.OrderSent
	case resp.Transient():
		a.status = models.OrderPending
	default:
		a.status = models.OrderRejected
	}
	return a
}

// SubmitBuy sends every leg of a buy request. When at least one leg is
// accepted, a placeholder position sized from the requested legs is linked to
// the group. Nothing is written when the terminal could not be reached.
func (s *Submitter) SubmitBuy(ctx context.Context, client *models.Client, term broker.Terminal, req BuyRequest) (*SubmitResult, error) {
	base := models.NormalizeSymbol(req.BaseSymbol)
	if err := validateBuy(base, &req); err != nil {
		return nil, err
	}

	groupID := uuid.NewString()
	logger := logging.WithGroup(logging.WithClient(logging.FromContextOr(ctx, s.logger), client.ID), groupID)
	login := accountLogin(ctx, term)

	attempts := make([]attempt, len(req.Legs))
	anyReached := false
	for i, leg := range req.Legs {
		attempts[i] = s.send(ctx, term, broker.OrderParams{
			Symbol:     leg.Symbol,
			Side:       models.SideBuy,
			Volume:     leg.Volume,
			Execution:  req.Execution,
			Price:      req.Price,
			TakeProfit: req.TakeProfit,
		}, logger)
		anyReached = anyReached || attempts[i].reached
	}
	if !anyReached {
		last := attempts[len(attempts)-1].resp
		return nil, fmt.Errorf("buy %s: %w", base,
			apperrors.NewTerminalError(term.Endpoint(), last.Status, last.Error))
	}

	result := &SubmitResult{GroupID: groupID, Results: make([]LegOutcome, 0, len(req.Legs))}
	anyAccepted := false
	for i, leg := range req.Legs {
		o := s.newOrder(client, groupID, base, models.SideBuy, req.Execution, req.Price, login, attempts[i])
		o.Symbol = leg.Symbol
		o.VolumeRequested = leg.Volume
		o.TakeProfit = req.TakeProfit
		if err := s.record(ctx, o, logger); err != nil {
			return nil, err
		}
		anyAccepted = anyAccepted || o.Status == models.OrderSent
		result.Results = append(result.Results, outcomeOf(o))
	}

	if anyAccepted {
		id, err := s.createPlaceholder(ctx, client, term, groupID, base, req)
		if err != nil {
			return nil, err
		}
		result.PositionID = id
	}
	return result, nil
}

func validateBuy(base string, req *BuyRequest) error {
	if base == "" {
		return apperrors.NewValidationError("base_symbol", req.BaseSymbol, "required")
	}
	if len(req.Legs) == 0 {
		return apperrors.NewValidationError("legs", nil, "at least one leg is required")
	}
	if req.Execution == "" {
		req.Execution = models.ExecutionMarket
	}
	if req.Execution == models.ExecutionLimit && (!req.Price.Valid || !req.Price.Decimal.IsPositive()) {
		return apperrors.NewValidationError("price", req.Price, "limit execution requires a positive price")
	}
	if req.TakeProfit.Valid && !req.TakeProfit.Decimal.IsPositive() {
		req.TakeProfit = decimal.NullDecimal{}
	}
	for i := range req.Legs {
		leg := &req.Legs[i]
		leg.Symbol = models.NormalizeSymbol(leg.Symbol)
		if models.BaseSymbol(leg.Symbol) != base {
			return apperrors.NewValidationError("legs.symbol", leg.Symbol, "must be "+base+" or its fractional symbol")
		}
		if !leg.Volume.IsPositive() {
			return apperrors.NewValidationError("legs.volume", leg.Volume, "must be positive")
		}
	}
	return nil
}

// createPlaceholder estimates the position from the requested legs at the
// limit price, the caller's reference price or the current quote.
func (s *Submitter) createPlaceholder(ctx context.Context, client *models.Client, term broker.Terminal, groupID, base string, req BuyRequest) (*int64, error) {
	qty := decimal.Zero
	for _, leg := range req.Legs {
		qty = qty.Add(leg.Volume)
	}

	price := decimal.Zero
	switch {
	case req.Execution == models.ExecutionLimit:
		price = req.Price.Decimal
	case req.ReferencePrice.Valid:
		price = req.ReferencePrice.Decimal
	default:
		if q := term.Quote(ctx, base); q.OK && q.Data != nil {
			price = q.Data.ReferencePrice()
		}
	}

	pos := &models.Position{
		ClientID:    client.ID,
		Instrument:  base,
		OpenDate:    s.now().UTC(),
		UnitCost:    roundPrice(price),
		Quantity:    qty,
		TotalCost:   roundPrice(price.Mul(qty)),
		TargetPrice: req.TakeProfit,
		Placeholder: true,
	}
	created, err := s.store.CreateGroupPosition(ctx, groupID, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to create placeholder: %w", err)
	}
	if !created {
		return nil, nil
	}
	metrics.CountPositionEvent("placeholder")
	return &pos.ID, nil
}

// closeTarget is one broker position to be sold.
type closeTarget struct {
	symbol string
	ticket int64
	volume decimal.Decimal
}

// SubmitSell sends one closing order per open leg of a position. Each order
// is sized to the volume the terminal reports for the leg's position ticket,
// or to the leg's recorded volume when the terminal's list is unavailable.
func (s *Submitter) SubmitSell(ctx context.Context, client *models.Client, term broker.Terminal, positionID int64, req SellRequest) (*SubmitResult, error) {
	pos, err := s.store.GetPosition(ctx, client.ID, positionID)
	if err != nil {
		return nil, err
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("position %d: %w", positionID, apperrors.ErrPositionClosed)
	}
	if pos.Placeholder {
		return nil, fmt.Errorf("position %d: %w", positionID, apperrors.ErrPositionUnconfirmed)
	}
	if req.Execution == "" {
		req.Execution = models.ExecutionMarket
	}
	if req.Execution == models.ExecutionLimit && (!req.Price.Valid || !req.Price.Decimal.IsPositive()) {
		return nil, apperrors.NewValidationError("price", req.Price, "limit execution requires a positive price")
	}

	legs, err := s.store.GetLegs(ctx, pos.ID)
	if err != nil {
		return nil, err
	}
	targets, err := closeTargets(ctx, term, pos, legs)
	if err != nil {
		return nil, err
	}

	groupID := uuid.NewString()
	logger := logging.WithGroup(logging.WithClient(logging.FromContextOr(ctx, s.logger), client.ID), groupID)
	login := accountLogin(ctx, term)

	attempts := make([]attempt, len(targets))
	anyReached := false
	for i, t := range targets {
		attempts[i] = s.send(ctx, term, broker.OrderParams{
			Symbol:         t.symbol,
			Side:           models.SideSell,
			Volume:         t.volume,
			Execution:      req.Execution,
			Price:          req.Price,
			PositionTicket: t.ticket,
		}, logger)
		anyReached = anyReached || attempts[i].reached
	}
	if !anyReached {
		last := attempts[len(attempts)-1].resp
		return nil, fmt.Errorf("sell position %d: %w", pos.ID,
			apperrors.NewTerminalError(term.Endpoint(), last.Status, last.Error))
	}

	result := &SubmitResult{GroupID: groupID, PositionID: &pos.ID, Results: make([]LegOutcome, 0, len(targets))}
	for i, t := range targets {
		o := s.newOrder(client, groupID, pos.Instrument, models.SideSell, req.Execution, req.Price, login, attempts[i])
		o.Symbol = t.symbol
		o.VolumeRequested = t.volume
		o.PositionTicket = t.ticket
		o.PositionID = &pos.ID
		if err := s.record(ctx, o, logger); err != nil {
			return nil, err
		}
		result.Results = append(result.Results, outcomeOf(o))
	}
	return result, nil
}

// closeTargets resolves what to sell. Legs whose ticket is no longer open at
// the terminal are skipped; without legs, the base and fractional symbols'
// open positions are used.
func closeTargets(ctx context.Context, term broker.Terminal, pos *models.Position, legs []models.Leg) ([]closeTarget, error) {
	open := term.OpenPositions(ctx)
	var openList []broker.OpenPosition
	if open.OK && open.Data != nil {
		openList = *open.Data
	}

	var targets []closeTarget
	if len(legs) == 0 {
		if !open.OK {
			return nil, fmt.Errorf("position %d has no legs: %w", pos.ID,
				apperrors.NewTerminalError(term.Endpoint(), open.Status, open.Error))
		}
		frac := models.FractionalSymbol(pos.Instrument)
		for _, p := range openList {
			if p.Symbol == pos.Instrument || p.Symbol == frac {
				targets = append(targets, closeTarget{symbol: p.Symbol, ticket: p.Ticket, volume: p.Volume})
			}
		}
	} else {
		for _, leg := range legs {
			if !open.OK {
				targets = append(targets, closeTarget{symbol: leg.Symbol, ticket: leg.PositionTicket, volume: leg.Volume})
				continue
			}
			if p := findOpen(openList, leg.Symbol, leg.PositionTicket); p != nil {
				targets = append(targets, closeTarget{symbol: p.Symbol, ticket: p.Ticket, volume: p.Volume})
			}
		}
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("position %d: %w", pos.ID, apperrors.ErrNothingToClose)
	}
	return targets, nil
}

// findOpen locates a broker position by ticket, or by symbol when the ticket
// is unknown.
func findOpen(open []broker.OpenPosition, symbol string, ticket int64) *broker.OpenPosition {
	for i := range open {
		if ticket > 0 && open[i].Ticket == ticket {
			return &open[i]
		}
		if ticket <= 0 && open[i].Symbol == symbol {
			return &open[i]
		}
	}
	return nil
}

func (s *Submitter) newOrder(client *models.Client, groupID, base string, side models.Side, exec models.Execution, price decimal.NullDecimal, login string, a attempt) *models.Order {
	o := &models.Order{
		GroupID:          groupID,
		ClientID:         client.ID,
		BaseSymbol:       base,
		Side:             side,
		Execution:        exec,
		ApplyTPAfterExec: a.applyTP,
		AccountLogin:     login,
		Status:           a.status,
		Response:         rawPayload(a.resp),
		Comment:          summarize(a.resp),
		VolumeExecuted:   decimal.Zero,
	}
	if exec == models.ExecutionLimit {
		o.PriceRequested = price
	}
	if a.resp.Data != nil {
		o.OrderTicket = a.resp.Data.Ticket()
		if rc := a.resp.Data.Retcode; rc != nil {
			code := *rc
			o.Retcode = &code
		}
	}
	return o
}

func (s *Submitter) record(ctx context.Context, o *models.Order, logger zerolog.Logger) error {
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return apperrors.Wrapf(err, "failed to record %s order for %s", o.Side, o.Symbol)
	}
	if o.Status == models.OrderRejected && o.Retcode != nil {
		logger.Warn().Err(apperrors.NewSubmissionError(o.Symbol, *o.Retcode, o.Comment)).Msg("Leg rejected")
	}
	metrics.CountOrder(string(o.Side), string(o.Status))
	logging.LogOrder(logger, o.GroupID, o.Symbol, string(o.Side), string(o.Status), o.Retcode)
	return nil
}

func outcomeOf(o *models.Order) LegOutcome {
	out := LegOutcome{
		OrderID:          o.ID,
		Symbol:           o.Symbol,
		Volume:           o.VolumeRequested,
		Status:           o.Status,
		OrderTicket:      o.OrderTicket,
		Retcode:          o.Retcode,
		ApplyTPAfterExec: o.ApplyTPAfterExec,
	}
	if o.Status != models.OrderSent {
		out.Message = o.Comment
	}
	return out
}

// accountLogin reads the broker account best-effort.
func accountLogin(ctx context.Context, term broker.Terminal) string {
	st := term.AccountStatus(ctx)
	if !st.OK || st.Data == nil {
		return ""
	}
	return strings.TrimSpace(st.Data.Account.Login.String())
}
