package trading

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/broker"
	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/models"
)

// PlanMode selects how a request is sized.
type PlanMode string

const (
	PlanByQuantity PlanMode = "quantity"
	PlanByValue    PlanMode = "value"
)

// PlanRequest is a trade intent to be split into legs.
type PlanRequest struct {
	BaseSymbol string              `json:"base_symbol"`
	Side       models.Side         `json:"side"`
	Mode       PlanMode            `json:"mode"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Value      decimal.Decimal     `json:"value"`
	Execution  models.Execution    `json:"execution"`
	LimitPrice decimal.NullDecimal `json:"price"`
	TakeProfit decimal.NullDecimal `json:"tp"`
}

// PlannedLeg is one order sized to a single symbol's volume rules.
type PlannedLeg struct {
	Symbol string          `json:"symbol"`
	Volume decimal.Decimal `json:"volume"`
	Valid  bool            `json:"valid"`
	Reason string          `json:"reason,omitempty"`
}

// Plan is the planner's answer.
type Plan struct {
	BaseSymbol     string              `json:"base_symbol"`
	Execution      models.Execution    `json:"execution"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
	LimitPrice     decimal.NullDecimal `json:"price"`
	TakeProfit     decimal.NullDecimal `json:"tp"`
	Legs           []PlannedLeg        `json:"legs"`
	Advisories     []string            `json:"advisories"`
}

// TotalVolume sums the volume of every planned leg.
func (p *Plan) TotalVolume() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Legs {
		total = total.Add(l.Volume)
	}
	return total
}

// Planner splits trade intents into whole-lot and fractional legs.
type Planner struct {
	logger zerolog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(logger zerolog.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan sizes a request against the terminal's symbol rules and validates
// every leg. Planning never writes anything.
func (p *Planner) Plan(ctx context.Context, term broker.Terminal, req PlanRequest) (*Plan, error) {
	base := models.NormalizeSymbol(req.BaseSymbol)
	if base == "" {
		return nil, apperrors.NewValidationError("base_symbol", req.BaseSymbol, "required")
	}
	if req.Side == "" {
		req.Side = models.SideBuy
	}
	if req.Execution == "" {
		req.Execution = models.ExecutionMarket
	}
	if req.Execution == models.ExecutionLimit && (!req.LimitPrice.Valid || !req.LimitPrice.Decimal.IsPositive()) {
		return nil, apperrors.NewValidationError("price", req.LimitPrice, "limit execution requires a positive price")
	}

	baseRules := term.SymbolRules(ctx, base)
	if !baseRules.OK || baseRules.Data == nil {
		if baseRules.Transient() {
			return nil, fmt.Errorf("symbol rules for %s: %w",
				base, apperrors.NewTerminalError(term.Endpoint(), baseRules.Status, baseRules.Error))
		}
		return nil, apperrors.NewPlanningError(base, "symbol rules unavailable",
			fmt.Errorf("terminal status %d: %s", baseRules.Status, baseRules.Error))
	}
	frac := models.FractionalSymbol(base)
	var fracRules *broker.SymbolRules
	if r := term.SymbolRules(ctx, frac); r.OK && r.Data != nil {
		fracRules = r.Data
	}

	plan := &Plan{
		BaseSymbol: base,
		Execution:  req.Execution,
		LimitPrice: req.LimitPrice,
		TakeProfit: req.TakeProfit,
		Advisories: []string{},
	}
	if req.Execution == models.ExecutionLimit {
		plan.ReferencePrice = req.LimitPrice
	} else if q := term.Quote(ctx, base); q.OK && q.Data != nil && q.Data.ReferencePrice().IsPositive() {
		plan.ReferencePrice = decimal.NewNullDecimal(q.Data.ReferencePrice())
	}

	switch req.Mode {
	case PlanByValue:
		if !req.Value.IsPositive() {
			return nil, apperrors.NewValidationError("value", req.Value, "must be positive")
		}
		if !plan.ReferencePrice.Valid {
			return nil, apperrors.NewPlanningError(base, "no reference price to size by value", nil)
		}
		p.planByValue(plan, req.Value, baseRules.Data, fracRules)
	case PlanByQuantity, "":
		if !req.Quantity.IsPositive() {
			return nil, apperrors.NewValidationError("quantity", req.Quantity, "must be positive")
		}
		p.planByQuantity(plan, req.Quantity, baseRules.Data, fracRules)
	default:
		return nil, apperrors.NewValidationError("mode", req.Mode, "must be quantity or value")
	}

	if len(plan.Legs) == 0 {
		return nil, apperrors.NewPlanningError(base, "empty plan", apperrors.ErrEmptyPlan)
	}

	for i := range plan.Legs {
		leg := &plan.Legs[i]
		v := term.ValidateOrder(ctx, broker.OrderParams{
			Symbol:     leg.Symbol,
			Side:       req.Side,
			Volume:     leg.Volume,
			Execution:  req.Execution,
			Price:      req.LimitPrice,
			TakeProfit: req.TakeProfit,
		})
		switch {
		case v.OK && v.Data != nil:
			leg.Valid = v.Data.OK
			leg.Reason = v.Data.Reason
		default:
			leg.Reason = v.Error
		}
	}

	p.logger.Debug().
		Str("symbol", base).
		Int("legs", len(plan.Legs)).
		Str("volume", plan.TotalVolume().String()).
		Msg("Plan computed")
	return plan, nil
}

func (p *Planner) planByQuantity(plan *Plan, qty decimal.Decimal, baseRules, fracRules *broker.SymbolRules) {
	frac := models.FractionalSymbol(plan.BaseSymbol)
	whole := p.fit(plan, plan.BaseSymbol, baseRules, floorToStep(qty, baseRules.Step()))
	rem := qty.Sub(whole)
	if whole.IsPositive() {
		plan.Legs = append(plan.Legs, PlannedLeg{Symbol: plan.BaseSymbol, Volume: whole})
	}
	if !rem.IsPositive() {
		return
	}
	if fracRules == nil {
		plan.Advisories = append(plan.Advisories,
			fmt.Sprintf("remaining %s not traded: no fractional symbol", rem))
		return
	}
	fracVol := p.fit(plan, frac, fracRules, floorToStep(rem, fracRules.Step()))
	if fracVol.IsPositive() {
		plan.Legs = append(plan.Legs, PlannedLeg{Symbol: frac, Volume: fracVol})
	}
	if left := rem.Sub(fracVol); left.IsPositive() {
		plan.Advisories = append(plan.Advisories,
			fmt.Sprintf("remaining %s does not fit the fractional volume step", left))
	}
}

func (p *Planner) planByValue(plan *Plan, budget decimal.Decimal, baseRules, fracRules *broker.SymbolRules) {
	price := plan.ReferencePrice.Decimal
	frac := models.FractionalSymbol(plan.BaseSymbol)

	whole := p.fit(plan, plan.BaseSymbol, baseRules, floorToStep(budget.Div(price), baseRules.Step()))
	if whole.IsPositive() {
		plan.Legs = append(plan.Legs, PlannedLeg{Symbol: plan.BaseSymbol, Volume: whole})
		budget = budget.Sub(whole.Mul(price))
	}
	if fracRules == nil || !budget.IsPositive() {
		return
	}
	fracVol := p.fit(plan, frac, fracRules, floorToStep(budget.Div(price), fracRules.Step()))
	if fracVol.IsPositive() {
		plan.Legs = append(plan.Legs, PlannedLeg{Symbol: frac, Volume: fracVol})
	}
}

// fit applies the symbol's minimum and maximum volume to a step multiple.
func (p *Planner) fit(plan *Plan, symbol string, rules *broker.SymbolRules, vol decimal.Decimal) decimal.Decimal {
	if !vol.IsPositive() {
		return decimal.Zero
	}
	if rules.VolumeMax.IsPositive() && vol.GreaterThan(rules.VolumeMax) {
		capped := floorToStep(rules.VolumeMax, rules.Step())
		plan.Advisories = append(plan.Advisories,
			fmt.Sprintf("%s volume %s capped at maximum %s", symbol, vol, capped))
		vol = capped
	}
	if rules.VolumeMin.IsPositive() && vol.LessThan(rules.VolumeMin) {
		plan.Advisories = append(plan.Advisories,
			fmt.Sprintf("%s volume %s below minimum %s", symbol, vol, rules.VolumeMin))
		return decimal.Zero
	}
	return vol
}

// floorToStep rounds v down to a multiple of step.
func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		step = decimal.NewFromInt(1)
	}
	return v.Div(step).Floor().Mul(step)
}
