package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/broker"
	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/models"
)

func planningTerminal(step, max int64) *broker.PaperTerminal {
	p := broker.NewPaperTerminal(broker.PaperTerminalConfig{Endpoint: "plan"})
	p.SetSymbol("ABEV3", decimal.NewFromInt(step), decimal.NewFromInt(step), decimal.NewFromInt(max))
	p.SetSymbol("ABEV3F", decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.Zero)
	p.SetQuote("ABEV3", dec("12.40"), dec("12.45"))
	return p
}

// Property: for any (quantity, step, max), the planned legs never exceed the
// requested quantity and every leg is an exact multiple of its symbol's step.
func TestProperty_PlannedLegsRespectSteps(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	planner := NewPlanner(zerolog.Nop())

	properties.Property("legs sum to at most the request and respect steps", prop.ForAll(
		func(qty int64, step int64, max int64) bool {
			term := planningTerminal(step, max)
			plan, err := planner.Plan(context.Background(), term, PlanRequest{
				BaseSymbol: "abev3",
				Mode:       PlanByQuantity,
				Quantity:   decimal.NewFromInt(qty),
			})
			if err != nil {
				return errors.Is(err, apperrors.ErrEmptyPlan)
			}

			total := decimal.Zero
			for _, leg := range plan.Legs {
				legStep := decimal.NewFromInt(1)
				if leg.Symbol == "ABEV3" {
					legStep = decimal.NewFromInt(step)
					if max > 0 && leg.Volume.GreaterThan(decimal.NewFromInt(max)) {
						return false
					}
				}
				if !leg.Volume.IsPositive() || !leg.Volume.Mod(legStep).IsZero() {
					return false
				}
				if !leg.Valid {
					return false
				}
				total = total.Add(leg.Volume)
			}
			return total.LessThanOrEqual(decimal.NewFromInt(qty))
		},
		gen.Int64Range(1, 5000),
		gen.OneConstOf(int64(1), int64(10), int64(100)),
		gen.Int64Range(0, 3000),
	))

	properties.TestingRun(t)
}

func TestPlanSplitsWholeLotAndFractional(t *testing.T) {
	term := planningTerminal(100, 0)
	plan, err := NewPlanner(zerolog.Nop()).Plan(context.Background(), term, PlanRequest{
		BaseSymbol: "ABEV3",
		Mode:       PlanByQuantity,
		Quantity:   decimal.NewFromInt(157),
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Legs) != 2 {
		t.Fatalf("expected 2 legs, got %+v", plan.Legs)
	}
	if plan.Legs[0].Symbol != "ABEV3" || !plan.Legs[0].Volume.Equal(decimal.NewFromInt(100)) {
		t.Errorf("whole-lot leg = %+v", plan.Legs[0])
	}
	if plan.Legs[1].Symbol != "ABEV3F" || !plan.Legs[1].Volume.Equal(decimal.NewFromInt(57)) {
		t.Errorf("fractional leg = %+v", plan.Legs[1])
	}
	if !plan.ReferencePrice.Valid || !plan.ReferencePrice.Decimal.Equal(dec("12.45")) {
		t.Errorf("reference price = %v, want the ask", plan.ReferencePrice)
	}
}

func TestPlanByValue(t *testing.T) {
	term := planningTerminal(100, 0)
	plan, err := NewPlanner(zerolog.Nop()).Plan(context.Background(), term, PlanRequest{
		BaseSymbol: "ABEV3",
		Mode:       PlanByValue,
		Value:      dec("2000"),
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	// 100 * 12.45 = 1245 leaves 755, which buys 60 fractional shares.
	want := map[string]int64{"ABEV3": 100, "ABEV3F": 60}
	for _, leg := range plan.Legs {
		if !leg.Volume.Equal(decimal.NewFromInt(want[leg.Symbol])) {
			t.Errorf("%s volume = %s, want %d", leg.Symbol, leg.Volume, want[leg.Symbol])
		}
	}
}

func TestPlanWithoutFractionalReportsRemainder(t *testing.T) {
	term := broker.NewPaperTerminal(broker.PaperTerminalConfig{})
	term.SetSymbol("ITSA4", dec("100"), dec("100"), decimal.Zero)

	plan, err := NewPlanner(zerolog.Nop()).Plan(context.Background(), term, PlanRequest{
		BaseSymbol: "ITSA4",
		Quantity:   decimal.NewFromInt(250),
		Execution:  models.ExecutionLimit,
		LimitPrice: decimal.NewNullDecimal(dec("10.00")),
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Legs) != 1 || !plan.Legs[0].Volume.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("legs = %+v", plan.Legs)
	}
	if len(plan.Advisories) != 1 {
		t.Errorf("expected one advisory, got %v", plan.Advisories)
	}
}

func TestPlanErrors(t *testing.T) {
	planner := NewPlanner(zerolog.Nop())
	ctx := context.Background()

	term := broker.NewPaperTerminal(broker.PaperTerminalConfig{})
	term.SetSymbol("ITSA4", dec("100"), dec("100"), decimal.Zero)

	if _, err := planner.Plan(ctx, term, PlanRequest{BaseSymbol: "ITSA4", Quantity: dec("50")}); !errors.Is(err, apperrors.ErrEmptyPlan) {
		t.Errorf("expected empty plan, got %v", err)
	}

	var planningErr *apperrors.PlanningError
	if _, err := planner.Plan(ctx, term, PlanRequest{BaseSymbol: "XXXX3", Quantity: dec("100")}); !errors.As(err, &planningErr) {
		t.Errorf("expected planning error for unknown symbol, got %v", err)
	}

	// No quote: value sizing has no reference price.
	if _, err := planner.Plan(ctx, term, PlanRequest{BaseSymbol: "ITSA4", Mode: PlanByValue, Value: dec("1000")}); !errors.As(err, &planningErr) {
		t.Errorf("expected planning error without reference price, got %v", err)
	}

	if _, err := planner.Plan(ctx, term, PlanRequest{BaseSymbol: "ITSA4", Quantity: dec("100"), Execution: models.ExecutionLimit}); !errors.Is(err, apperrors.ErrInputValidation) {
		t.Errorf("expected validation error for limit without price, got %v", err)
	}

	term.SetDown(true)
	_, err := planner.Plan(ctx, term, PlanRequest{BaseSymbol: "ITSA4", Quantity: dec("100")})
	if !errors.Is(err, apperrors.ErrTerminalUnavailable) || errors.As(err, &planningErr) {
		t.Errorf("expected an unavailable terminal, not a planning error, got %v", err)
	}
}

func TestPlanKeepsInvalidLegWithReason(t *testing.T) {
	term := planningTerminal(100, 0)
	// Selling without a terminal position fails validation on every leg.
	plan, err := NewPlanner(zerolog.Nop()).Plan(context.Background(), term, PlanRequest{
		BaseSymbol: "ABEV3",
		Quantity:   decimal.NewFromInt(105),
		Side:       models.SideSell,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for _, leg := range plan.Legs {
		if leg.Valid || leg.Reason == "" {
			t.Errorf("sell without position must fail validation: %+v", leg)
		}
	}
}
