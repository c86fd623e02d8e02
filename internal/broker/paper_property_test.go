package broker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/models"
)

func newPaper() *PaperTerminal {
	p := NewPaperTerminal(PaperTerminalConfig{Login: "5012345"})
	p.SetSymbol("PETR4", decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(100000))
	p.SetSymbol("PETR4F", decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.NewFromInt(99))
	p.SetQuote("PETR4", decimal.RequireFromString("36.18"), decimal.RequireFromString("36.20"))
	p.SetQuote("PETR4F", decimal.RequireFromString("36.17"), decimal.RequireFromString("36.21"))
	return p
}

// Property: For any sequence of accepted market buys on one symbol, the netted
// position volume equals the sum of the deal volumes reported by the history.
func TestProperty_PaperPositionMatchesDeals(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Position volume equals deal volume", prop.ForAll(
		func(lots []int) bool {
			p := newPaper()
			ctx := context.Background()
			for _, n := range lots {
				resp := p.SubmitOrder(ctx, OrderParams{
					Symbol:    "PETR4F",
					Side:      models.SideBuy,
					Volume:    decimal.NewFromInt(int64(n)),
					Execution: models.ExecutionMarket,
				})
				if !resp.OK {
					return false
				}
			}

			deals := p.DealHistory(ctx, time.Unix(0, 0), time.Now().Add(time.Hour))
			sum := decimal.Zero
			for _, d := range *deals.Data {
				sum = sum.Add(d.Volume)
			}

			positions := p.OpenPositions(ctx)
			if len(lots) == 0 {
				return len(*positions.Data) == 0
			}
			return len(*positions.Data) == 1 && (*positions.Data)[0].Volume.Equal(sum)
		},
		gen.SliceOf(gen.IntRange(1, 99)),
	))

	properties.TestingRun(t)
}

func TestPaperRejectsTakeProfitThenAccepts(t *testing.T) {
	p := newPaper()
	p.SetRejectTakeProfit(true)
	ctx := context.Background()

	params := OrderParams{
		Symbol:     "PETR4",
		Side:       models.SideBuy,
		Volume:     decimal.NewFromInt(100),
		Execution:  models.ExecutionMarket,
		TakeProfit: decimal.NewNullDecimal(decimal.RequireFromString("40")),
	}
	first := p.SubmitOrder(ctx, params)
	if first.OK || first.Data == nil || *first.Data.Retcode != 10016 {
		t.Fatalf("expected invalid stops rejection, got %+v", first)
	}

	second := p.SubmitOrder(ctx, params.WithoutTakeProfit())
	if !second.OK || second.Data.Ticket() == 0 {
		t.Fatalf("expected acceptance, got %+v", second)
	}
}

func TestPaperHeldOrderAppearsInBook(t *testing.T) {
	p := newPaper()
	p.SetHoldFills(true)
	ctx := context.Background()

	resp := p.SubmitOrder(ctx, OrderParams{Symbol: "PETR4", Side: models.SideBuy, Volume: decimal.NewFromInt(100)})
	ticket := resp.Data.Ticket()

	book := p.OpenOrders(ctx, "PETR4")
	if len(*book.Data) != 1 || (*book.Data)[0].Ticket != ticket {
		t.Fatalf("expected resting order %d, got %+v", ticket, book.Data)
	}

	if !p.FillPending(ticket) {
		t.Fatal("FillPending returned false")
	}
	if book := p.OpenOrders(ctx, ""); len(*book.Data) != 0 {
		t.Error("order still in book after fill")
	}
	if pos := p.OpenPositions(ctx); len(*pos.Data) != 1 {
		t.Error("expected one open position after fill")
	}
}

func TestPaperClosePositionWritesExitDeal(t *testing.T) {
	p := newPaper()
	ctx := context.Background()

	resp := p.SubmitOrder(ctx, OrderParams{Symbol: "PETR4", Side: models.SideBuy, Volume: decimal.NewFromInt(200)})
	ticket := resp.Data.Ticket()

	if err := p.ClosePosition(ticket, decimal.RequireFromString("38.00")); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	deals := *p.DealHistory(ctx, time.Unix(0, 0), time.Now().Add(time.Hour)).Data
	last := deals[len(deals)-1]
	if last.Entry == nil || *last.Entry != models.DealEntryOut || last.PositionTicket() != ticket {
		t.Errorf("unexpected exit deal %+v", last)
	}
	if pos := p.OpenPositions(ctx); len(*pos.Data) != 0 {
		t.Error("position still open")
	}
}
