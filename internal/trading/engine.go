package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mt5-executor/internal/broker"
	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/models"
	"mt5-executor/internal/store"
)

// Engine is the entry point for every trading operation of a client.
type Engine struct {
	store      store.DataStore
	dir        broker.Directory
	planner    *Planner
	submitter  *Submitter
	reconciler *Reconciler
	sweeper    *Sweeper
	now        Clock
	logger     zerolog.Logger
}

// EngineOptions configures an engine.
type EngineOptions struct {
	Config Config
	Clock  Clock
	Logger zerolog.Logger
}

// NewEngine wires the planner, submitter, reconciler and sweeper over a
// ledger and a terminal directory.
func NewEngine(st store.DataStore, dir broker.Directory, opts EngineOptions) *Engine {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.LookbackBefore == 0 && cfg.ClockSkew == 0 && cfg.SweepSinceDays == 0 {
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	return &Engine{
		store:      st,
		dir:        dir,
		planner:    NewPlanner(logger),
		submitter:  NewSubmitter(st, now, logger),
		reconciler: NewReconciler(st, cfg, now, logger),
		sweeper:    NewSweeper(st, dir, cfg, now, logger),
		now:        now,
		logger:     logger,
	}
}

// Sweeper returns the engine's closure sweep.
func (e *Engine) Sweeper() *Sweeper {
	return e.sweeper
}

func (e *Engine) terminalFor(ctx context.Context, clientID int64) (*models.Client, broker.Terminal, error) {
	client, err := e.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	term, err := e.dir.Terminal(client)
	if err != nil {
		return nil, nil, err
	}
	return client, term, nil
}

// Plan splits a trade intent into validated legs.
func (e *Engine) Plan(ctx context.Context, clientID int64, req PlanRequest) (*Plan, error) {
	_, term, err := e.terminalFor(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return e.planner.Plan(ctx, term, req)
}

// SubmitBuy sends a buy request's legs.
func (e *Engine) SubmitBuy(ctx context.Context, clientID int64, req BuyRequest) (*SubmitResult, error) {
	client, term, err := e.terminalFor(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return e.submitter.SubmitBuy(ctx, client, term, req)
}

// PollBuy reconciles a buy group.
func (e *Engine) PollBuy(ctx context.Context, clientID int64, groupID string) (*GroupStatus, error) {
	client, term, err := e.terminalFor(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return e.reconciler.Poll(ctx, client, term, groupID, models.SideBuy)
}

// SubmitSell sends the closing orders of a position.
func (e *Engine) SubmitSell(ctx context.Context, clientID, positionID int64, req SellRequest) (*SubmitResult, error) {
	client, term, err := e.terminalFor(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return e.submitter.SubmitSell(ctx, client, term, positionID, req)
}

// PollSell reconciles a sell group.
func (e *Engine) PollSell(ctx context.Context, clientID int64, groupID string) (*GroupStatus, error) {
	client, term, err := e.terminalFor(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return e.reconciler.Poll(ctx, client, term, groupID, models.SideSell)
}

// Quote returns the terminal's quote for a symbol.
func (e *Engine) Quote(ctx context.Context, clientID int64, symbol string) (broker.Response[broker.Quote], error) {
	_, term, err := e.terminalFor(ctx, clientID)
	if err != nil {
		return broker.Response[broker.Quote]{}, err
	}
	return term.Quote(ctx, models.NormalizeSymbol(symbol)), nil
}

// Holdings lists a client's positions with their derived status.
func (e *Engine) Holdings(ctx context.Context, clientID int64, openOnly bool) ([]Holding, error) {
	if _, err := e.store.GetClient(ctx, clientID); err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx, store.PositionFilter{ClientID: clientID, OpenOnly: openOnly, IncludePlaceholders: true})
	if err != nil {
		return nil, err
	}

	holdings := make([]Holding, 0, len(positions))
	for i := range positions {
		p := &positions[i]
		legs, err := e.store.GetLegs(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		orders, err := e.store.GetPositionOrders(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		buys := orders[:0:0]
		for _, o := range orders {
			if o.Side == models.SideBuy {
				buys = append(buys, o)
			}
		}
		if legs == nil {
			legs = []models.Leg{}
		}
		holdings = append(holdings, Holding{
			Position: *p,
			Status:   models.DerivePositionStatus(p, len(legs) > 0, buys),
			Legs:     legs,
		})
	}
	return holdings, nil
}

// Sweep runs the closure sweep once.
func (e *Engine) Sweep(ctx context.Context, clientID int64) (*SweepReport, error) {
	return e.sweeper.Run(ctx, clientID)
}

// Clients lists registered clients.
func (e *Engine) Clients(ctx context.Context) ([]models.Client, error) {
	return e.store.ListClients(ctx)
}

// AddClient registers a client and its terminal addresses.
func (e *Engine) AddClient(ctx context.Context, name, publicIP, privateIP string) (*models.Client, error) {
	if name == "" {
		return nil, apperrors.NewValidationError("name", name, "required")
	}
	c := &models.Client{Name: name, PublicIP: publicIP, PrivateIP: privateIP}
	if err := e.store.CreateClient(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}
