package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"mt5-executor/internal/broker"
	"mt5-executor/internal/logging"
	"mt5-executor/internal/metrics"
	"mt5-executor/internal/models"
	"mt5-executor/internal/store"
)

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Clients   int           `json:"clients"`
	Checked   int           `json:"checked"`
	Closed    int           `json:"closed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	ClosedIDs []int64       `json:"closed_ids"`
}

// Sweeper closes positions whose broker legs are gone, independently of
// interactive polling.
type Sweeper struct {
	store  store.DataStore
	dir    broker.Directory
	cfg    Config
	now    Clock
	logger zerolog.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(st store.DataStore, dir broker.Directory, cfg Config, now Clock, logger zerolog.Logger) *Sweeper {
	return &Sweeper{store: st, dir: dir, cfg: cfg, now: now, logger: logger}
}

// Run sweeps every client holding open positions, or only clientID when it
// is positive. A failing client never stops the others; failures are
// aggregated in the returned error.
func (s *Sweeper) Run(ctx context.Context, clientID int64) (*SweepReport, error) {
	start := time.Now()
	report := &SweepReport{ClosedIDs: []int64{}}

	ids, err := s.store.ClientsWithOpenPositions(ctx)
	if err != nil {
		metrics.ObserveSweep("error", 0, time.Since(start))
		return nil, err
	}

	var errs error
	for _, id := range ids {
		if clientID > 0 && id != clientID {
			continue
		}
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		report.Clients++
		if err := s.sweepClient(ctx, id, report); err != nil {
			report.Failed++
			s.logger.Warn().Err(err).Int64("client_id", id).Msg("Sweep skipped client")
			errs = multierr.Append(errs, fmt.Errorf("client %d: %w", id, err))
		}
	}

	report.Duration = time.Since(start)
	result := "ok"
	if errs != nil {
		result = "partial"
	}
	metrics.ObserveSweep(result, report.Closed, report.Duration)
	s.logger.Info().
		Int("clients", report.Clients).
		Int("checked", report.Checked).
		Int("closed", report.Closed).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Closure sweep finished")
	return report, errs
}

func (s *Sweeper) sweepClient(ctx context.Context, clientID int64, report *SweepReport) error {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	term, err := s.dir.Terminal(client)
	if err != nil {
		return err
	}
	logger := logging.WithClient(logging.FromContextOr(ctx, s.logger), clientID)

	open := term.OpenPositions(ctx)
	if !open.OK || open.Data == nil {
		return fmt.Errorf("open positions: status %d: %s", open.Status, open.Error)
	}

	positions, err := s.store.ListPositions(ctx, store.PositionFilter{ClientID: clientID, OpenOnly: true})
	if err != nil {
		return err
	}

	var errs error
	for i := range positions {
		closed, err := s.sweepPosition(ctx, client, term, &positions[i], *open.Data, logger)
		report.Checked++
		switch {
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("position %d: %w", positions[i].ID, err))
		case closed:
			report.Closed++
			report.ClosedIDs = append(report.ClosedIDs, positions[i].ID)
		default:
			report.Skipped++
		}
	}
	return errs
}

// sweepPosition closes a position whose legs are all gone from the terminal
// and whose exit deals are in the window. Without exit deals nothing is
// written and the position is retried on the next run.
func (s *Sweeper) sweepPosition(ctx context.Context, client *models.Client, term broker.Terminal, pos *models.Position,
	open []broker.OpenPosition, logger zerolog.Logger) (bool, error) {

	legs, err := s.store.GetLegs(ctx, pos.ID)
	if err != nil {
		return false, err
	}
	if len(legs) == 0 {
		return false, nil
	}
	for _, leg := range legs {
		if findOpen(open, leg.Symbol, leg.PositionTicket) != nil {
			return false, nil
		}
	}

	now := s.now()
	from := pos.OpenDate
	if from.IsZero() {
		from = now.AddDate(0, 0, -s.cfg.SweepSinceDays)
	}
	hist := term.DealHistory(ctx, from, now.Add(s.cfg.ClockSkew))
	if !hist.OK || hist.Data == nil {
		return false, fmt.Errorf("deal history: status %d: %s", hist.Status, hist.Error)
	}

	deals := make([]models.Deal, 0, len(*hist.Data))
	for i := range *hist.Data {
		if d := (*hist.Data)[i]; d.Ticket > 0 {
			deals = append(deals, d.ToDeal(client.ID))
		}
	}
	n, err := s.store.UpsertDeals(ctx, deals)
	if err != nil {
		return false, err
	}
	metrics.AddDealsIngested(n)

	byLeg := exitDealsByLeg(legs, deals)
	var exits []models.Deal
	for _, leg := range legs {
		exits = append(exits, byLeg[leg.ID]...)
	}
	exitPrice, closedAt, ok := exitSummary(exits)
	if !ok {
		logger.Debug().Int64("position_id", pos.ID).Msg("Legs closed but no exit deals yet")
		return false, nil
	}

	closed, err := s.store.ClosePosition(ctx, pos.ID, store.PositionClosing{
		CloseDate:     closedAt,
		ExitPrice:     exitPrice,
		TotalProceeds: exitProceeds(exits, exitPrice, pos.Quantity),
	})
	if err != nil || !closed {
		return false, err
	}
	for legID, legDeals := range byLeg {
		tickets := make([]int64, 0, len(legDeals))
		for _, d := range legDeals {
			tickets = append(tickets, d.Ticket)
		}
		if err := s.store.AppendLegDealTickets(ctx, legID, tickets); err != nil {
			return true, err
		}
	}
	metrics.CountPositionEvent("closed")
	logging.LogClosure(logger, pos.ID, exitPrice, "sweep")
	return true, nil
}

// RunEvery sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) RunEvery(ctx context.Context, interval time.Duration, clientID int64) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Run(ctx, clientID); err != nil {
			s.logger.Error().Err(err).Msg("Closure sweep finished with errors")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
