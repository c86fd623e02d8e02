package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/broker"
	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/logging"
	"mt5-executor/internal/metrics"
	"mt5-executor/internal/models"
	"mt5-executor/internal/store"
)

// Reconciler drives a group of orders forward from the terminal's deal
// history and open positions. Every write is idempotent, so concurrent polls
// of the same group converge.
type Reconciler struct {
	store  store.DataStore
	cfg    Config
	now    Clock
	logger zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(st store.DataStore, cfg Config, now Clock, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: st, cfg: cfg, now: now, logger: logger}
}

// Poll reconciles a group. A terminal failure leaves every record unchanged
// and is reported through GroupStatus.Pending, not as an error.
func (r *Reconciler) Poll(ctx context.Context, client *models.Client, term broker.Terminal, groupID string, side models.Side) (*GroupStatus, error) {
	orders, err := r.store.GetGroupOrders(ctx, client.ID, groupID)
	if err != nil {
		return nil, err
	}
	if orders[0].Side != side {
		return nil, fmt.Errorf("%s group %s: %w", side, groupID, apperrors.ErrGroupNotFound)
	}
	logger := logging.WithGroup(logging.WithClient(logging.FromContextOr(ctx, r.logger), client.ID), groupID)
	status := &GroupStatus{GroupID: groupID, Side: side}

	from, to := r.window(orders)
	hist := term.DealHistory(ctx, from, to)
	if !hist.OK || hist.Data == nil {
		metrics.CountPoll(string(side), "unavailable")
		return r.snapshot(ctx, client, status, orders, "deal history unavailable: "+hist.Error)
	}
	var open []broker.OpenPosition
	if side == models.SideBuy {
		op := term.OpenPositions(ctx)
		if !op.OK || op.Data == nil {
			metrics.CountPoll(string(side), "unavailable")
			return r.snapshot(ctx, client, status, orders, "open positions unavailable: "+op.Error)
		}
		open = *op.Data
	}

	deals, err := r.ingest(ctx, client.ID, *hist.Data, logger)
	if err != nil {
		return nil, err
	}

	fills := matchDeals(orders, deals)
	book := newBookView(term)
	for i := range orders {
		o := &orders[i]
		f := fills[o.ID]
		if side == models.SideBuy {
			f = catchUp(o, f, open)
			fills[o.ID] = f
		}
		next := nextStatus(o.Status, f, o.VolumeRequested)
		if next == models.OrderSent && r.expired(ctx, o, f, book) {
			next = models.OrderCancelled
		}
		if err := r.advance(ctx, o, next, f, logger); err != nil {
			return nil, err
		}
	}

	complete, anyExecuted := groupProgress(orders)
	switch side {
	case models.SideBuy:
		switch {
		case complete && anyExecuted:
			id, err := r.consolidate(ctx, client, term, groupID, orders, fills, open, logger)
			if err != nil {
				return nil, err
			}
			status.PositionID = id
		case complete:
			if err := r.discardPlaceholder(ctx, orders, logger); err != nil {
				return nil, err
			}
		}
	case models.SideSell:
		if allExecuted(orders) {
			if _, err := r.closeFromSells(ctx, client, term, orders, fills, deals, logger); err != nil {
				return nil, err
			}
		}
	}

	result := "pending"
	if complete {
		result = "complete"
	}
	metrics.CountPoll(string(side), result)
	return r.snapshot(ctx, client, status, orders, "")
}

// window spans from LookbackBefore ahead of the earliest order to ClockSkew
// past now.
func (r *Reconciler) window(orders []models.Order) (from, to time.Time) {
	earliest := orders[0].CreatedAt
	for _, o := range orders[1:] {
		if o.CreatedAt.Before(earliest) {
			earliest = o.CreatedAt
		}
	}
	return earliest.Add(-r.cfg.LookbackBefore), r.now().Add(r.cfg.ClockSkew)
}

// ingest upserts every deal of the window, attributed or not.
func (r *Reconciler) ingest(ctx context.Context, clientID int64, history []broker.HistoryDeal, logger zerolog.Logger) ([]models.Deal, error) {
	deals := make([]models.Deal, 0, len(history))
	for i := range history {
		if history[i].Ticket > 0 {
			deals = append(deals, history[i].ToDeal(clientID))
		}
	}
	n, err := r.store.UpsertDeals(ctx, deals)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		metrics.AddDealsIngested(n)
		logger.Debug().Int("new", n).Int("seen", len(deals)).Msg("Deals ingested")
	}
	return deals, nil
}

// catchUp treats an under-filled buy as executed when the terminal already
// holds at least the requested volume of its symbol.
func catchUp(o *models.Order, f fill, open []broker.OpenPosition) fill {
	if f.volume.GreaterThanOrEqual(o.VolumeRequested) {
		return f
	}
	for _, p := range open {
		if p.Symbol == o.Symbol && p.Volume.GreaterThanOrEqual(o.VolumeRequested) {
			f.volume = p.Volume
			f.price = decimal.NewNullDecimal(p.PriceOpen)
			f.source = models.MatchPosition
			return f
		}
	}
	return f
}

// nextStatus moves an order forward on the evidence of a fill. Executed and
// rejected orders never change; a cancelled order moves only on deals
// matched by its own ticket.
func nextStatus(current models.OrderStatus, f fill, requested decimal.Decimal) models.OrderStatus {
	switch current {
	case models.OrderExecuted, models.OrderRejected:
		return current
	case models.OrderCancelled:
		if f.source != models.MatchTicket {
			return current
		}
	}
	switch {
	case f.volume.IsPositive() && f.volume.GreaterThanOrEqual(requested):
		return models.OrderExecuted
	case f.volume.IsPositive():
		return models.OrderPartial
	}
	return current
}

// bookView caches the terminal's resting orders per symbol for one poll.
type bookView struct {
	term    broker.Terminal
	symbols map[string]map[int64]bool
	failed  map[string]bool
}

func newBookView(term broker.Terminal) *bookView {
	return &bookView{term: term, symbols: make(map[string]map[int64]bool), failed: make(map[string]bool)}
}

// resting reports whether ticket rests in the book. ok is false when the
// book could not be read.
func (b *bookView) resting(ctx context.Context, symbol string, ticket int64) (bool, bool) {
	if b.failed[symbol] {
		return false, false
	}
	tickets, cached := b.symbols[symbol]
	if !cached {
		resp := b.term.OpenOrders(ctx, symbol)
		if !resp.OK || resp.Data == nil {
			b.failed[symbol] = true
			return false, false
		}
		tickets = make(map[int64]bool, len(*resp.Data))
		for _, po := range *resp.Data {
			tickets[po.Ticket] = true
		}
		b.symbols[symbol] = tickets
	}
	return tickets[ticket], true
}

// expired reports whether a sent order without fills has left the book for
// longer than the cancel grace.
func (r *Reconciler) expired(ctx context.Context, o *models.Order, f fill, book *bookView) bool {
	if r.cfg.CancelGrace <= 0 || o.Status != models.OrderSent || !o.HasTicket() || f.volume.IsPositive() {
		return false
	}
	if r.now().Sub(o.CreatedAt) < r.cfg.CancelGrace {
		return false
	}
	resting, ok := book.resting(ctx, o.Symbol, o.OrderTicket)
	return ok && !resting
}

// advance persists a status or fill change.
func (r *Reconciler) advance(ctx context.Context, o *models.Order, next models.OrderStatus, f fill, logger zerolog.Logger) error {
	grew := f.volume.GreaterThan(o.VolumeExecuted)
	switch o.Status {
	case models.OrderExecuted, models.OrderRejected:
		grew = false
	case models.OrderCancelled:
		grew = grew && f.source == models.MatchTicket
	}
	if next == o.Status && !grew {
		return nil
	}

	updated := *o
	updated.Status = next
	if grew {
		updated.VolumeExecuted = f.volume
		updated.PriceAverage = f.price
		updated.MatchSource = f.source
	}
	changed, err := r.store.UpdateOrderProgress(ctx, &updated)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if grew {
		for _, d := range f.deals {
			logging.LogDeal(logger, d.Ticket, d.Symbol, d.Volume, d.Price)
		}
	}
	if next != o.Status {
		metrics.CountOrder(string(o.Side), string(next))
		logging.LogOrder(logger, o.GroupID, o.Symbol, string(o.Side), string(next), o.Retcode)
	}
	*o = updated
	return nil
}

func groupProgress(orders []models.Order) (complete, anyExecuted bool) {
	complete = true
	for _, o := range orders {
		if !o.Status.IsTerminal() {
			complete = false
		}
		if o.Status == models.OrderExecuted {
			anyExecuted = true
		}
	}
	return complete, anyExecuted
}

func allExecuted(orders []models.Order) bool {
	for _, o := range orders {
		if o.Status != models.OrderExecuted {
			return false
		}
	}
	return true
}

func linkedPosition(orders []models.Order) *int64 {
	for _, o := range orders {
		if o.PositionID != nil {
			id := *o.PositionID
			return &id
		}
	}
	return nil
}

// legFill aggregates the executed orders of one symbol.
type legFill struct {
	symbol         string
	volume         decimal.Decimal
	notional       decimal.Decimal
	orderTicket    int64
	positionTicket int64
	deals          []int64
}

// consolidate writes the group's position from its executed orders. The
// placeholder is confirmed in place; without one, a position is created and
// linked atomically. Legs and deferred stops are idempotent.
func (r *Reconciler) consolidate(ctx context.Context, client *models.Client, term broker.Terminal, groupID string,
	orders []models.Order, fills map[int64]fill, open []broker.OpenPosition, logger zerolog.Logger) (*int64, error) {

	var legs []*legFill
	bySymbol := make(map[string]*legFill)
	total, notional := decimal.Zero, decimal.Zero
	var openedAt time.Time
	takeProfit := decimal.NullDecimal{}
	deferStops := false

	for _, o := range orders {
		if !takeProfit.Valid && o.TakeProfit.Valid {
			takeProfit = o.TakeProfit
		}
		if o.Status != models.OrderExecuted || !o.PriceAverage.Valid {
			continue
		}
		deferStops = deferStops || o.ApplyTPAfterExec
		lf, ok := bySymbol[o.Symbol]
		if !ok {
			lf = &legFill{symbol: o.Symbol, volume: decimal.Zero, notional: decimal.Zero}
			bySymbol[o.Symbol] = lf
			legs = append(legs, lf)
		}
		value := o.VolumeExecuted.Mul(o.PriceAverage.Decimal)
		lf.volume = lf.volume.Add(o.VolumeExecuted)
		lf.notional = lf.notional.Add(value)
		if lf.orderTicket == 0 {
			lf.orderTicket = o.OrderTicket
		}
		f := fills[o.ID]
		if lf.positionTicket == 0 {
			lf.positionTicket = f.positionTicket()
		}
		lf.deals = append(lf.deals, f.dealTickets()...)
		if f.lastTime.After(openedAt) {
			openedAt = f.lastTime
		}
		total = total.Add(o.VolumeExecuted)
		notional = notional.Add(value)
	}
	if !total.IsPositive() {
		return nil, nil
	}
	if openedAt.IsZero() {
		openedAt = r.now().UTC()
	}

	blended := notional.Div(total)
	confirm := store.PositionConfirmation{
		OpenDate:  openedAt,
		UnitCost:  roundPrice(blended),
		Quantity:  total,
		TotalCost: roundPrice(blended.Mul(total)),
	}

	positionID, err := r.writePosition(ctx, client, groupID, orders, confirm, takeProfit, logger)
	if err != nil || positionID == 0 {
		return nil, err
	}

	for _, lf := range legs {
		ticket := lf.positionTicket
		if ticket == 0 {
			if p := findOpen(open, lf.symbol, 0); p != nil {
				ticket = p.Ticket
			}
		}
		leg := &models.Leg{
			PositionID:     positionID,
			Symbol:         lf.symbol,
			PositionTicket: ticket,
			Volume:         lf.volume,
			PriceOpen:      lf.notional.Div(lf.volume),
			OrderTicket:    lf.orderTicket,
			DealTickets:    lf.deals,
		}
		if _, err := r.store.CreateLegIfAbsent(ctx, leg); err != nil {
			return nil, err
		}
	}

	if deferStops && takeProfit.Valid {
		if err := r.applyDeferredStops(ctx, term, positionID, takeProfit.Decimal, open, logger); err != nil {
			return nil, err
		}
	}
	return &positionID, nil
}

// writePosition confirms the linked placeholder or creates the position.
// It returns the position's id.
func (r *Reconciler) writePosition(ctx context.Context, client *models.Client, groupID string, orders []models.Order,
	confirm store.PositionConfirmation, takeProfit decimal.NullDecimal, logger zerolog.Logger) (int64, error) {

	if linked := linkedPosition(orders); linked != nil {
		pos, err := r.store.GetPosition(ctx, client.ID, *linked)
		switch {
		case err == nil && pos.Placeholder:
			confirmed, err := r.store.ConfirmPosition(ctx, pos.ID, confirm)
			if err != nil {
				return 0, err
			}
			if confirmed {
				metrics.CountPositionEvent("confirmed")
				logging.LogConsolidation(logger, pos.ID, confirm.Quantity, confirm.UnitCost)
			}
			return pos.ID, nil
		case err == nil:
			return pos.ID, nil
		case !errors.Is(err, apperrors.ErrPositionNotFound):
			return 0, err
		}
	}

	pos := &models.Position{
		ClientID:    client.ID,
		Instrument:  orders[0].BaseSymbol,
		OpenDate:    confirm.OpenDate,
		UnitCost:    confirm.UnitCost,
		Quantity:    confirm.Quantity,
		TotalCost:   confirm.TotalCost,
		TargetPrice: takeProfit,
	}
	created, err := r.store.CreateGroupPosition(ctx, groupID, pos)
	if err != nil {
		return 0, err
	}
	if created {
		metrics.CountPositionEvent("created")
		logging.LogConsolidation(logger, pos.ID, pos.Quantity, pos.UnitCost)
		return pos.ID, nil
	}

	// A concurrent poll linked the group first.
	fresh, err := r.store.GetGroupOrders(ctx, client.ID, groupID)
	if err != nil {
		return 0, err
	}
	if linked := linkedPosition(fresh); linked != nil {
		return *linked, nil
	}
	return 0, nil
}

// applyDeferredStops attaches the take-profit to every open leg that does
// not carry it yet.
func (r *Reconciler) applyDeferredStops(ctx context.Context, term broker.Terminal, positionID int64, target decimal.Decimal,
	open []broker.OpenPosition, logger zerolog.Logger) error {

	legs, err := r.store.GetLegs(ctx, positionID)
	if err != nil {
		return err
	}
	for _, leg := range legs {
		if leg.StopAdjusted || leg.PositionTicket == 0 || findOpen(open, leg.Symbol, leg.PositionTicket) == nil {
			continue
		}
		resp := term.AdjustStop(ctx, leg.PositionTicket, target)
		if !stopApplied(resp) {
			logger.Warn().
				Int64("ticket", leg.PositionTicket).
				Int("status", resp.Status).
				Str("error", resp.Error).
				Msg("Deferred take-profit not applied")
			continue
		}
		if err := r.store.MarkLegStopAdjusted(ctx, leg.ID); err != nil {
			return err
		}
		logger.Info().
			Int64("ticket", leg.PositionTicket).
			Str("target", target.String()).
			Msg("Deferred take-profit applied")
	}
	return nil
}

func stopApplied(resp broker.Response[broker.StopReply]) bool {
	if !resp.OK {
		return false
	}
	if resp.Data != nil && resp.Data.Retcode != nil {
		rc := *resp.Data.Retcode
		return rc == 0 || rc == RetcodeDone || rc == RetcodeNoChanges
	}
	return true
}

// discardPlaceholder removes the placeholder of a group none of whose
// orders executed.
func (r *Reconciler) discardPlaceholder(ctx context.Context, orders []models.Order, logger zerolog.Logger) error {
	linked := linkedPosition(orders)
	if linked == nil {
		return nil
	}
	deleted, err := r.store.DeletePlaceholder(ctx, *linked)
	if err != nil {
		return err
	}
	if deleted {
		metrics.CountPositionEvent("discarded")
		logger.Info().Int64("position_id", *linked).Msg("Placeholder discarded, no leg executed")
	}
	return nil
}

// closeFromSells closes the group's position once its sells executed. The
// exit is blended from every leg's exit deals, so a leg already closed at the
// terminal before the sell counts at its own price. It reports whether the
// position is closed.
func (r *Reconciler) closeFromSells(ctx context.Context, client *models.Client, term broker.Terminal, orders []models.Order,
	fills map[int64]fill, deals []models.Deal, logger zerolog.Logger) (bool, error) {

	linked := linkedPosition(orders)
	if linked == nil {
		return false, nil
	}
	pos, err := r.store.GetPosition(ctx, client.ID, *linked)
	if err != nil {
		return false, err
	}
	if !pos.IsOpen() {
		return true, nil
	}
	legs, err := r.store.GetLegs(ctx, pos.ID)
	if err != nil {
		return false, err
	}

	byLeg := exitDealsByLeg(legs, deals)
	if missingExits(legs, byLeg) {
		wider, err := r.historySince(ctx, client.ID, term, pos.OpenDate, logger)
		if err != nil {
			return false, err
		}
		if wider != nil {
			byLeg = exitDealsByLeg(legs, wider)
		}
	}
	var exits []models.Deal
	for _, leg := range legs {
		exits = append(exits, byLeg[leg.ID]...)
	}
	if len(legs) == 0 || missingExits(legs, byLeg) {
		// Without an exit for every leg, fall back to the sells themselves.
		exits = exits[:0]
		for _, o := range orders {
			exits = append(exits, fills[o.ID].deals...)
		}
	}

	exitPrice, closedAt, ok := exitSummary(exits)
	if !ok {
		return false, nil
	}
	closed, err := r.store.ClosePosition(ctx, pos.ID, store.PositionClosing{
		CloseDate:     closedAt,
		ExitPrice:     exitPrice,
		TotalProceeds: exitProceeds(exits, exitPrice, pos.Quantity),
	})
	if err != nil {
		return false, err
	}
	if !closed {
		return true, nil
	}
	metrics.CountPositionEvent("closed")
	logging.LogClosure(logger, pos.ID, exitPrice, "poll")

	if err := r.recordExitTickets(ctx, legs, exits); err != nil {
		return true, err
	}
	return true, nil
}

// historySince ingests the terminal's deals from the position's open date
// on. A nil slice means the terminal could not answer.
func (r *Reconciler) historySince(ctx context.Context, clientID int64, term broker.Terminal, from time.Time, logger zerolog.Logger) ([]models.Deal, error) {
	now := r.now()
	if from.IsZero() || from.After(now) {
		return nil, nil
	}
	hist := term.DealHistory(ctx, from, now.Add(r.cfg.ClockSkew))
	if !hist.OK || hist.Data == nil {
		logger.Warn().Int("status", hist.Status).Str("error", hist.Error).Msg("Exit history unavailable")
		return nil, nil
	}
	return r.ingest(ctx, clientID, *hist.Data, logger)
}

func missingExits(legs []models.Leg, byLeg map[int64][]models.Deal) bool {
	for _, leg := range legs {
		if len(byLeg[leg.ID]) == 0 {
			return true
		}
	}
	return false
}

// recordExitTickets appends the exit deals of each leg for audit.
func (r *Reconciler) recordExitTickets(ctx context.Context, legs []models.Leg, exits []models.Deal) error {
	for legID, deals := range exitDealsByLeg(legs, exits) {
		tickets := make([]int64, 0, len(deals))
		for _, d := range deals {
			tickets = append(tickets, d.Ticket)
		}
		if err := r.store.AppendLegDealTickets(ctx, legID, tickets); err != nil {
			return err
		}
	}
	return nil
}

// snapshot reports the group from its recorded orders.
func (r *Reconciler) snapshot(ctx context.Context, client *models.Client, status *GroupStatus, orders []models.Order, pending string) (*GroupStatus, error) {
	status.Pending = pending
	status.ExecutedAll = allExecuted(orders)
	status.Legs = make([]LegStatus, 0, len(orders))
	for _, o := range orders {
		status.Legs = append(status.Legs, LegStatus{
			OrderID:        o.ID,
			Symbol:         o.Symbol,
			Status:         o.Status,
			Executed:       o.Status == models.OrderExecuted,
			VolumeExecuted: o.VolumeExecuted,
			PriceAverage:   o.PriceAverage,
			MatchSource:    o.MatchSource,
		})
	}

	if status.PositionID == nil {
		fresh, err := r.store.GetGroupOrders(ctx, client.ID, status.GroupID)
		if err != nil {
			return nil, err
		}
		status.PositionID = linkedPosition(fresh)
	}
	if status.PositionID == nil {
		return status, nil
	}
	pos, err := r.store.GetPosition(ctx, client.ID, *status.PositionID)
	if errors.Is(err, apperrors.ErrPositionNotFound) {
		// A discarded placeholder leaves nothing to report.
		status.PositionID = nil
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	switch status.Side {
	case models.SideBuy:
		if pos.Placeholder {
			status.PositionID = nil
		}
	case models.SideSell:
		status.Closed = !pos.IsOpen()
	}
	return status, nil
}
