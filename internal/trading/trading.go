// Package trading provides leg planning, order submission, fill
// reconciliation and the background closure sweep.
package trading

import (
	"time"

	"github.com/shopspring/decimal"

	"mt5-executor/internal/config"
	"mt5-executor/internal/models"
)

// Config holds the reconciliation windows shared by polling and the sweep.
type Config struct {
	// LookbackBefore widens the deal window before the earliest order.
	LookbackBefore time.Duration
	// ClockSkew extends every deal window into the future.
	ClockSkew time.Duration
	// CancelGrace is how long a sent order may be missing from the book
	// before it is cancelled. Zero disables cancellation.
	CancelGrace time.Duration
	// SweepSinceDays bounds the sweep window when a position has no open date.
	SweepSinceDays int
}

// DefaultConfig returns the default reconciliation windows.
func DefaultConfig() Config {
	return Config{
		LookbackBefore: time.Hour,
		ClockSkew:      5 * time.Minute,
		SweepSinceDays: 30,
	}
}

// ConfigFrom builds the engine configuration from application settings.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	if cfg.Reconcile.LookbackBefore > 0 {
		c.LookbackBefore = cfg.Reconcile.LookbackBefore
	}
	if cfg.Reconcile.ClockSkew > 0 {
		c.ClockSkew = cfg.Reconcile.ClockSkew
	}
	c.CancelGrace = cfg.Reconcile.CancelGrace
	if cfg.Sweep.SinceDays > 0 {
		c.SweepSinceDays = cfg.Sweep.SinceDays
	}
	return c
}

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// roundPrice rounds a price or amount to cents.
func roundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// LegOutcome is the per-leg result reported by a submission.
type LegOutcome struct {
	OrderID          int64              `json:"order_id,omitempty"`
	Symbol           string             `json:"symbol"`
	Volume           decimal.Decimal    `json:"volume"`
	Status           models.OrderStatus `json:"status"`
	OrderTicket      int64              `json:"order_ticket,omitempty"`
	Retcode          *int               `json:"retcode,omitempty"`
	ApplyTPAfterExec bool               `json:"apply_tp_after_exec"`
	Message          string             `json:"message,omitempty"`
}

// SubmitResult is the answer to a buy or sell submission.
type SubmitResult struct {
	GroupID    string       `json:"group_id"`
	PositionID *int64       `json:"position_id,omitempty"`
	Results    []LegOutcome `json:"results"`
}

// LegStatus is the reconciled state of one order of a group.
type LegStatus struct {
	OrderID        int64               `json:"order_id"`
	Symbol         string              `json:"symbol"`
	Status         models.OrderStatus  `json:"status"`
	Executed       bool                `json:"executed"`
	VolumeExecuted decimal.Decimal     `json:"volume_executed"`
	PriceAverage   decimal.NullDecimal `json:"price_average"`
	MatchSource    models.MatchSource  `json:"match_source,omitempty"`
}

// GroupStatus is the answer to a buy or sell poll.
type GroupStatus struct {
	GroupID     string      `json:"group_id"`
	Side        models.Side `json:"side"`
	ExecutedAll bool        `json:"executed_all"`
	Legs        []LegStatus `json:"legs"`
	PositionID  *int64      `json:"position_id,omitempty"`
	Closed      bool        `json:"closed"`
	// Pending explains why the poll could not make progress, if it could not.
	Pending string `json:"pending,omitempty"`
}

// Holding is a position with its derived status.
type Holding struct {
	models.Position
	Status models.PositionStatus `json:"status"`
	Legs   []models.Leg          `json:"legs"`
}
