package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mt5-executor/internal/broker"
	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/models"
)

// Terminal health labels.
const (
	HealthOnline    = "online"
	HealthOffline   = "offline"
	HealthWarning   = "warning"
	HealthError     = "error"
	HealthTimeout   = "timeout"
	HealthMissingIP = "missing_ip"
)

// TerminalHealth is the state of one client's terminal.
type TerminalHealth struct {
	ClientID  int64    `json:"id"`
	Name      string   `json:"name"`
	IP        string   `json:"ip,omitempty"`
	Status    string   `json:"status"`
	Detail    string   `json:"detail,omitempty"`
	Ping      *float64 `json:"ping"`
	Login     string   `json:"login,omitempty"`
	CheckedAt string   `json:"checked_at"`
}

// evaluateHealth classifies an account status answer.
func evaluateHealth(resp broker.Response[broker.AccountStatus]) (string, string) {
	switch {
	case resp.Status == broker.StatusTimeout:
		return HealthTimeout, "timeout"
	case !resp.OK:
		return HealthError, resp.Error
	case resp.Data == nil:
		return HealthError, "empty response"
	case !resp.Data.Terminal.Connected:
		return HealthOffline, "terminal disconnected"
	case resp.Data.Terminal.TradeAllowed != nil && !*resp.Data.Terminal.TradeAllowed:
		return HealthWarning, "trading not allowed"
	}
	return HealthOnline, ""
}

// Health checks the terminal of every client, one after the other.
func (e *Engine) Health(ctx context.Context) ([]TerminalHealth, error) {
	clients, err := e.store.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load clients: %w", err)
	}
	out := make([]TerminalHealth, 0, len(clients))
	for i := range clients {
		out = append(out, e.checkTerminal(ctx, &clients[i]))
	}
	return out, nil
}

func (e *Engine) checkTerminal(ctx context.Context, c *models.Client) TerminalHealth {
	h := TerminalHealth{
		ClientID:  c.ID,
		Name:      c.Name,
		IP:        c.Endpoint(),
		Status:    HealthMissingIP,
		CheckedAt: e.now().UTC().Format(time.RFC3339),
	}
	term, err := e.dir.Terminal(c)
	if err != nil {
		if !errors.Is(err, apperrors.ErrMissingEndpoint) {
			h.Status = HealthError
		}
		h.Detail = err.Error()
		return h
	}
	resp := term.AccountStatus(ctx)
	h.Status, h.Detail = evaluateHealth(resp)
	if resp.Data != nil {
		h.Ping = resp.Data.Terminal.Ping
		h.Login = resp.Data.Account.Login.String()
	}
	return h
}
