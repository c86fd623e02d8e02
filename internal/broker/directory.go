package broker

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/models"
	"mt5-executor/internal/resilience"
)

// Directory resolves the terminal serving a client.
type Directory interface {
	Terminal(client *models.Client) (Terminal, error)
}

// MT5Directory builds HTTP terminals from the client's endpoint. When a
// breaker registry is set, each terminal is guarded by its endpoint's breaker.
type MT5Directory struct {
	cfg      MT5Config
	breakers *resilience.CircuitBreakerRegistry
	logger   zerolog.Logger
}

// NewMT5Directory creates a directory of HTTP terminals.
func NewMT5Directory(cfg MT5Config, breakers *resilience.CircuitBreakerRegistry, logger zerolog.Logger) *MT5Directory {
	return &MT5Directory{cfg: cfg, breakers: breakers, logger: logger}
}

// Terminal returns the terminal for a client.
func (d *MT5Directory) Terminal(client *models.Client) (Terminal, error) {
	endpoint := client.Endpoint()
	if endpoint == "" {
		return nil, fmt.Errorf("client %d: %w", client.ID, apperrors.ErrMissingEndpoint)
	}
	var t Terminal = NewMT5Terminal(endpoint, d.cfg, d.logger)
	if d.breakers != nil {
		t = NewGuardedTerminal(t, d.breakers.Get(endpoint))
	}
	return t, nil
}

// PaperDirectory hands out one in-memory terminal per client.
type PaperDirectory struct {
	mu        sync.Mutex
	terminals map[int64]*PaperTerminal
	setup     func(clientID int64) *PaperTerminal
}

// NewPaperDirectory creates a paper directory. setup builds the terminal for
// a client on first use; nil yields an empty terminal.
func NewPaperDirectory(setup func(clientID int64) *PaperTerminal) *PaperDirectory {
	if setup == nil {
		setup = func(clientID int64) *PaperTerminal {
			return NewPaperTerminal(PaperTerminalConfig{Endpoint: fmt.Sprintf("paper-%d", clientID)})
		}
	}
	return &PaperDirectory{terminals: make(map[int64]*PaperTerminal), setup: setup}
}

// Terminal returns the client's paper terminal.
func (d *PaperDirectory) Terminal(client *models.Client) (Terminal, error) {
	return d.Paper(client.ID), nil
}

// Paper returns the concrete paper terminal of a client.
func (d *PaperDirectory) Paper(clientID int64) *PaperTerminal {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.terminals[clientID]
	if !ok {
		t = d.setup(clientID)
		d.terminals[clientID] = t
	}
	return t
}
