package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"mt5-executor/internal/broker"
	"mt5-executor/internal/models"
)

// RulesTerminal serves SymbolRules from a cache and delegates every other
// call. Only successful answers are cached.
type RulesTerminal struct {
	broker.Terminal
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRulesTerminal wraps a terminal.
func NewRulesTerminal(inner broker.Terminal, store Store, ttl time.Duration, logger zerolog.Logger) *RulesTerminal {
	return &RulesTerminal{Terminal: inner, store: store, ttl: ttl, logger: logger}
}

func rulesKey(endpoint, symbol string) string {
	return endpoint + "|" + symbol
}

// SymbolRules returns cached rules, fetching them on a miss.
func (t *RulesTerminal) SymbolRules(ctx context.Context, symbol string) broker.Response[broker.SymbolRules] {
	key := rulesKey(t.Endpoint(), symbol)

	if b, ok, err := t.store.Get(ctx, key); err != nil {
		t.logger.Warn().Err(err).Str("key", key).Msg("Rules cache read failed")
	} else if ok {
		var rules broker.SymbolRules
		if err := json.Unmarshal(b, &rules); err == nil {
			return broker.Response[broker.SymbolRules]{OK: true, Status: 200, Data: &rules}
		}
	}

	resp := t.Terminal.SymbolRules(ctx, symbol)
	if resp.OK && resp.Data != nil {
		if b, err := json.Marshal(resp.Data); err == nil {
			if err := t.store.Set(ctx, key, b, t.ttl); err != nil {
				t.logger.Warn().Err(err).Str("key", key).Msg("Rules cache write failed")
			}
		}
	}
	return resp
}

// Directory wraps every terminal of a directory with the rules cache.
type Directory struct {
	inner  broker.Directory
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewDirectory creates a caching directory.
func NewDirectory(inner broker.Directory, store Store, ttl time.Duration, logger zerolog.Logger) *Directory {
	return &Directory{inner: inner, store: store, ttl: ttl, logger: logger}
}

// Terminal returns the client's terminal with cached symbol rules.
func (d *Directory) Terminal(client *models.Client) (broker.Terminal, error) {
	t, err := d.inner.Terminal(client)
	if err != nil {
		return nil, err
	}
	return NewRulesTerminal(t, d.store, d.ttl, d.logger), nil
}
