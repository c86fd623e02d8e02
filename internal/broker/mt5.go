package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/logging"
	"mt5-executor/internal/metrics"
	"mt5-executor/internal/models"
)

// MT5Config holds how a terminal bridge is reached.
type MT5Config struct {
	Scheme  string
	Port    int
	Timeout time.Duration
	// StatusPath is the health endpoint, "/status" by default.
	StatusPath string
}

// MT5Terminal talks to the HTTP bridge running next to a client's MetaTrader 5
// terminal. No call is retried.
type MT5Terminal struct {
	endpoint   string
	base       string
	statusPath string
	hc         *http.Client
	logger     zerolog.Logger
}

// NewMT5Terminal creates a client for the bridge at the given host.
func NewMT5Terminal(host string, cfg MT5Config, logger zerolog.Logger) *MT5Terminal {
	scheme := strings.TrimRight(cfg.Scheme, ":/")
	if scheme == "" {
		scheme = "http"
	}
	base := fmt.Sprintf("%s://%s", scheme, host)
	if cfg.Port > 0 {
		base = fmt.Sprintf("%s:%d", base, cfg.Port)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	statusPath := cfg.StatusPath
	if statusPath == "" {
		statusPath = "/status"
	}
	if !strings.HasPrefix(statusPath, "/") {
		statusPath = "/" + statusPath
	}
	return &MT5Terminal{
		endpoint:   host,
		base:       base,
		statusPath: statusPath,
		hc:         &http.Client{Timeout: timeout},
		logger:     logger.With().Str("terminal", host).Logger(),
	}
}

// Endpoint returns the terminal host.
func (t *MT5Terminal) Endpoint() string { return t.endpoint }

// BaseURL returns the bridge base URL.
func (t *MT5Terminal) BaseURL() string { return t.base }

// Quote fetches bid/ask/last.
func (t *MT5Terminal) Quote(ctx context.Context, symbol string) Response[Quote] {
	return getJSON[Quote](ctx, t, "/cotacao/"+url.PathEscape(symbol), nil)
}

// SymbolRules fetches the volume rules of a symbol.
func (t *MT5Terminal) SymbolRules(ctx context.Context, symbol string) Response[SymbolRules] {
	return getJSON[SymbolRules](ctx, t, "/simbolo/"+url.PathEscape(symbol), nil)
}

// ValidateOrder asks the terminal to pre-check an order.
func (t *MT5Terminal) ValidateOrder(ctx context.Context, p OrderParams) Response[Validation] {
	q := url.Values{}
	q.Set("ticker", p.Symbol)
	q.Set("tipo", wireSide(p.Side))
	q.Set("quantidade", p.Volume.String())
	q.Set("execucao", wireExecution(p.Execution))
	if p.Execution == models.ExecutionLimit && p.Price.Valid {
		q.Set("preco", p.Price.Decimal.String())
	}
	if p.TakeProfit.Valid {
		q.Set("tp", p.TakeProfit.Decimal.String())
	}
	return getJSON[Validation](ctx, t, "/validar-ordem", q)
}

// SubmitOrder sends an order. A rejected order still carries the decoded
// error body in Data when the bridge answered with JSON.
func (t *MT5Terminal) SubmitOrder(ctx context.Context, p OrderParams) Response[OrderReply] {
	return postJSON[OrderReply](ctx, t, "/ordem", p)
}

// AdjustStop sets the take-profit of an open position.
func (t *MT5Terminal) AdjustStop(ctx context.Context, ticket int64, target decimal.Decimal) Response[StopReply] {
	body := struct {
		Ticket   int64           `json:"ticket"`
		StopGain decimal.Decimal `json:"stop_gain"`
	}{ticket, target}
	return postJSON[StopReply](ctx, t, "/ajustar-stop", body)
}

// OpenPositions lists the terminal's open positions.
func (t *MT5Terminal) OpenPositions(ctx context.Context) Response[[]OpenPosition] {
	return getJSON[[]OpenPosition](ctx, t, "/posicoes", nil)
}

// DealHistory lists deals between two instants (epoch seconds on the wire).
func (t *MT5Terminal) DealHistory(ctx context.Context, from, to time.Time) Response[[]HistoryDeal] {
	q := url.Values{}
	q.Set("inicio", strconv.FormatInt(from.Unix(), 10))
	q.Set("fim", strconv.FormatInt(to.Unix(), 10))
	return getJSON[[]HistoryDeal](ctx, t, "/historico", q)
}

// OpenOrders lists orders still resting in the book, optionally for one symbol.
func (t *MT5Terminal) OpenOrders(ctx context.Context, symbol string) Response[[]PendingOrder] {
	var q url.Values
	if symbol != "" {
		q = url.Values{"symbol": []string{symbol}}
	}
	return getJSON[[]PendingOrder](ctx, t, "/ordens", q)
}

// AccountStatus fetches terminal connectivity and the account login.
func (t *MT5Terminal) AccountStatus(ctx context.Context) Response[AccountStatus] {
	return getJSON[AccountStatus](ctx, t, t.statusPath, nil)
}

func getJSON[T any](ctx context.Context, t *MT5Terminal, path string, q url.Values) Response[T] {
	u := t.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return failed[T](StatusTransport, err.Error())
	}
	return do[T](t, req, path, false)
}

func postJSON[T any](ctx context.Context, t *MT5Terminal, path string, body any) Response[T] {
	b, err := json.Marshal(body)
	if err != nil {
		return failed[T](StatusTransport, fmt.Sprintf("encoding request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(b))
	if err != nil {
		return failed[T](StatusTransport, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return do[T](t, req, path, true)
}

func do[T any](t *MT5Terminal, req *http.Request, path string, decodeErrorBody bool) Response[T] {
	start := time.Now()
	resp := roundTrip[T](t.hc, req, decodeErrorBody)
	elapsed := time.Since(start)

	logging.LogAPICall(t.logger, req.Method, path, resp.Status, elapsed, resp.Error)
	metrics.ObserveTerminalCall(metricPath(path), outcome(resp), elapsed)
	return resp
}

func roundTrip[T any](hc *http.Client, req *http.Request, decodeErrorBody bool) Response[T] {
	res, err := hc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return failed[T](StatusTimeout, "timeout")
		}
		return failed[T](StatusTransport, err.Error())
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		if isTimeout(err) {
			return failed[T](StatusTimeout, "timeout")
		}
		return failed[T](StatusTransport, err.Error())
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		var out T
		if err := json.Unmarshal(body, &out); err != nil {
			return failed[T](res.StatusCode, "invalid JSON response")
		}
		return Response[T]{OK: true, Status: res.StatusCode, Data: &out}
	}

	r := failed[T](res.StatusCode, fmt.Sprintf("HTTP %d", res.StatusCode))
	if decodeErrorBody {
		var out T
		if err := json.Unmarshal(body, &out); err == nil {
			r.Data = &out
		} else if text := strings.TrimSpace(string(body)); text != "" {
			r.Error = fmt.Sprintf("HTTP %d: %s", res.StatusCode, text)
		}
	}
	return r
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func outcome[T any](r Response[T]) string {
	switch {
	case r.OK:
		return "ok"
	case r.Transient():
		return "transient"
	default:
		return "error"
	}
}

// metricPath drops path parameters so label cardinality stays bounded.
func metricPath(path string) string {
	for _, prefix := range []string{"/cotacao/", "/simbolo/"} {
		if strings.HasPrefix(path, prefix) {
			return strings.TrimSuffix(prefix, "/")
		}
	}
	return path
}
