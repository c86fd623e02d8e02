package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mt5-executor/internal/models"
)

func newTestTerminal(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *MT5Terminal {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")
	return NewMT5Terminal(host, MT5Config{Scheme: "http", Timeout: timeout}, zerolog.Nop())
}

func TestQuoteDecodesPayload(t *testing.T) {
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cotacao/PETR4" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"symbol":"PETR4","bid":36.18,"ask":36.2,"last":36.19}`))
	}, time.Second)

	resp := term.Quote(context.Background(), "PETR4")
	if !resp.OK || resp.Data == nil {
		t.Fatalf("expected ok response, got %+v", resp)
	}
	if !resp.Data.ReferencePrice().Equal(decimal.RequireFromString("36.2")) {
		t.Errorf("ReferencePrice = %s, want 36.2", resp.Data.ReferencePrice())
	}
}

func TestInvalidJSONIsTransient(t *testing.T) {
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}, time.Second)

	resp := term.OpenPositions(context.Background())
	if resp.OK {
		t.Fatal("expected not-ok response")
	}
	if resp.Error != "invalid JSON response" {
		t.Errorf("Error = %q", resp.Error)
	}
	if !resp.Transient() {
		t.Error("malformed JSON should be transient")
	}
}

func TestNonSuccessGetCarriesStatus(t *testing.T) {
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"unknown"}`, http.StatusNotFound)
	}, time.Second)

	resp := term.SymbolRules(context.Background(), "XXXX3")
	if resp.OK || resp.Status != 404 || resp.Data != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Error != "HTTP 404" {
		t.Errorf("Error = %q, want HTTP 404", resp.Error)
	}
	if resp.Transient() {
		t.Error("404 is not transient")
	}
}

func TestSubmitRejectionDecodesErrorBody(t *testing.T) {
	var got map[string]any
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ordem" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"retcode":10016,"comment":"Invalid stops"}`))
	}, time.Second)

	resp := term.SubmitOrder(context.Background(), OrderParams{
		Symbol:     "PETR4",
		Side:       models.SideBuy,
		Volume:     decimal.NewFromInt(100),
		Execution:  models.ExecutionMarket,
		TakeProfit: decimal.NewNullDecimal(decimal.RequireFromString("40.5")),
	})

	if resp.OK {
		t.Fatal("expected rejection")
	}
	if resp.Data == nil || resp.Data.Retcode == nil || *resp.Data.Retcode != 10016 {
		t.Fatalf("expected retcode 10016 in data, got %+v", resp.Data)
	}
	if resp.Data.Text() != "Invalid stops" {
		t.Errorf("Text() = %q", resp.Data.Text())
	}

	if got["ticker"] != "PETR4" || got["tipo"] != "compra" || got["execucao"] != "mercado" {
		t.Errorf("unexpected wire body %v", got)
	}
	if _, ok := got["preco"]; ok {
		t.Error("market order must not carry preco")
	}
	if got["tp"] == nil {
		t.Error("expected tp in body")
	}
}

func TestServerErrorWithRetcodeIsAnAnswer(t *testing.T) {
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"retcode":10016,"comment":"Invalid stops"}`))
	}, time.Second)

	resp := term.SubmitOrder(context.Background(), OrderParams{Symbol: "PETR4", Side: models.SideBuy, Volume: decimal.NewFromInt(100)})
	if resp.OK || resp.Status != 500 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !resp.Answered() || resp.Transient() {
		t.Error("a 500 carrying a retcode is a broker answer, not a transient failure")
	}
}

func TestServerErrorWithoutAnswerIsTransient(t *testing.T) {
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{}`))
	}, time.Second)

	resp := term.SubmitOrder(context.Background(), OrderParams{Symbol: "PETR4", Side: models.SideBuy, Volume: decimal.NewFromInt(100)})
	if resp.Answered() || !resp.Transient() {
		t.Errorf("empty 502 should be transient, got %+v", resp)
	}
}

func TestSubmitRejectionWithTextBody(t *testing.T) {
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("market closed"))
	}, time.Second)

	resp := term.SubmitOrder(context.Background(), OrderParams{Symbol: "VALE3", Side: models.SideBuy, Volume: decimal.NewFromInt(100)})
	if resp.OK || resp.Data != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Error != "HTTP 400: market closed" {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestTimeoutMapsTo599(t *testing.T) {
	release := make(chan struct{})
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	}, 50*time.Millisecond)
	defer close(release)

	resp := term.AccountStatus(context.Background())
	if resp.OK || resp.Status != StatusTimeout || resp.Error != "timeout" {
		t.Fatalf("expected timeout response, got %+v", resp)
	}
	if !resp.Transient() {
		t.Error("timeout should be transient")
	}
}

func TestTransportErrorMapsTo598(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	term := NewMT5Terminal(host, MT5Config{Timeout: time.Second}, zerolog.Nop())
	resp := term.DealHistory(context.Background(), time.Unix(0, 0), time.Now())
	if resp.OK || resp.Status != StatusTransport {
		t.Fatalf("expected transport failure, got %+v", resp)
	}
}

func TestDealHistorySendsEpochWindow(t *testing.T) {
	from := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("inicio") != "1741608000" || q.Get("fim") != "1741615200" {
			t.Errorf("unexpected window %v", q)
		}
		w.Write([]byte(`[{"ticket":501,"order":9001,"position_id":7001,"symbol":"PETR4","type":0,"entry":0,"volume":100,"price":10.00,"time":1741608600}]`))
	}, time.Second)

	resp := term.DealHistory(context.Background(), from, to)
	if !resp.OK || len(*resp.Data) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	deal := (*resp.Data)[0].ToDeal(42)
	if deal.Ticket != 501 || deal.PositionTicket != 7001 || deal.Side != models.SideBuy {
		t.Errorf("unexpected deal %+v", deal)
	}
	if deal.Raw == "" || !strings.Contains(deal.Raw, `"ticket":501`) {
		t.Errorf("raw payload not kept: %q", deal.Raw)
	}
}

func TestAccountStatusLogin(t *testing.T) {
	term := newTestTerminal(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"terminal":{"connected":true,"trade_allowed":false,"ping":12.5},"conta":{"login":5012345}}`))
	}, time.Second)

	resp := term.AccountStatus(context.Background())
	if !resp.OK {
		t.Fatalf("unexpected %+v", resp)
	}
	if resp.Data.Account.Login.String() != "5012345" {
		t.Errorf("login = %s", resp.Data.Account.Login)
	}
	if resp.Data.Terminal.TradeAllowed == nil || *resp.Data.Terminal.TradeAllowed {
		t.Error("expected trade_allowed=false")
	}
}
