package trading

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"mt5-executor/internal/broker"
	"mt5-executor/internal/models"
	"mt5-executor/internal/store"
)

func TestEvaluateHealth(t *testing.T) {
	yes, no := true, false
	status := func(connected bool, allowed *bool) *broker.AccountStatus {
		var s broker.AccountStatus
		s.Terminal.Connected = connected
		s.Terminal.TradeAllowed = allowed
		s.Account.Login = json.Number("42")
		return &s
	}

	tests := []struct {
		name string
		resp broker.Response[broker.AccountStatus]
		want string
	}{
		{"online", broker.Response[broker.AccountStatus]{OK: true, Status: 200, Data: status(true, &yes)}, HealthOnline},
		{"trade flag missing", broker.Response[broker.AccountStatus]{OK: true, Status: 200, Data: status(true, nil)}, HealthOnline},
		{"trading disabled", broker.Response[broker.AccountStatus]{OK: true, Status: 200, Data: status(true, &no)}, HealthWarning},
		{"disconnected", broker.Response[broker.AccountStatus]{OK: true, Status: 200, Data: status(false, &yes)}, HealthOffline},
		{"timeout", broker.Response[broker.AccountStatus]{Status: broker.StatusTimeout, Error: "deadline"}, HealthTimeout},
		{"transport", broker.Response[broker.AccountStatus]{Status: broker.StatusTransport, Error: "refused"}, HealthError},
		{"empty body", broker.Response[broker.AccountStatus]{OK: true, Status: 200}, HealthError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := evaluateHealth(tt.resp); got != tt.want {
				t.Errorf("evaluateHealth = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHealthReportsEveryClient(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.paper.SetTradeAllowed(false)

	report, err := h.engine.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if len(report) != 1 || report[0].Status != HealthWarning || report[0].Login != "5012345" {
		t.Errorf("report = %+v", report)
	}

	h.paper.SetDown(true)
	report, _ = h.engine.Health(ctx)
	if report[0].Status != HealthError || report[0].Ping != nil {
		t.Errorf("unreachable terminal health = %+v", report[0])
	}
}

func TestHealthFlagsMissingAddress(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.CreateClient(ctx, &models.Client{Name: "NoAddress"}); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}

	engine := NewEngine(st, broker.NewMT5Directory(broker.MT5Config{}, nil, zerolog.Nop()), EngineOptions{})
	report, err := engine.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if len(report) != 1 || report[0].Status != HealthMissingIP || report[0].Detail == "" {
		t.Errorf("report = %+v", report)
	}
}
