package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# MT5 Executor Configuration

[terminal]
# Terminal mode: "mt5" (HTTP bridge on each client VM) or "paper"
mode = "mt5"
scheme = "http"
# Bridge port on the client VM (0 = scheme default)
port = 0
# Per-request timeout
timeout = "5s"
status_path = "/status"

[store]
# SQLite ledger file
# path = "/var/lib/mt5-executor/ledger.db"

[server]
addr = ":8080"
# Expose /metrics
metrics = true

[reconcile]
# Deal history starts this long before the earliest order of a group
lookback_before = "1h"
# Window end is pushed this far into the future
clock_skew = "5m"
# Sent orders missing from the terminal's order book for this long become cancelled (0 disables)
cancel_grace = "0s"

[sweep]
enabled = true
interval = "5m"
# Deal lookback when a position has no open date
since_days = 30

[cache]
# Symbol rules cache: memory, redis, none
backend = "memory"
redis_addr = "127.0.0.1:6379"
redis_db = 0
ttl = "10m"

[breaker]
enabled = true
failure_threshold = 5
success_threshold = 1
timeout = "30s"

[log]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
