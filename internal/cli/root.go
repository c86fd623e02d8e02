// Package cli provides the command-line interface for the execution engine.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mt5-executor/internal/broker"
	"mt5-executor/internal/cache"
	"mt5-executor/internal/config"
	"mt5-executor/internal/logging"
	"mt5-executor/internal/metrics"
	"mt5-executor/internal/resilience"
	"mt5-executor/internal/store"
	"mt5-executor/internal/trading"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-03-10"
)

// App holds the application dependencies.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
	Store     *store.SQLiteStore
	Engine    *trading.Engine
	Breakers  *resilience.CircuitBreakerRegistry

	rules cache.Store
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "mt5-executor",
		Short: "Order execution and position reconciliation for MetaTrader 5 terminals",
		Long: `mt5-executor brokers equity orders for advisory clients on their MetaTrader 5
terminals and keeps a local ledger of positions consistent with what the
broker actually filled.

Use 'mt5-executor serve' to run the HTTP API and the background closure sweep.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			app.ConfigDir = dir

			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg

			logCfg := logging.LogConfig{
				Level:      cfg.Log.Level,
				Console:    cfg.Log.Console,
				File:       cfg.Log.File,
				FilePath:   cfg.Log.FilePath,
				MaxSize:    cfg.Log.MaxSize,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAge,
			}
			app.Logger = logging.NewLoggerWithConfig(logCfg)

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/mt5-executor)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newSweepCmd(app))
	rootCmd.AddCommand(newPlanCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newClientCmd(app))
	rootCmd.AddCommand(newPositionCmd(app))

	return rootCmd
}

// Open builds the ledger, terminal directory and engine on first use.
func (a *App) Open() (*trading.Engine, error) {
	if a.Engine != nil {
		return a.Engine, nil
	}
	cfg := a.Config

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.Store = st
	a.Logger.Debug().Str("path", cfg.Store.Path).Msg("SQLite ledger opened")

	dir, err := a.directory()
	if err != nil {
		return nil, err
	}

	a.Engine = trading.NewEngine(st, dir, trading.EngineOptions{
		Config: trading.ConfigFrom(cfg),
		Logger: a.Logger,
	})
	return a.Engine, nil
}

func (a *App) directory() (broker.Directory, error) {
	cfg := a.Config

	var dir broker.Directory
	if cfg.IsPaperMode() {
		dir = broker.NewPaperDirectory(nil)
		a.Logger.Warn().Msg("Paper mode: orders are simulated in memory")
	} else {
		if cfg.Breaker.Enabled {
			a.Breakers = resilience.NewCircuitBreakerRegistry(resilience.CircuitBreakerConfig{
				FailureThreshold: cfg.Breaker.FailureThreshold,
				SuccessThreshold: cfg.Breaker.SuccessThreshold,
				Timeout:          cfg.Breaker.Timeout,
			})
			a.Breakers.OnStateChange(func(name string, from, to resilience.CircuitState) {
				metrics.SetCircuitState(name, circuitGauge(to))
				a.Logger.Warn().Str("endpoint", name).Str("from", string(from)).Str("to", string(to)).
					Msg("Terminal circuit changed state")
			})
		}
		dir = broker.NewMT5Directory(broker.MT5Config{
			Scheme:     cfg.Terminal.Scheme,
			Port:       cfg.Terminal.Port,
			Timeout:    cfg.Terminal.Timeout,
			StatusPath: cfg.Terminal.StatusPath,
		}, a.Breakers, a.Logger)
	}

	switch cfg.Cache.Backend {
	case "memory":
		a.rules = cache.NewMemoryStore()
	case "redis":
		rs := cache.NewRedisStore(cfg.Cache.RedisAddr, cfg.Cache.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			a.Logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("Redis unreachable, symbol rules will be read from terminals")
		}
		a.rules = rs
	default:
		return dir, nil
	}
	return cache.NewDirectory(dir, a.rules, cfg.Cache.TTL, a.Logger), nil
}

func circuitGauge(s resilience.CircuitState) float64 {
	switch s {
	case resilience.CircuitOpen:
		return 2
	case resilience.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// Close releases the ledger and the cache.
func (a *App) Close() error {
	var err error
	if a.rules != nil {
		err = a.rules.Close()
	}
	if a.Store != nil {
		if cerr := a.Store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("mt5-executor %s (built %s)\n", Version, BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			NewOutput(cmd).Println(filepath.Join(app.ConfigDir, "config.toml"))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Invalid configuration: %v", err)
				return err
			}
			output.Success("Configuration is valid (mode %s, store %s)", app.Config.Terminal.Mode, app.Config.Store.Path)
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Terminal")
	output.Printf("  Mode:             %s\n", cfg.Terminal.Mode)
	output.Printf("  Scheme:           %s\n", cfg.Terminal.Scheme)
	output.Printf("  Port:             %d\n", cfg.Terminal.Port)
	output.Printf("  Timeout:          %s\n", cfg.Terminal.Timeout)
	output.Println()

	output.Bold("Ledger & API")
	output.Printf("  Store:            %s\n", cfg.Store.Path)
	output.Printf("  Listen:           %s\n", cfg.Server.Addr)
	output.Printf("  Metrics:          %v\n", cfg.Server.Metrics)
	output.Println()

	output.Bold("Reconciliation")
	output.Printf("  Lookback:         %s\n", cfg.Reconcile.LookbackBefore)
	output.Printf("  Clock skew:       %s\n", cfg.Reconcile.ClockSkew)
	output.Printf("  Cancel grace:     %s\n", cfg.Reconcile.CancelGrace)
	output.Printf("  Sweep:            %v every %s (%d days back)\n", cfg.Sweep.Enabled, cfg.Sweep.Interval, cfg.Sweep.SinceDays)
	output.Println()

	output.Bold("Resilience")
	output.Printf("  Rules cache:      %s (ttl %s)\n", cfg.Cache.Backend, cfg.Cache.TTL)
	output.Printf("  Breaker:          %v (%d failures, %s open)\n", cfg.Breaker.Enabled, cfg.Breaker.FailureThreshold, cfg.Breaker.Timeout)
}

// every returns the sweep interval, falling back to the configured one.
func every(cmd *cobra.Command, cfg *config.Config) time.Duration {
	d, _ := cmd.Flags().GetDuration("every")
	if d <= 0 {
		return cfg.Sweep.Interval
	}
	return d
}
