// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	JSON       bool
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
				FormatLevel: func(i interface{}) string {
					if ll, ok := i.(string); ok {
						switch ll {
						case "debug":
							return "\033[36mDBG\033[0m"
						case "info":
							return "\033[32mINF\033[0m"
						case "warn":
							return "\033[33mWRN\033[0m"
						case "error":
							return "\033[31mERR\033[0m"
						default:
							return ll
						}
					}
					return "???"
				},
			})
		}
	}

	// File writer with rotation
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// ContextKey is the type for context keys.
type ContextKey string

// LoggerKey is the context key for the logger.
const LoggerKey ContextKey = "logger"

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	return FromContextOr(ctx, zerolog.Nop())
}

// FromContextOr retrieves the logger from context, or returns fallback when
// the context carries none.
func FromContextOr(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return fallback
}

// WithClient adds a client ID to the logger context.
func WithClient(logger zerolog.Logger, clientID int64) zerolog.Logger {
	return logger.With().Int64("client_id", clientID).Logger()
}

// WithGroup adds an order group ID to the logger context.
func WithGroup(logger zerolog.Logger, groupID string) zerolog.Logger {
	return logger.With().Str("group_id", groupID).Logger()
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// LogOrder logs an order event.
func LogOrder(logger zerolog.Logger, groupID, symbol, side, status string, retcode *int) {
	event := logger.Info().
		Str("event", "order").
		Str("group_id", groupID).
		Str("symbol", symbol).
		Str("side", side).
		Str("status", status)
	if retcode != nil {
		event = event.Int("retcode", *retcode)
	}
	event.Msg("Order update")
}

// LogDeal logs a broker deal counted towards an order's fill.
func LogDeal(logger zerolog.Logger, ticket int64, symbol string, volume, price decimal.Decimal) {
	logger.Debug().
		Str("event", "deal").
		Int64("ticket", ticket).
		Str("symbol", symbol).
		Str("volume", volume.String()).
		Str("price", price.String()).
		Msg("Deal matched")
}

// LogConsolidation logs a position being confirmed from executed legs.
func LogConsolidation(logger zerolog.Logger, positionID int64, quantity, unitCost decimal.Decimal) {
	logger.Info().
		Str("event", "consolidation").
		Int64("position_id", positionID).
		Str("quantity", quantity.String()).
		Str("unit_cost", unitCost.String()).
		Msg("Position consolidated")
}

// LogClosure logs a position being closed.
func LogClosure(logger zerolog.Logger, positionID int64, exitPrice decimal.Decimal, source string) {
	logger.Info().
		Str("event", "closure").
		Int64("position_id", positionID).
		Str("exit_price", exitPrice.String()).
		Str("source", source).
		Msg("Position closed")
}

// LogAPICall logs a terminal call.
func LogAPICall(logger zerolog.Logger, method, endpoint string, status int, duration time.Duration, errMsg string) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", status).
		Dur("duration", duration)

	if errMsg != "" {
		event.Str("error", errMsg).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
