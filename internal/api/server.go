// Package api exposes the execution engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "mt5-executor/internal/errors"
	"mt5-executor/internal/logging"
	"mt5-executor/internal/metrics"
	"mt5-executor/internal/trading"
)

// Options configures the router.
type Options struct {
	Metrics bool
	Logger  zerolog.Logger
}

// Handler serves the engine's HTTP API.
type Handler struct {
	engine *trading.Engine
}

// NewRouter builds the gin router for an engine.
func NewRouter(engine *trading.Engine, opts Options) *gin.Engine {
	h := &Handler{engine: engine}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(opts.Logger))

	api := r.Group("/api")
	api.GET("/clients", h.listClients)
	api.POST("/clients", h.addClient)
	api.GET("/clients/status", h.terminalStatus)

	client := api.Group("/clients/:id")
	client.POST("/orders/plan", h.plan)
	client.POST("/orders/buy", h.submitBuy)
	client.GET("/orders/buy/:group", h.pollBuy)
	client.POST("/positions/:pos/sell", h.submitSell)
	client.GET("/orders/sell/:group", h.pollSell)
	client.GET("/positions", h.positions)
	client.GET("/quote/:symbol", h.quote)

	if opts.Metrics {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return r
}

// Serve runs the router on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, router http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := logger.With().Str("request_id", uuid.NewString()).Logger()
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), reqLogger))
		c.Next()

		event := reqLogger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = reqLogger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var planning *apperrors.PlanningError
	switch {
	case errors.Is(err, apperrors.ErrTerminalUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, apperrors.ErrClientNotFound),
		errors.Is(err, apperrors.ErrGroupNotFound),
		errors.Is(err, apperrors.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInputValidation), errors.As(err, &planning):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrPositionClosed),
		errors.Is(err, apperrors.ErrPositionUnconfirmed),
		errors.Is(err, apperrors.ErrNothingToClose):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrMissingEndpoint):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger := logging.FromContext(c.Request.Context())
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
