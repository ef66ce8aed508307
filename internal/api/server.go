// Package api exposes the broker over HTTP: the websocket endpoint plus
// the REST companion surface for non-connection-based callers.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tindale/gantry/internal/hub"
	"github.com/tindale/gantry/internal/ledger"
	"github.com/tindale/gantry/internal/machines"
	"github.com/tindale/gantry/internal/sequencer"
)

// StartOpts holds configuration for the broker HTTP server.
type StartOpts struct {
	Hub    *hub.Hub
	Table  *machines.Table
	Ledger *ledger.Ledger
	Jobs   *sequencer.Sequencer
	Port   int
	Out    io.Writer
}

// Start launches the broker server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Hub == nil || opts.Table == nil || opts.Ledger == nil || opts.Jobs == nil {
		return fmt.Errorf("api: hub, table, ledger, and jobs are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8081
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	registerRoutes(router, &opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Gantry broker listening on ws://localhost:%d/ws\n", opts.Port)
		fmt.Fprintf(opts.Out, "HTTP stats available at http://localhost:%d/stats\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// corsMiddleware sets permissive cross-origin headers on every response
// and short-circuits preflight requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
