package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/dethbird/journal-sub000/internal/api"
	"github.com/dethbird/journal-sub000/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, enrichment worker and status API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the journal to MCP clients over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signalContext()
		defer stop()

		stdio := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Store: a.store}))
		slog.Info("MCP server started (stdio transport)")
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "journal version %s\n", version)

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Server.Token == "" {
		slog.Warn("server.token is not set; the status API accepts unauthenticated requests")
	}

	ctx, stop := signalContext()
	defer stop()

	sched := orchestrator.NewScheduler(a.orchestrator(), a.cfg.Sync.IntervalDuration(), func(sum orchestrator.Summary, err error) {
		if err == nil && sum.Failed() {
			for _, ps := range sum.Providers {
				if ps.Status == orchestrator.StatusFailed {
					slog.Warn("provider failed", "provider", ps.Provider, "errors", ps.Errors)
				}
			}
		}
	})
	go sched.Run(ctx)
	go a.worker().Run(ctx)

	handler := api.NewStatusHandler(api.StatusDeps{
		Store:     a.store,
		Token:     a.cfg.Server.Token,
		Trigger:   sched.Trigger,
		Providers: a.registry.Names(),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "journal listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
