package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/dethbird/journal-sub000/internal/providers/statements"
)

// settleDelay lets a file finish writing before the inbox is read.
const settleDelay = 2 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Import bank statements as they land in the inbox directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if a.sources.Statements == nil || !a.sources.Statements.Enabled {
			return fmt.Errorf("statements provider is not enabled in %s", a.cfg.Sources.Path)
		}

		ctx, stop := signalContext()
		defer stop()
		return watchInbox(ctx, a, a.sources.Statements.InboxDir, settleDelay)
	},
}

// watchInbox runs the statements provider once at start and again after
// each burst of file activity in dir.
func watchInbox(ctx context.Context, a *app, dir string, delay time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	printStep("Watching %s", dir)

	run := func() {
		if _, err := runSync(ctx, a, os.Stdout, []string{statements.Provider}); err != nil && ctx.Err() == nil {
			slog.Error("statement import failed", "provider", statements.Provider, "error", err)
		}
	}
	run()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !statements.Supported(filepath.Base(ev.Name)) {
				continue
			}
			slog.Debug("inbox changed", "file", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "error", err)
		case <-fire:
			fire = nil
			run()
		}
	}
}
