package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

const defaultDebounce = 500 * time.Millisecond

func newWatchCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch <graph-file>",
		Short: "Run a graph file and re-run it every time it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stack, err := buildStack(global, opts)
			if err != nil {
				return err
			}
			defer stack.Close()

			stopMetrics := serveMetrics(ctx, global, stack, opts.metricsAddr)
			defer stopMetrics()

			w := &graphWatcher{
				path:     args[0],
				debounce: debounce,
				logger:   global.logger,
				run: func(ctx context.Context) {
					// Failed runs are reported and watching goes on.
					if err := runFiles(ctx, global, stack, opts, args, cmd.OutOrStdout()); err != nil {
						global.logger.Warn("Graph run failed", "file", args[0], "error", err)
					}
				},
			}
			return w.Watch(ctx)
		},
	}
	opts.register(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", defaultDebounce, "Quiet period after a change before re-running")
	return cmd
}

// graphWatcher runs a graph file once, then again after each write to it.
type graphWatcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	run      func(ctx context.Context)
}

// Watch blocks until ctx is done. The file's directory is watched rather than
// the file itself so editors that save by rename are picked up.
func (w *graphWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info("Watching graph file", "file", w.path)

	w.run(ctx)

	trigger := make(chan struct{}, 1)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Graph watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.isGraphEvent(abs, event) {
				continue
			}
			w.logger.Debug("Graph file event detected", "event", event.Op.String(), "file", event.Name)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			w.logger.Info("Graph file changed, re-running", "file", w.path)
			w.run(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Graph watcher error", "error", err)
		}
	}
}

func (w *graphWatcher) isGraphEvent(abs string, event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != abs {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}
