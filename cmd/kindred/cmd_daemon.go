package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kindred/internal/config"
	"kindred/internal/engine"
	"kindred/internal/logging"
)

// retryPollInterval bounds how long a backed-off item waits after its window
// opens before the drive loop notices it.
const retryPollInterval = time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the engine until interrupted",
	Long: `Starts the full engine: the queue drains whenever work arrives, the
ceremony fires at its scheduled time, and config edits apply live.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log := logging.Get(logging.CategoryBoot)

	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Drive on every enqueue. Drive is re-entrant-safe, so a burst of events
	// degenerates to one active loop.
	unsubscribe := rt.bus.Subscribe(engine.EventItemEnqueued, func(engine.Event) {
		go rt.orch.Drive(ctx)
	})
	defer unsubscribe()

	// Re-enqueue any items a previous process left mid-ceremony.
	if err := rt.scheduler.Resume(); err != nil {
		log.Warnf("ceremony resume: %v", err)
	}
	rt.scheduler.Start(ctx)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(cfg *config.Config) {
			rt.queue.Reconfigure(queueConfig(cfg))
			rt.queue.SetPaused(cfg.Queue.Paused)
		})
		if err != nil {
			log.Warnf("config watcher unavailable: %v", err)
		} else if err := watcher.Start(ctx); err != nil {
			log.Warnf("config watcher failed to start: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// Backed-off retries have no enqueue event, so poll for them.
	g.Go(func() error {
		ticker := time.NewTicker(retryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if rt.queue.Depth() > 0 {
					rt.orch.Drive(ctx)
				}
			}
		}
	})

	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-sig:
			log.Infof("received %s, shutting down", s)
			rt.orch.Abort()
			cancel()
			return nil
		}
	})

	log.Info("daemon started")
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
