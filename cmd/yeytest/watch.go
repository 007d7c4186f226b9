package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yunusemreyildiz/yeytest/internal/flow"
	"github.com/yunusemreyildiz/yeytest/internal/maestro"
	"github.com/yunusemreyildiz/yeytest/internal/model"
	"github.com/yunusemreyildiz/yeytest/internal/store"
)

var watchDevice string

// watchCmd re-runs flows whenever their files change. Each save gets a
// fresh pipeline, so the cost budget applies per re-run.
var watchCmd = &cobra.Command{
	Use:   "watch <flow.yaml> [flow.yaml ...]",
	Short: "Re-run flows when their files change",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchDevice, "device", "d", "", "Device id (default: the single connected device)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchDevice != "" {
		cfg.Maestro.Device = watchDevice
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	executor, err := maestro.NewWithConfig(maestro.Config{
		Binary:      cfg.Maestro.Binary,
		ADB:         cfg.Maestro.ADB,
		Xcrun:       cfg.Maestro.Xcrun,
		StepTimeout: cfg.GetStepTimeout(),
	})
	if err != nil {
		return err
	}
	if err := executor.Preflight(ctx); err != nil {
		return err
	}
	devices, err := resolveDevices(ctx, executor)
	if err != nil {
		return err
	}
	device := devices[0]

	// Watched flows are tracked by absolute path; fsnotify watches
	// their parent directories.
	watched := make(map[string]bool, len(args))
	dirs := make(map[string]bool)
	for _, path := range args {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	rerun := func(path string) {
		tc, err := flow.Load(path)
		if err != nil {
			fmt.Println(failStyle.Render("error: ") + err.Error())
			return
		}
		// A fresh pipeline per iteration resets the cost meter, so
		// every re-run gets the full budget.
		pipe, err := buildPipeline(ctx, executor)
		if err != nil {
			fmt.Println(failStyle.Render("error: ") + err.Error())
			return
		}
		run := pipe.Run(ctx, tc, device)
		fmt.Println(renderRunSummary(run))
		saveRun(run)
	}

	fmt.Println(mutedStyle.Render(fmt.Sprintf("watching %d flow(s) on %s", len(args), device)))
	for _, path := range args {
		abs, _ := filepath.Abs(path)
		rerun(abs)
	}

	// Debounce rapid saves
	const debounceDur = 500 * time.Millisecond
	debounceMap := make(map[string]time.Time)
	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Watch stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[event.Name] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounceMap[event.Name] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error", zap.Error(err))

		case <-debounceTicker.C:
			now := time.Now()
			for path, last := range debounceMap {
				if now.Sub(last) < debounceDur {
					continue
				}
				delete(debounceMap, path)
				fmt.Println(mutedStyle.Render("changed: " + path))
				rerun(path)
			}
		}
	}
}

// saveRun persists one finished run, degrading to a warning on store
// failure.
func saveRun(run *model.RunResult) {
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Warn("result store unavailable", zap.Error(err))
		return
	}
	defer s.Close()
	if err := s.SaveRun(run); err != nil {
		logger.Warn("failed to save run", zap.String("run", run.ID), zap.Error(err))
	}
}
