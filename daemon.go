package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KossiPascal/health-map-project/internal/config"
	"github.com/KossiPascal/health-map-project/internal/statusapi"
	"github.com/KossiPascal/health-map-project/internal/syncer"
)

// runWatch is the long-running daemon behind `sync --watch`. It holds the
// PID file lock for its lifetime so `reload` can find it and a second
// daemon cannot start on the same data directory.
func runWatch(ctx context.Context, cc *CLIContext) error {
	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.requireRemote(); err != nil {
		return err
	}

	cleanup, err := writePIDFile(a.cfg.PIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx = shutdownContext(ctx, cc.Logger)

	monitor := a.newMonitor()
	modes := newModeRunner(a.coord, monitor, cc.Logger)
	defer modes.stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(monitor.Run(gctx))
	})

	modes.apply(gctx, a.cfg.Sync)

	if listen := a.cfg.Status.Listen; listen != "" {
		srv := statusapi.New(a.coord, monitor, a.registry, cc.Logger)

		g.Go(func() error {
			return srv.Serve(gctx, listen)
		})
	}

	onReload := func(cfg *config.Config) {
		if cfg.Status.Listen != a.cfg.Status.Listen {
			cc.Logger.Warn("status.listen changed, restart the daemon to apply it")
		}

		modes.apply(gctx, cfg.Sync)
	}

	if watchable(cc.Holder.Path()) {
		g.Go(func() error {
			return config.Watch(gctx, cc.Holder, cc.Logger, onReload)
		})
	}

	g.Go(func() error {
		hup := reloadSignals(gctx)

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				cfg, err := cc.Holder.Reload()
				if err != nil {
					cc.Logger.Warn("reload on SIGHUP failed, keeping previous config",
						slog.String("error", err.Error()))

					continue
				}

				cc.Logger.Info("config reloaded on SIGHUP")
				onReload(cfg)
			}
		}
	})

	cc.Logger.Info("sync daemon started",
		slog.String("remote", a.remote.Name()),
		slog.String("user", a.user.ID),
		slog.String("mode", a.cfg.Sync.Mode),
	)

	err = g.Wait()

	cc.Logger.Info("sync daemon stopped", slog.String("status", a.coord.Status().String()))

	return err
}

// watchable reports whether the config file's directory exists.
func watchable(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(filepath.Dir(path))

	return err == nil && info.IsDir()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// coordinator is the part of syncer.Coordinator the mode runner drives.
type coordinator interface {
	FollowNetwork(ctx context.Context, conn syncer.Connectivity) error
	StartAutoReplication(interval time.Duration, conn syncer.Connectivity) error
	StopAutoReplication()
	StopSync()
}

// modeRunner switches the coordinator between live, periodic and manual
// replication. Applying the settings already in effect does nothing.
type modeRunner struct {
	coord  coordinator
	conn   syncer.Connectivity
	logger *slog.Logger

	mu       sync.Mutex
	mode     string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func newModeRunner(coord coordinator, conn syncer.Connectivity, logger *slog.Logger) *modeRunner {
	return &modeRunner{coord: coord, conn: conn, logger: logger}
}

func (r *modeRunner) apply(ctx context.Context, sc config.SyncConfig) {
	interval := sc.IntervalDuration()

	r.mu.Lock()
	defer r.mu.Unlock()

	if sc.Mode == r.mode && (sc.Mode != config.ModePeriodic || interval == r.interval) {
		return
	}

	r.stopLocked()

	r.mode = sc.Mode
	r.interval = interval

	switch sc.Mode {
	case config.ModeLive:
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		r.cancel, r.done = cancel, done

		go func() {
			defer close(done)

			if err := r.coord.FollowNetwork(runCtx, r.conn); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("live sync stopped", slog.String("error", err.Error()))
			}
		}()
	case config.ModePeriodic:
		if err := r.coord.StartAutoReplication(interval, r.conn); err != nil {
			r.logger.Error("starting periodic replication", slog.String("error", err.Error()))
		}
	case config.ModeManual:
		// Sync only runs on POST /sync.
	}

	r.logger.Info("sync mode applied", slog.String("mode", sc.Mode), slog.Duration("interval", interval))
}

func (r *modeRunner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.mode = ""
}

func (r *modeRunner) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel, r.done = nil, nil
	}

	r.coord.StopAutoReplication()
	r.coord.StopSync()
}
