package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KossiPascal/health-map-project/internal/config"
	"github.com/KossiPascal/health-map-project/internal/couch"
	"github.com/KossiPascal/health-map-project/internal/docs"
	"github.com/KossiPascal/health-map-project/internal/identity"
	"github.com/KossiPascal/health-map-project/internal/localdb"
	"github.com/KossiPascal/health-map-project/internal/netmon"
	"github.com/KossiPascal/health-map-project/internal/replicate"
	"github.com/KossiPascal/health-map-project/internal/syncer"
)

const dataDirPermissions = 0o700

// errNoRemote is returned by commands that cannot work from the local store
// alone.
var errNoRemote = errors.New("no remote configured: set remote.url or pass --remote")

// app is the per-invocation session context: the opened stores, the acting
// identity and the coordinator bound to them. Commands build one, use it,
// and close it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	local    *localdb.Store
	remote   *couch.Client
	user     identity.Identity
	registry *prometheus.Registry
	coord    *syncer.Coordinator

	destroyed bool
}

// openApp opens the local store and, when a remote url is configured, the
// remote client. A saved session is required.
func openApp(ctx context.Context, cc *CLIContext) (*app, error) {
	cfg := cc.Holder.Config()

	sess, err := identity.LoadSession(cfg.SessionPath())
	if err != nil {
		if errors.Is(err, identity.ErrNotLoggedIn) {
			return nil, fmt.Errorf("%w: run 'healthmap login' first", err)
		}

		return nil, err
	}

	user, err := sess.Identity()
	if err != nil {
		return nil, fmt.Errorf("reading session identity: %w", err)
	}

	if user.Expired(time.Now()) {
		cc.Logger.Warn("session token has expired, remote calls will be denied",
			slog.String("user", user.Username),
		)
	}

	if err := os.MkdirAll(cfg.DataDir, dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	local, err := localdb.NewStore(cfg.DatabasePath(), cc.Logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   cc.Logger,
		local:    local,
		user:     user,
		registry: prometheus.NewRegistry(),
	}

	if cfg.Remote.URL != "" {
		a.remote = couch.NewClient(cfg.Remote.URL, cfg.Remote.Database,
			couch.NewHTTPClient(sess.TokenSource(), cfg.Remote.Timeout()),
			cc.Logger,
			couch.Options{
				MaxRetries:  cfg.Sync.MaxRetries,
				BaseBackoff: cfg.Sync.BaseBackoffDuration(),
				MaxBackoff:  cfg.Sync.MaxBackoffDuration(),
				MaxBodySize: cfg.Remote.BodyLimit(),
			})

		if cfg.Remote.InstallDesignDocs {
			if err := a.installDesignDocs(ctx); err != nil {
				cc.Logger.Warn("installing design documents failed", slog.String("error", err.Error()))
			}
		}
	}

	a.coord = syncer.New(cc.Logger, syncerOptions(cfg, syncer.NewMetrics(a.registry)))

	if a.remote != nil {
		a.coord.Initialize(a.local, a.remote, a.scope())
	}

	return a, nil
}

func syncerOptions(cfg *config.Config, m *syncer.Metrics) syncer.Options {
	return syncer.Options{
		BatchSize:        cfg.Sync.BatchSize,
		PollInterval:     cfg.Sync.PollDuration(),
		MaxRetries:       cfg.Sync.MaxRetries,
		BaseBackoff:      cfg.Sync.BaseBackoffDuration(),
		MaxBackoff:       cfg.Sync.MaxBackoffDuration(),
		ResolveConflicts: cfg.Sync.ResolveConflicts,
		PurgeTombstones:  cfg.Sync.PurgeTombstones,
		Metrics:          m,
	}
}

func (a *app) installDesignDocs(ctx context.Context) error {
	if err := a.remote.EnsureDatabase(ctx); err != nil {
		return err
	}

	return a.remote.EnsureDesignDocs(ctx)
}

func (a *app) scope() syncer.Scope {
	return syncer.Scope{Owner: a.user.ID, Admin: a.user.Admin}
}

// requireRemote fails when no remote is bound.
func (a *app) requireRemote() error {
	if a.remote == nil {
		return errNoRemote
	}

	return nil
}

// newMonitor builds the connectivity monitor. Without a remote it is
// permanently offline.
func (a *app) newMonitor() *netmon.Monitor {
	opts := netmon.Options{
		LinkPollInterval: a.cfg.Network.LinkPollDuration(),
		Debounce:         a.cfg.Network.DebounceDuration(),
		ProbeInterval:    a.cfg.Network.ProbeIntervalDuration(),
		ProbeTimeout:     a.cfg.Network.ProbeTimeoutDuration(),
	}

	if a.remote == nil {
		return netmon.New(netmon.StaticLinks(false), &netmon.HTTPProber{}, opts, a.logger)
	}

	prober := &netmon.HTTPProber{URL: a.cfg.EffectiveProbeURL()}

	return netmon.New(netmon.InterfaceLinks{}, prober, opts, a.logger)
}

// checkOnline probes once. One-shot commands use the result for the whole
// invocation.
func (a *app) checkOnline(ctx context.Context) bool {
	if a.remote == nil {
		return false
	}

	return a.newMonitor().Check(ctx)
}

// repository builds the access layer. Writes record a sync request in the
// returned trigger instead of syncing in the background.
func (a *app) repository(online bool) (*docs.Repository, *pendingSync) {
	trigger := &pendingSync{}

	cfg := docs.Config{
		Local:   a.local,
		User:    docs.User{ID: a.user.ID, Admin: a.user.Admin},
		Network: staticOnline(online),
		Sync:    trigger,
		Logger:  a.logger,
	}

	// Leave Remote a nil interface rather than a typed nil pointer.
	if a.remote != nil {
		cfg.Remote = a.remote
	}

	return docs.New(cfg), trigger
}

// flush runs the sync a write requested, if the remote is reachable.
func (a *app) flush(ctx context.Context, trigger *pendingSync, online bool) error {
	if !trigger.requested || a.remote == nil || !online {
		return nil
	}

	return a.coord.ManualSync(ctx)
}

// pendingPush counts local revisions the remote lacks.
func (a *app) pendingPush(ctx context.Context) (int, error) {
	if err := a.requireRemote(); err != nil {
		return 0, err
	}

	return replicate.Pending(ctx, a.local, a.remote, replicate.Options{
		BatchSize: a.cfg.Sync.BatchSize,
		Logger:    a.logger,
	})
}

func (a *app) Close() {
	a.coord.StopAutoReplication()
	a.coord.StopSync()

	if a.destroyed {
		return
	}

	if err := a.local.Close(); err != nil {
		a.logger.Warn("closing local database", slog.String("error", err.Error()))
	}
}

// destroyLocal deletes the local database. The coordinator owns the store
// when a remote is bound. The app must only be closed afterwards.
func (a *app) destroyLocal(ctx context.Context) error {
	a.destroyed = true

	if a.remote != nil {
		return a.coord.Destroy(ctx)
	}

	return a.local.Destroy(ctx)
}

// pendingSync records that a sync was requested.
type pendingSync struct {
	requested bool
}

func (p *pendingSync) RequestSync() { p.requested = true }

// staticOnline is a fixed connectivity answer.
type staticOnline bool

func (s staticOnline) Online() bool { return bool(s) }
