// Package netmon maintains a connectivity signal from two sources: the
// state of the host's network links, which is cheap but optimistic, and an
// active reachability probe, which is authoritative. Subscribers see only
// transitions.
package netmon

import (
	"context"
	"log/slog"
	"time"

	"github.com/KossiPascal/health-map-project/internal/broadcast"
)

// Defaults for Options.
const (
	DefaultLinkPollInterval = 2 * time.Second
	DefaultDebounce         = 300 * time.Millisecond
	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeTimeout     = 3 * time.Second
)

// LinkSource reports whether the host has a usable network link.
type LinkSource interface {
	LinkUp() (bool, error)
}

// Prober checks whether the remote side is reachable. It must honour ctx.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Options tunes the monitor.
type Options struct {
	LinkPollInterval time.Duration
	Debounce         time.Duration
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
}

func (o *Options) setDefaults() {
	if o.LinkPollInterval <= 0 {
		o.LinkPollInterval = DefaultLinkPollInterval
	}

	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}

	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}

	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
}

// Monitor publishes the combined connectivity signal.
type Monitor struct {
	links  LinkSource
	prober Prober
	opts   Options
	logger *slog.Logger
	state  *broadcast.Hub[bool]
}

// New creates a monitor that starts offline until Run completes its first
// check.
func New(links LinkSource, prober Prober, opts Options, logger *slog.Logger) *Monitor {
	opts.setDefaults()

	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		links:  links,
		prober: prober,
		opts:   opts,
		logger: logger,
		state:  broadcast.New(false),
	}
}

// Online returns the current connectivity value.
func (m *Monitor) Online() bool {
	return m.state.Get()
}

// Subscribe delivers the current value, then every transition.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	return m.state.Subscribe()
}

// Check probes now and publishes the result. Offline links skip the probe.
func (m *Monitor) Check(ctx context.Context) bool {
	up, err := m.links.LinkUp()
	if err != nil {
		m.logger.Debug("reading network links failed", slog.String("error", err.Error()))
	}

	online := up && m.probe(ctx)
	m.publish(online)

	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	return m.prober.Probe(ctx)
}

func (m *Monitor) publish(online bool) {
	if m.state.Set(online) {
		m.logger.Info("connectivity changed", slog.Bool("online", online))
	}
}

// Run watches links and probes until ctx is canceled. A link change is
// acted on after it has been stable for the debounce period: link-down is
// published at once, link-up is confirmed by a probe.
func (m *Monitor) Run(ctx context.Context) error {
	linkUp := m.Check(ctx)

	linkTicker := time.NewTicker(m.opts.LinkPollInterval)
	defer linkTicker.Stop()

	probeTicker := time.NewTicker(m.opts.ProbeInterval)
	defer probeTicker.Stop()

	debounce := time.NewTimer(m.opts.Debounce)
	debounce.Stop()

	defer debounce.Stop()

	pending := linkUp

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-linkTicker.C:
			up, err := m.links.LinkUp()
			if err != nil {
				m.logger.Debug("reading network links failed", slog.String("error", err.Error()))
				continue
			}

			if up != pending {
				pending = up
				debounce.Reset(m.opts.Debounce)
			}

		case <-debounce.C:
			if pending == linkUp {
				continue
			}

			linkUp = pending
			m.logger.Debug("network link changed", slog.Bool("up", linkUp))

			if !linkUp {
				m.publish(false)
				continue
			}

			m.publish(m.probe(ctx))

		case <-probeTicker.C:
			if linkUp {
				m.publish(m.probe(ctx))
			}
		}
	}
}
