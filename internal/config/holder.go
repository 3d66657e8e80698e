package config

import "sync"

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. The sync daemon and the status API read through a
// shared Holder, so a reload updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
	env  EnvOverrides
	cli  CLIOverrides
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// WithOverrides records the environment and CLI layers so Reload re-applies
// them on top of the file.
func (h *Holder) WithOverrides(env EnvOverrides, cli CLIOverrides) *Holder {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.env = env
	h.cli = cli

	return h
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-reads the config file with the recorded overrides. On error the
// current config is kept.
func (h *Holder) Reload() (*Config, error) {
	h.mu.RLock()
	env, cli := h.env, h.cli
	h.mu.RUnlock()

	cfg, err := resolveAt(h.path, env, cli)
	if err != nil {
		return nil, err
	}

	h.Update(cfg)

	return cfg, nil
}
