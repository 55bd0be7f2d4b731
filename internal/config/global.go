package config

import "time"

// ForwardEngine selects what carries the compiled forward rules.
type ForwardEngine string

const (
	// EngineHAProxy: one haproxy instance, hot-reloaded on rule changes.
	EngineHAProxy ForwardEngine = "haproxy"
	// EngineSocat: one socat process per TCP listener.
	EngineSocat ForwardEngine = "socat"
	// EngineNone: forwarding disabled; tunnels are still reconciled.
	EngineNone ForwardEngine = "none"
)

// Global holds host-level defaults that apply to every tunnel. It is
// persisted as <dir>/config.toml, separate from the per-tunnel records.
type Global struct {
	// LogLevel is the default slog level name ("debug", "info", "warn",
	// "error") used when no --verbose flag is given.
	LogLevel string `toml:"log_level"`

	// ForwardEngine picks the forwarding engine: haproxy, socat or none.
	ForwardEngine ForwardEngine `toml:"forward_engine"`

	// HAProxyBinary is the path of the haproxy executable used for config
	// validation.
	HAProxyBinary string `toml:"haproxy_binary"`

	// HAProxyConfigPath is the active forwarding-proxy configuration file
	// managed by the orchestrator.
	HAProxyConfigPath string `toml:"haproxy_config_path"`

	// SocatBinary is the socat executable used when ForwardEngine is socat.
	SocatBinary string `toml:"socat_binary"`

	// DaemonPollInterval is the forward daemon's store poll period, the
	// fallback when filesystem notifications are unavailable.
	DaemonPollInterval Duration `toml:"daemon_poll_interval"`

	// ReapplySchedule is an optional cron expression; when set, the forward
	// daemon runs a full tunnel re-apply on that schedule.
	ReapplySchedule string `toml:"reapply_schedule,omitempty"`
}

// Duration wraps time.Duration with TOML text marshalling ("10s", "1m").
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DefaultGlobal returns the host defaults used when no config.toml exists.
func DefaultGlobal() *Global {
	return &Global{
		LogLevel:           "info",
		ForwardEngine:      EngineHAProxy,
		HAProxyBinary:      "/usr/sbin/haproxy",
		HAProxyConfigPath:  "/etc/haproxy/haproxy.cfg",
		SocatBinary:        "/usr/bin/socat",
		DaemonPollInterval: Duration(10 * time.Second),
	}
}

// Validate checks the host defaults.
func (g *Global) Validate() error {
	switch g.ForwardEngine {
	case EngineHAProxy, EngineSocat, EngineNone:
		return nil
	default:
		return validationErrorf("forward_engine", "must be haproxy, socat or none, got %q", g.ForwardEngine)
	}
}

func applyGlobalDefaults(g *Global) {
	def := DefaultGlobal()
	if g.LogLevel == "" {
		g.LogLevel = def.LogLevel
	}
	if g.ForwardEngine == "" {
		g.ForwardEngine = def.ForwardEngine
	}
	if g.HAProxyBinary == "" {
		g.HAProxyBinary = def.HAProxyBinary
	}
	if g.HAProxyConfigPath == "" {
		g.HAProxyConfigPath = def.HAProxyConfigPath
	}
	if g.SocatBinary == "" {
		g.SocatBinary = def.SocatBinary
	}
	if g.DaemonPollInterval == 0 {
		g.DaemonPollInterval = def.DaemonPollInterval
	}
}
