package haproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/vortexl2/vortexl2/internal/config"
)

// runner executes an external command and returns its combined output.
type runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return trimmed, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, trimmed)
	}
	return trimmed, nil
}

// procScanner checks for a live haproxy process after a reload.
type procScanner interface {
	Running(ctx context.Context, name string) (bool, error)
}

type gopsutilScanner struct{}

func (gopsutilScanner) Running(ctx context.Context, name string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range procs {
		pn, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if pn == name {
			return true, nil
		}
	}
	return false, nil
}

// Manager owns the proxy's active configuration file and its reload
// lifecycle. Apply is the only mutation: it stages the new document,
// runs the proxy's own validator against the staged copy, and only then
// activates and hot-reloads. Any failure leaves the previously active
// configuration in place, on disk and in the running process.
type Manager struct {
	cfgPath string
	binPath string
	run     runner
	procs   procScanner
	log     *slog.Logger

	// verifyWindow bounds how long Apply waits for a live haproxy process
	// after a reload.
	verifyWindow time.Duration
}

// NewManager creates a proxy manager for the given haproxy binary and
// active configuration path.
func NewManager(binPath, cfgPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfgPath:      cfgPath,
		binPath:      binPath,
		run:          execRunner{},
		procs:        gopsutilScanner{},
		log:          logger.With("component", "haproxy"),
		verifyWindow: 5 * time.Second,
	}
}

// Compile renders the rule set; see the package-level Compile.
func (m *Manager) Compile(rules []config.ForwardRule) ([]byte, error) {
	return Compile(rules)
}

// Includes reports whether doc carries the rule; see the package-level
// Includes.
func (m *Manager) Includes(doc []byte, r config.ForwardRule) bool {
	return Includes(doc, r)
}

// ActiveConfig returns the currently active configuration document, or nil
// when none has been written yet.
func (m *Manager) ActiveConfig() ([]byte, error) {
	data, err := os.ReadFile(m.cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading active proxy config: %w", err)
	}
	return data, nil
}

// Apply activates doc. It returns (false, nil) without touching the proxy
// when doc is byte-identical to the active configuration; an idempotent
// apply must not reload. Otherwise: stage, validate, activate, hot reload.
func (m *Manager) Apply(ctx context.Context, doc []byte) (changed bool, err error) {
	active, err := m.ActiveConfig()
	if err != nil {
		return false, &ReloadError{Stage: "stage", Err: err}
	}
	if bytes.Equal(active, doc) {
		m.log.Debug("proxy config unchanged, skipping reload")
		return false, nil
	}

	staging := m.cfgPath + ".staging"
	if err := os.WriteFile(staging, doc, 0644); err != nil {
		return false, &ReloadError{Stage: "stage", Err: err}
	}
	defer os.Remove(staging)

	if out, err := m.run.Run(ctx, m.binPath, "-c", "-f", staging); err != nil {
		return false, &ReloadError{Stage: "validate", Output: out, Err: err}
	}

	if err := os.Rename(staging, m.cfgPath); err != nil {
		return false, &ReloadError{Stage: "activate", Err: err}
	}

	if err := m.reload(ctx); err != nil {
		// Put the last known good document back so the file matches the
		// configuration the proxy is still running.
		m.restore(active)
		return false, err
	}

	if err := m.verify(ctx); err != nil {
		return false, err
	}

	m.log.Info("proxy configuration reloaded", "path", m.cfgPath, "bytes", len(doc))
	return true, nil
}

// reload asks the running proxy to pick up the new configuration without
// dropping in-flight connections. A proxy that is not running at all is
// started instead; there are no connections to preserve.
func (m *Manager) reload(ctx context.Context) error {
	if out, err := m.run.Run(ctx, "systemctl", "is-active", "--quiet", "haproxy"); err != nil {
		m.log.Info("haproxy not running, starting it", "output", out)
		if out, err := m.run.Run(ctx, "systemctl", "start", "haproxy"); err != nil {
			return &ReloadError{Stage: "reload", Output: out, Err: err}
		}
		return nil
	}
	if out, err := m.run.Run(ctx, "systemctl", "reload", "haproxy"); err != nil {
		return &ReloadError{Stage: "reload", Output: out, Err: err}
	}
	return nil
}

// restore rewrites the previously active document after a failed reload.
// A nil previous document means there was none; the file is removed.
func (m *Manager) restore(previous []byte) {
	if previous == nil {
		if err := os.Remove(m.cfgPath); err != nil {
			m.log.Error("restoring empty proxy config", "error", err)
		}
		return
	}
	if err := os.WriteFile(m.cfgPath, previous, 0644); err != nil {
		m.log.Error("restoring previous proxy config", "error", err)
	}
}

// verify waits for a live haproxy process within the verify window.
func (m *Manager) verify(ctx context.Context) error {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         500 * time.Millisecond,
	}
	bo.Reset()
	deadline := time.Now().Add(m.verifyWindow)
	for {
		running, err := m.procs.Running(ctx, "haproxy")
		if err == nil && running {
			return nil
		}
		if time.Now().After(deadline) {
			if err == nil {
				err = errors.New("no haproxy process found after reload")
			}
			return &ReloadError{Stage: "verify", Err: err}
		}
		select {
		case <-ctx.Done():
			return &ReloadError{Stage: "verify", Err: ctx.Err()}
		case <-time.After(bo.NextBackOff()):
		}
	}
}
