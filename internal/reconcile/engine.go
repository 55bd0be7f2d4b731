// Package reconcile implements the apply engine: one pass computes the
// diff between desired state (the config store) and observed state
// (re-probed fresh every pass), applies tunnel actions, and regenerates
// and hot-reloads the forwarding-proxy configuration.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vortexl2/vortexl2/internal/config"
	"github.com/vortexl2/vortexl2/internal/tunnel"
)

// ErrApplyInProgress is returned when a second apply pass is requested
// while one is in flight. Apply passes never interleave: a partially
// written proxy configuration is not safe to interleave with another.
var ErrApplyInProgress = errors.New("an apply pass is already in progress")

// Store is the subset of the config store the engine reads. The engine
// takes one snapshot per pass and never mutates desired state.
type Store interface {
	ListTunnels() ([]config.Tunnel, error)
}

// Proxy is the forwarding-engine boundary. Each engine (haproxy, socat)
// defines its own document format; the reconciler only ever compares and
// hands documents back to the engine that compiled them. A nil Proxy
// disables the forwarding layer entirely.
type Proxy interface {
	// Compile renders the admitted rule set into the engine's document.
	// Deterministic: identical sets yield byte-identical documents.
	Compile(rules []config.ForwardRule) ([]byte, error)
	ActiveConfig() ([]byte, error)
	Apply(ctx context.Context, doc []byte) (bool, error)
	// Includes reports whether a document carries the rule.
	Includes(doc []byte, r config.ForwardRule) bool
}

// ApplyOptions selects the scope of a pass.
type ApplyOptions struct {
	// TunnelID limits EnsureUp to one tunnel; all other tunnels are
	// status-probed only, so their admitted rules stay in the compiled
	// configuration.
	TunnelID string

	// ForwardsOnly skips tunnel actions entirely (the forward daemon's
	// cheap path): tunnels are status-probed and only the forwarding layer
	// is reconciled.
	ForwardsOnly bool
}

// Engine is the single authoritative control loop. The CLI's apply
// command, the boot-time apply unit and the forward daemon all run passes
// through one Engine.
type Engine struct {
	store   Store
	drivers tunnel.Drivers
	proxy   Proxy
	log     *slog.Logger

	// workers bounds concurrent driver calls; operations on distinct
	// tunnels touch disjoint kernel/process resources.
	workers int

	mu       sync.Mutex // whole-pass exclusivity
	inFlight atomic.Bool
	tunnelMu sync.Map // tunnel ID -> *sync.Mutex
}

// New creates an Engine. A nil proxy disables the forwarding layer;
// every pass then reports all rules skipped.
func New(store Store, drivers tunnel.Drivers, proxy Proxy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		drivers: drivers,
		proxy:   proxy,
		log:     logger.With("component", "reconcile"),
		workers: 4,
	}
}

// Apply runs one reconciliation pass. A pass tolerates per-tunnel
// failures: one broken tunnel never blocks the others, and the healthy
// tunnels' rules still reach the proxy. Returns ErrApplyInProgress if a
// pass is already running.
func (e *Engine) Apply(ctx context.Context, opts ApplyOptions) (*Report, error) {
	if !e.mu.TryLock() {
		return nil, ErrApplyInProgress
	}
	defer e.mu.Unlock()
	e.inFlight.Store(true)
	defer e.inFlight.Store(false)

	start := time.Now()
	tunnels, err := e.store.ListTunnels()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	report.Tunnels = e.reconcileTunnels(ctx, tunnels, opts)
	e.reconcileForwards(ctx, tunnels, report)
	report.Duration = time.Since(start)

	e.log.Info("apply pass complete",
		"tunnels", len(report.Tunnels),
		"rules", len(report.Rules),
		"reloaded", report.Reload.Applied,
		"failed", report.Failed(),
		"duration", report.Duration,
	)
	return report, nil
}

// Status is a read-only probe. It never blocks on an in-flight apply; it
// rebuilds observed state fresh and reports whether an apply is running.
func (e *Engine) Status(ctx context.Context) (*Report, error) {
	start := time.Now()
	tunnels, err := e.store.ListTunnels()
	if err != nil {
		return nil, err
	}

	report := &Report{ApplyInProgress: e.inFlight.Load()}
	report.Tunnels = e.probeTunnels(ctx, tunnels)

	if e.proxy == nil {
		e.skipAllForwards(tunnels, report)
		report.Duration = time.Since(start)
		return report, nil
	}

	active, err := e.proxy.ActiveConfig()
	if err != nil {
		report.Reload.Err = err.Error()
	}
	states := stateByID(report.Tunnels)
	for i := range tunnels {
		for _, r := range tunnels[i].Rules() {
			rs := ruleStatus(r)
			if e.proxy.Includes(active, r) {
				rs.Disposition = RuleAdmitted
			} else {
				rs.Disposition = RuleSkipped
				rs.Reason = "not in live proxy configuration"
				if states[r.TunnelID] != tunnel.LinkUp {
					rs.Reason = "owning tunnel is " + string(states[r.TunnelID])
				}
			}
			report.Rules = append(report.Rules, rs)
		}
	}
	report.Duration = time.Since(start)
	return report, nil
}

// reconcileTunnels runs EnsureUp on the tunnels in scope and Status on the
// rest, fanning out over a bounded worker pool. Calls for the same tunnel
// ID are serialized by a keyed mutex.
func (e *Engine) reconcileTunnels(ctx context.Context, tunnels []config.Tunnel, opts ApplyOptions) []TunnelStatus {
	results := make([]TunnelStatus, len(tunnels))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range tunnels {
		t := &tunnels[i]
		ensure := !opts.ForwardsOnly && (opts.TunnelID == "" || opts.TunnelID == t.ID)
		g.Go(func() error {
			mu := e.lockTunnel(t.ID)
			defer mu.Unlock()
			results[i] = e.applyOne(ctx, t, ensure)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors; failures are per-tunnel results
	return results
}

func (e *Engine) probeTunnels(ctx context.Context, tunnels []config.Tunnel) []TunnelStatus {
	results := make([]TunnelStatus, len(tunnels))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range tunnels {
		t := &tunnels[i]
		g.Go(func() error {
			// No keyed lock here: probes are read-only and Status must not
			// block behind an in-flight apply.
			results[i] = e.applyOne(ctx, t, false)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return results
}

func (e *Engine) applyOne(ctx context.Context, t *config.Tunnel, ensure bool) TunnelStatus {
	status := TunnelStatus{ID: t.ID, Kind: t.Kind, State: tunnel.LinkAbsent}
	drv, err := e.drivers.For(t)
	if err != nil {
		status.Err = err.Error()
		return status
	}
	var st tunnel.ObservedState
	if ensure {
		st, err = drv.EnsureUp(ctx, t)
	} else {
		st, err = drv.Status(ctx, t)
	}
	status.State = st.Link
	status.Detail = st.Detail
	if err != nil {
		status.Err = err.Error()
		e.log.Warn("tunnel action failed", "tunnel", t.ID, "ensure", ensure, "error", err)
	}
	return status
}

// reconcileForwards computes the admitted rule set, compiles it, and
// applies the document to the proxy (steps 3-5 of the pass). Rules owned
// by a tunnel that is not up are reported skipped, not silently dropped
// from desired state; they are re-admitted as soon as their tunnel
// recovers.
func (e *Engine) reconcileForwards(ctx context.Context, tunnels []config.Tunnel, report *Report) {
	if e.proxy == nil {
		e.skipAllForwards(tunnels, report)
		return
	}
	states := stateByID(report.Tunnels)

	var admitted []config.ForwardRule
	for i := range tunnels {
		for _, r := range tunnels[i].Rules() {
			rs := ruleStatus(r)
			if states[r.TunnelID] == tunnel.LinkUp {
				rs.Disposition = RuleAdmitted
				admitted = append(admitted, r)
			} else {
				rs.Disposition = RuleSkipped
				rs.Reason = "owning tunnel is " + string(states[r.TunnelID])
			}
			report.Rules = append(report.Rules, rs)
		}
	}

	doc, err := e.proxy.Compile(admitted)
	if err != nil {
		report.CompileErr = err.Error()
		return
	}
	changed, err := e.proxy.Apply(ctx, doc)
	report.Reload.Changed = changed
	report.Reload.Applied = changed && err == nil
	if err != nil {
		report.Reload.Changed = true
		report.Reload.Err = err.Error()
	}
}

// skipAllForwards reports every rule skipped when no forwarding engine is
// configured. Desired state is untouched; switching the engine back on
// re-admits the rules on the next pass.
func (e *Engine) skipAllForwards(tunnels []config.Tunnel, report *Report) {
	for i := range tunnels {
		for _, r := range tunnels[i].Rules() {
			rs := ruleStatus(r)
			rs.Disposition = RuleSkipped
			rs.Reason = "forwarding engine is disabled"
			report.Rules = append(report.Rules, rs)
		}
	}
}

func (e *Engine) lockTunnel(id string) *sync.Mutex {
	mu, _ := e.tunnelMu.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m
}

func stateByID(statuses []TunnelStatus) map[string]tunnel.LinkState {
	states := make(map[string]tunnel.LinkState, len(statuses))
	for _, s := range statuses {
		states[s.ID] = s.State
	}
	return states
}

func ruleStatus(r config.ForwardRule) RuleStatus {
	return RuleStatus{
		TunnelID:   r.TunnelID,
		ListenPort: r.ListenPort,
		Protocol:   r.Protocol,
		TargetIP:   r.TargetIP,
		TargetPort: r.TargetPort,
	}
}
