// Package socat forwards TCP listeners with one socat process per rule,
// the lightweight alternative to the haproxy engine. The desired process
// set is rendered as a deterministic document so the reconciler can diff,
// no-op and status-probe it exactly like a proxy configuration file; the
// "active configuration" is rebuilt from the live process table, so a
// killed or crashed forward is rediscovered on the next pass.
package socat

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/vortexl2/vortexl2/internal/config"
)

// DefaultBinary is the socat executable path.
const DefaultBinary = "/usr/bin/socat"

const docHeader = "# Generated by vortexl2. One socat process per forward; do not edit.\n"

// runningForward is one live socat listener found in the process table.
type runningForward struct {
	PID        int32
	ListenPort int
	Target     string // ip:port
}

// procController scans and terminates socat forward processes. The real
// implementation uses gopsutil; tests substitute a fake process table.
type procController interface {
	Forwards(ctx context.Context, binName string) ([]runningForward, error)
	Kill(ctx context.Context, pid int32) error
}

type gopsutilController struct{}

func (gopsutilController) Forwards(ctx context.Context, binName string) ([]runningForward, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var out []runningForward
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name != binName {
			continue
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		fwd, ok := parseArgs(args)
		if !ok {
			continue
		}
		fwd.PID = p.Pid
		out = append(out, fwd)
	}
	return out, nil
}

func (gopsutilController) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

// launcher starts one detached socat process. Detached because forwards
// must outlive the apply run that created them.
type launcher interface {
	Launch(listenPort int, target string) error
}

type execLauncher struct {
	binPath string
}

func (l execLauncher) Launch(listenPort int, target string) error {
	cmd := exec.Command(l.binPath,
		fmt.Sprintf("TCP-LISTEN:%d,fork,reuseaddr", listenPort),
		"TCP:"+target,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting socat for port %d: %w", listenPort, err)
	}
	return cmd.Process.Release()
}

// Manager drives the per-port socat process set. It satisfies the same
// boundary as the haproxy manager: Compile renders desired state into a
// document, Apply converges the process table onto it, ActiveConfig
// re-renders the live table for status probes.
type Manager struct {
	binPath string
	procs   procController
	launch  launcher
	log     *slog.Logger

	// verifyWindow bounds how long Apply waits for started forwards to
	// appear in the process table.
	verifyWindow time.Duration
}

// NewManager creates a socat forward manager for the given binary path.
func NewManager(binPath string, logger *slog.Logger) *Manager {
	if binPath == "" {
		binPath = DefaultBinary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		binPath:      binPath,
		procs:        gopsutilController{},
		launch:       execLauncher{binPath: binPath},
		log:          logger.With("component", "socat"),
		verifyWindow: 5 * time.Second,
	}
}

// Compile renders a forward-rule set into the socat document: one line per
// TCP listener, sorted, so identical sets produce byte-identical output.
// Socat forwards TCP only; UDP rules stay in the document as an advisory
// section, matching the haproxy engine's treatment.
func Compile(rules []config.ForwardRule) ([]byte, error) {
	sorted := make([]config.ForwardRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ListenPort != sorted[j].ListenPort {
			return sorted[i].ListenPort < sorted[j].ListenPort
		}
		return sorted[i].Protocol < sorted[j].Protocol
	})

	seen := make(map[string]bool, len(sorted))
	for _, r := range sorted {
		if seen[r.Key()] {
			return nil, fmt.Errorf("two rules bind listener %s", r.Key())
		}
		seen[r.Key()] = true
	}

	var b strings.Builder
	b.WriteString(docHeader)
	for _, r := range sorted {
		switch r.Protocol {
		case config.ProtoTCP:
			fmt.Fprintf(&b, "forward %d/tcp -> %s:%d\n", r.ListenPort, r.TargetIP, r.TargetPort)
		case config.ProtoUDP:
			fmt.Fprintf(&b, "# udp %d -> %s:%d (tunnel %s): not forwarded by socat\n",
				r.ListenPort, r.TargetIP, r.TargetPort, r.TunnelID)
		default:
			return nil, fmt.Errorf("rule %s has unknown protocol %q", r.Key(), r.Protocol)
		}
	}
	return []byte(b.String()), nil
}

// Compile renders the rule set; see the package-level Compile.
func (m *Manager) Compile(rules []config.ForwardRule) ([]byte, error) {
	return Compile(rules)
}

// Includes reports whether doc carries the rule as a live TCP forward.
func (m *Manager) Includes(doc []byte, r config.ForwardRule) bool {
	if r.Protocol != config.ProtoTCP {
		return false
	}
	line := fmt.Sprintf("forward %d/tcp -> %s:%d\n", r.ListenPort, r.TargetIP, r.TargetPort)
	return strings.Contains(string(doc), line)
}

// ActiveConfig renders the currently running forward set from the process
// table. There is no file on disk: the processes are the state.
func (m *Manager) ActiveConfig() ([]byte, error) {
	running, err := m.procs.Forwards(context.Background(), filepath.Base(m.binPath))
	if err != nil {
		return nil, fmt.Errorf("scanning socat processes: %w", err)
	}
	sort.Slice(running, func(i, j int) bool { return running[i].ListenPort < running[j].ListenPort })
	var b strings.Builder
	b.WriteString(docHeader)
	for _, f := range running {
		fmt.Fprintf(&b, "forward %d/tcp -> %s\n", f.ListenPort, f.Target)
	}
	return []byte(b.String()), nil
}

// Apply converges the socat process table onto doc: stale forwards are
// terminated, missing ones launched, and the result verified against a
// fresh scan. Returns (false, nil) when the running set already matches.
func (m *Manager) Apply(ctx context.Context, doc []byte) (changed bool, err error) {
	desired := parseDoc(doc)
	running, err := m.procs.Forwards(ctx, filepath.Base(m.binPath))
	if err != nil {
		return false, fmt.Errorf("scanning socat processes: %w", err)
	}

	live := make(map[int]runningForward, len(running))
	for _, f := range running {
		live[f.ListenPort] = f
	}

	for port, f := range live {
		target, want := desired[port]
		if want && target == f.Target {
			continue
		}
		m.log.Info("stopping stale socat forward", "port", port, "target", f.Target, "pid", f.PID)
		if err := m.procs.Kill(ctx, f.PID); err != nil {
			return changed, fmt.Errorf("stopping forward %d: %w", port, err)
		}
		changed = true
	}
	for port, target := range desired {
		if f, ok := live[port]; ok && f.Target == target {
			continue
		}
		m.log.Info("starting socat forward", "port", port, "target", target)
		if err := m.launch.Launch(port, target); err != nil {
			return changed, err
		}
		changed = true
	}

	if !changed {
		m.log.Debug("socat forward set unchanged")
		return false, nil
	}
	if err := m.verify(ctx, desired); err != nil {
		return true, err
	}
	m.log.Info("socat forward set converged", "forwards", len(desired))
	return true, nil
}

// verify waits until every desired forward shows up in the process table.
// A forward whose port is taken by a foreign process dies right after
// launch and is caught here.
func (m *Manager) verify(ctx context.Context, desired map[int]string) error {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         500 * time.Millisecond,
	}
	bo.Reset()
	deadline := time.Now().Add(m.verifyWindow)
	for {
		missing, err := m.missingForwards(ctx, desired)
		if err == nil && len(missing) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			if err == nil {
				err = fmt.Errorf("forwards did not come up: %v", missing)
			}
			return fmt.Errorf("verifying socat forwards: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (m *Manager) missingForwards(ctx context.Context, desired map[int]string) ([]int, error) {
	running, err := m.procs.Forwards(ctx, filepath.Base(m.binPath))
	if err != nil {
		return nil, err
	}
	live := make(map[int]string, len(running))
	for _, f := range running {
		live[f.ListenPort] = f.Target
	}
	var missing []int
	for port, target := range desired {
		if live[port] != target {
			missing = append(missing, port)
		}
	}
	sort.Ints(missing)
	return missing, nil
}

// parseDoc extracts the TCP forward lines from a compiled document.
// Advisory comment lines are ignored.
func parseDoc(doc []byte) map[int]string {
	desired := make(map[int]string)
	sc := bufio.NewScanner(bytes.NewReader(doc))
	for sc.Scan() {
		var port int
		var target string
		if _, err := fmt.Sscanf(sc.Text(), "forward %d/tcp -> %s", &port, &target); err == nil {
			desired[port] = target
		}
	}
	return desired
}

// parseArgs recognizes a socat forward command line of the shape
// `socat TCP-LISTEN:<port>,... TCP:<ip>:<port>`.
func parseArgs(args []string) (runningForward, bool) {
	var fwd runningForward
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "TCP-LISTEN:"):
			spec := strings.TrimPrefix(a, "TCP-LISTEN:")
			portStr, _, _ := strings.Cut(spec, ",")
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return runningForward{}, false
			}
			fwd.ListenPort = port
		case strings.HasPrefix(a, "TCP:"):
			fwd.Target = strings.TrimPrefix(a, "TCP:")
		}
	}
	return fwd, fwd.ListenPort != 0 && fwd.Target != ""
}
