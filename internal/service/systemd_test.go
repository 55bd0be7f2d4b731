package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeRunner records commands and serves scripted is-active states.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	active map[string]bool
	failOn string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	if f.failOn != "" && strings.HasPrefix(cmd, f.failOn) {
		return "", errors.New("exit status 1")
	}
	if len(args) > 0 && args[0] == "is-active" {
		if f.active[args[1]] {
			return "active", nil
		}
		return "inactive", errors.New("exit status 3")
	}
	return "", nil
}

func (f *fakeRunner) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	run := &fakeRunner{active: make(map[string]bool)}
	m := &Manager{
		run:     run,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		unitDir: t.TempDir(),
		binPath: "/usr/local/bin/vortexl2",
	}
	return m, run
}

func TestInstall_writesUnitsAndEnables(t *testing.T) {
	t.Parallel()
	m, run := newTestManager(t)

	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("Install() error: %v", err)
	}

	for _, name := range []string{ApplyUnit, DaemonUnit} {
		unit, err := os.ReadFile(filepath.Join(m.unitDir, name))
		if err != nil {
			t.Fatalf("unit %s missing: %v", name, err)
		}
		if !strings.Contains(string(unit), "/usr/local/bin/vortexl2") {
			t.Errorf("unit %s does not reference the binary:\n%s", name, unit)
		}
	}
	applyUnit, _ := os.ReadFile(filepath.Join(m.unitDir, ApplyUnit))
	if !strings.Contains(string(applyUnit), "Type=oneshot") {
		t.Error("apply unit is not a oneshot")
	}
	daemonUnit, _ := os.ReadFile(filepath.Join(m.unitDir, DaemonUnit))
	if !strings.Contains(string(daemonUnit), "Restart=on-failure") {
		t.Error("daemon unit does not restart on failure")
	}

	if n := run.count("systemctl daemon-reload"); n != 1 {
		t.Errorf("daemon-reload calls = %d, want 1", n)
	}
	if n := run.count("systemctl enable"); n != 2 {
		t.Errorf("enable calls = %d, want 2", n)
	}
}

func TestInstall_idempotent(t *testing.T) {
	t.Parallel()
	m, run := newTestManager(t)
	ctx := context.Background()

	if err := m.Install(ctx); err != nil {
		t.Fatalf("first Install() error: %v", err)
	}
	if err := m.Install(ctx); err != nil {
		t.Fatalf("second Install() error: %v", err)
	}
	if n := run.count("systemctl daemon-reload"); n != 1 {
		t.Errorf("daemon-reload calls = %d, want 1 (unchanged units must not reload)", n)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	m, run := newTestManager(t)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if n := run.count(fmt.Sprintf("systemctl start %s", DaemonUnit)); n != 1 {
		t.Errorf("start calls = %d, want 1", n)
	}
	if n := run.count(fmt.Sprintf("systemctl stop %s", DaemonUnit)); n != 1 {
		t.Errorf("stop calls = %d, want 1", n)
	}

	run.failOn = "systemctl start"
	if err := m.Start(ctx); err == nil {
		t.Error("Start() succeeded despite systemctl failure")
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	m, run := newTestManager(t)
	ctx := context.Background()

	if err := m.Install(ctx); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	run.active[DaemonUnit] = true

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("Status() returned %d entries, want 2", len(statuses))
	}
	for _, st := range statuses {
		if !st.Installed {
			t.Errorf("unit %s reported not installed", st.Unit)
		}
	}
	byUnit := map[string]UnitStatus{}
	for _, st := range statuses {
		byUnit[st.Unit] = st
	}
	if got := byUnit[DaemonUnit].Active; got != "active" {
		t.Errorf("daemon unit state = %q, want active", got)
	}
	if got := byUnit[ApplyUnit].Active; got != "inactive" {
		t.Errorf("apply unit state = %q, want inactive", got)
	}
}
