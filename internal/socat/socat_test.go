package socat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vortexl2/vortexl2/internal/config"
)

// fakeHost is a fake process table doubling as the launcher: launched
// forwards appear in the table unless their port is listed in deadPorts,
// which emulates a process dying right after start.
type fakeHost struct {
	mu        sync.Mutex
	table     map[int]runningForward
	nextPID   int32
	launched  []int
	killed    []int32
	deadPorts map[int]bool
	scanErr   error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		table:     make(map[int]runningForward),
		nextPID:   100,
		deadPorts: make(map[int]bool),
	}
}

func (f *fakeHost) Forwards(ctx context.Context, binName string) ([]runningForward, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []runningForward
	for _, fwd := range f.table {
		out = append(out, fwd)
	}
	return out, nil
}

func (f *fakeHost) Kill(ctx context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	for port, fwd := range f.table {
		if fwd.PID == pid {
			delete(f.table, port)
		}
	}
	return nil
}

func (f *fakeHost) Launch(listenPort int, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, listenPort)
	if f.deadPorts[listenPort] {
		return nil
	}
	f.nextPID++
	f.table[listenPort] = runningForward{PID: f.nextPID, ListenPort: listenPort, Target: target}
	return nil
}

func (f *fakeHost) run(port int, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.table[port] = runningForward{PID: f.nextPID, ListenPort: port, Target: target}
}

func newTestManager(host *fakeHost) *Manager {
	m := NewManager(DefaultBinary, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.procs = host
	m.launch = host
	m.verifyWindow = 200 * time.Millisecond
	return m
}

func rule(listen int, target string, targetPort int) config.ForwardRule {
	return config.ForwardRule{
		TunnelID:   "paris",
		ListenPort: listen,
		TargetIP:   target,
		TargetPort: targetPort,
		Protocol:   config.ProtoTCP,
	}
}

func TestCompile_deterministicAndSorted(t *testing.T) {
	t.Parallel()

	a := []config.ForwardRule{rule(8080, "10.30.0.2", 80), rule(443, "10.30.0.2", 443)}
	b := []config.ForwardRule{rule(443, "10.30.0.2", 443), rule(8080, "10.30.0.2", 80)}

	docA, err := Compile(a)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	docB, err := Compile(b)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if diff := cmp.Diff(string(docA), string(docB)); diff != "" {
		t.Errorf("insertion order changed the document (-a +b):\n%s", diff)
	}
	if !strings.Contains(string(docA), "forward 443/tcp -> 10.30.0.2:443\n") {
		t.Errorf("document lacks the 443 forward:\n%s", docA)
	}
}

func TestCompile_collision(t *testing.T) {
	t.Parallel()

	_, err := Compile([]config.ForwardRule{rule(443, "10.30.0.2", 443), rule(443, "10.30.0.6", 8443)})
	if err == nil {
		t.Fatal("Compile() accepted two rules on 443/tcp")
	}
	if !strings.Contains(err.Error(), "443/tcp") {
		t.Errorf("collision error does not name the listener: %v", err)
	}
}

func TestCompile_udpAdvisoryOnly(t *testing.T) {
	t.Parallel()

	udp := rule(53, "10.30.0.2", 53)
	udp.Protocol = config.ProtoUDP
	doc, err := Compile([]config.ForwardRule{udp})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	if !strings.Contains(string(doc), "# udp 53 -> 10.30.0.2:53") {
		t.Errorf("udp rule missing from the advisory section:\n%s", doc)
	}
	if len(parseDoc(doc)) != 0 {
		t.Error("udp advisory line parsed as a forward")
	}
}

func TestApply_startsMissingForwards(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	m := newTestManager(host)
	doc, err := Compile([]config.ForwardRule{rule(443, "10.30.0.2", 443), rule(8080, "10.30.0.2", 80)})
	if err != nil {
		t.Fatal(err)
	}

	changed, err := m.Apply(context.Background(), doc)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !changed {
		t.Error("Apply() = unchanged, want changed on first run")
	}
	if len(host.launched) != 2 {
		t.Errorf("launched = %v, want both ports", host.launched)
	}
	if len(host.killed) != 0 {
		t.Errorf("killed = %v, want none", host.killed)
	}
}

func TestApply_unchangedSetIsNoop(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.run(443, "10.30.0.2:443")
	m := newTestManager(host)
	doc, err := Compile([]config.ForwardRule{rule(443, "10.30.0.2", 443)})
	if err != nil {
		t.Fatal(err)
	}

	changed, err := m.Apply(context.Background(), doc)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if changed {
		t.Error("Apply() = changed for an already-converged set")
	}
	if len(host.launched) != 0 || len(host.killed) != 0 {
		t.Errorf("converged set touched processes: launched=%v killed=%v", host.launched, host.killed)
	}
}

func TestApply_retargetsChangedForward(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.run(443, "10.30.0.2:443")
	m := newTestManager(host)
	doc, err := Compile([]config.ForwardRule{rule(443, "10.30.0.6", 8443)})
	if err != nil {
		t.Fatal(err)
	}

	changed, err := m.Apply(context.Background(), doc)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !changed {
		t.Error("Apply() = unchanged, want changed on retarget")
	}
	if len(host.killed) != 1 {
		t.Errorf("killed = %v, want the old process", host.killed)
	}
	if got := host.table[443].Target; got != "10.30.0.6:8443" {
		t.Errorf("forward 443 target = %q, want the new one", got)
	}
}

func TestApply_stopsStaleForwards(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.run(443, "10.30.0.2:443")
	host.run(8080, "10.30.0.2:80")
	m := newTestManager(host)
	doc, err := Compile([]config.ForwardRule{rule(443, "10.30.0.2", 443)})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Apply(context.Background(), doc); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if _, ok := host.table[8080]; ok {
		t.Error("stale forward 8080 still running")
	}
	if _, ok := host.table[443]; !ok {
		t.Error("desired forward 443 was stopped")
	}
}

func TestApply_forwardDiesAfterLaunch(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.deadPorts[443] = true
	m := newTestManager(host)
	doc, err := Compile([]config.ForwardRule{rule(443, "10.30.0.2", 443)})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Apply(context.Background(), doc); err == nil {
		t.Fatal("Apply() succeeded though the forward never came up")
	}
}

func TestActiveConfigRendersRunningSet(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.run(8080, "10.30.0.2:80")
	host.run(443, "10.30.0.2:443")
	m := newTestManager(host)

	active, err := m.ActiveConfig()
	if err != nil {
		t.Fatalf("ActiveConfig() error: %v", err)
	}
	want := docHeader +
		"forward 443/tcp -> 10.30.0.2:443\n" +
		"forward 8080/tcp -> 10.30.0.2:80\n"
	if diff := cmp.Diff(want, string(active)); diff != "" {
		t.Errorf("active document mismatch (-want +got):\n%s", diff)
	}
}

func TestIncludes(t *testing.T) {
	t.Parallel()

	m := newTestManager(newFakeHost())
	doc, err := Compile([]config.ForwardRule{rule(443, "10.30.0.2", 443)})
	if err != nil {
		t.Fatal(err)
	}

	if !m.Includes(doc, rule(443, "10.30.0.2", 443)) {
		t.Error("compiled rule not found in its own document")
	}
	if m.Includes(doc, rule(8080, "10.30.0.2", 80)) {
		t.Error("absent rule reported as included")
	}
	udp := rule(443, "10.30.0.2", 443)
	udp.Protocol = config.ProtoUDP
	if m.Includes(doc, udp) {
		t.Error("udp rule reported as a live forward")
	}
}

func TestParseArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args []string
		want runningForward
		ok   bool
	}{
		{
			args: []string{"socat", "TCP-LISTEN:443,fork,reuseaddr", "TCP:10.30.0.2:443"},
			want: runningForward{ListenPort: 443, Target: "10.30.0.2:443"},
			ok:   true,
		},
		{
			args: []string{"socat", "UDP-LISTEN:53", "UDP:10.30.0.2:53"},
			ok:   false,
		},
		{
			args: []string{"socat", "-V"},
			ok:   false,
		},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.args), func(t *testing.T) {
			got, ok := parseArgs(tc.args)
			if ok != tc.ok {
				t.Fatalf("parseArgs(%v) ok = %v, want %v", tc.args, ok, tc.ok)
			}
			if ok && (got.ListenPort != tc.want.ListenPort || got.Target != tc.want.Target) {
				t.Errorf("parseArgs(%v) = %+v, want %+v", tc.args, got, tc.want)
			}
		})
	}
}
