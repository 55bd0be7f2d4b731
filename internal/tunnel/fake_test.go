package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fake L2TP kernel ---

// fakeKernel emulates the kernel's l2tp object store behind `ip l2tp` and
// the rtnetlink link table, so driver tests exercise real command
// round-trips (add, show, del) without root. It implements both Runner and
// linkOps. Thread-safe.
type fakeKernel struct {
	mu       sync.Mutex
	tunnels  map[uint32]l2tpTunnel
	sessions []l2tpSession
	links    map[string]*linkInfo
	addrs    map[string]string

	calls  []string
	failOn map[string]error // command prefix -> injected error
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		tunnels: make(map[uint32]l2tpTunnel),
		links:   make(map[string]*linkInfo),
		addrs:   make(map[string]string),
		failOn:  make(map[string]error),
	}
}

func (k *fakeKernel) Run(ctx context.Context, name string, args ...string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	cmd := name + " " + strings.Join(args, " ")
	k.calls = append(k.calls, cmd)
	for prefix, err := range k.failOn {
		if strings.HasPrefix(cmd, prefix) {
			return "", err
		}
	}

	switch {
	case name == "modprobe":
		return "", nil
	case strings.HasPrefix(cmd, "ip l2tp show tunnel"):
		return k.renderTunnels(), nil
	case strings.HasPrefix(cmd, "ip l2tp show session"):
		return k.renderSessions(), nil
	case strings.HasPrefix(cmd, "ip l2tp add tunnel"):
		kv := argMap(args[3:])
		id := mustU32(kv["tunnel_id"])
		if _, exists := k.tunnels[id]; exists {
			return "", fmt.Errorf("RTNETLINK answers: File exists")
		}
		k.tunnels[id] = l2tpTunnel{
			ID:     id,
			PeerID: mustU32(kv["peer_tunnel_id"]),
			Local:  kv["local"],
			Remote: kv["remote"],
		}
		return "", nil
	case strings.HasPrefix(cmd, "ip l2tp add session"):
		kv := argMap(args[3:])
		tid := mustU32(kv["tunnel_id"])
		if _, exists := k.tunnels[tid]; !exists {
			return "", fmt.Errorf("RTNETLINK answers: No such file or directory")
		}
		k.sessions = append(k.sessions, l2tpSession{
			ID:        mustU32(kv["session_id"]),
			TunnelID:  tid,
			PeerID:    mustU32(kv["peer_session_id"]),
			Interface: kv["name"],
		})
		// The kernel materializes the l2tpeth interface asynchronously; the
		// fake does it immediately.
		k.links[kv["name"]] = &linkInfo{Present: true}
		return "", nil
	case strings.HasPrefix(cmd, "ip l2tp del session"):
		kv := argMap(args[3:])
		tid, sid := mustU32(kv["tunnel_id"]), mustU32(kv["session_id"])
		kept := k.sessions[:0]
		for _, s := range k.sessions {
			if s.TunnelID == tid && s.ID == sid {
				delete(k.links, s.Interface)
				continue
			}
			kept = append(kept, s)
		}
		k.sessions = kept
		return "", nil
	case strings.HasPrefix(cmd, "ip l2tp del tunnel"):
		kv := argMap(args[3:])
		tid := mustU32(kv["tunnel_id"])
		if _, exists := k.tunnels[tid]; !exists {
			return "", fmt.Errorf("get tunnel: No such file or directory")
		}
		delete(k.tunnels, tid)
		kept := k.sessions[:0]
		for _, s := range k.sessions {
			if s.TunnelID == tid {
				delete(k.links, s.Interface)
				continue
			}
			kept = append(kept, s)
		}
		k.sessions = kept
		return "", nil
	}
	return "", fmt.Errorf("fakeKernel: unhandled command %q", cmd)
}

func (k *fakeKernel) EnsureAddr(ifName, cidr string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.links[ifName]; !ok {
		return fmt.Errorf("link %s not found", ifName)
	}
	k.addrs[ifName] = cidr
	return nil
}

func (k *fakeKernel) SetUp(ifName string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	info, ok := k.links[ifName]
	if !ok {
		return fmt.Errorf("link %s not found", ifName)
	}
	info.Up = true
	return nil
}

func (k *fakeKernel) State(ifName string) (linkInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if info, ok := k.links[ifName]; ok {
		return *info, nil
	}
	return linkInfo{}, nil
}

func (k *fakeKernel) renderTunnels() string {
	var b strings.Builder
	for _, t := range k.tunnels {
		fmt.Fprintf(&b, "Tunnel %d, encap IP\n", t.ID)
		fmt.Fprintf(&b, "  From %s to %s\n", t.Local, t.Remote)
		fmt.Fprintf(&b, "  Peer tunnel %d\n", t.PeerID)
	}
	return b.String()
}

func (k *fakeKernel) renderSessions() string {
	var b strings.Builder
	for _, s := range k.sessions {
		fmt.Fprintf(&b, "Session %d in tunnel %d\n", s.ID, s.TunnelID)
		fmt.Fprintf(&b, "  Peer session %d, tunnel %d\n", s.PeerID, s.TunnelID)
		fmt.Fprintf(&b, "  interface name: %s\n", s.Interface)
	}
	return b.String()
}

// callsMatching returns recorded commands with the given prefix.
func (k *fakeKernel) callsMatching(prefix string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []string
	for _, c := range k.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func argMap(args []string) map[string]string {
	kv := make(map[string]string, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		kv[args[i]] = args[i+1]
	}
	return kv
}

func mustU32(s string) uint32 {
	v, _ := parseU32(s)
	return v
}

// --- Fake systemctl host for the mesh driver ---

// fakeSystemd records systemctl invocations and serves scripted unit
// activity. It implements Runner.
type fakeSystemd struct {
	mu     sync.Mutex
	active map[string]bool // unit -> is-active
	calls  []string
	failOn map[string]error

	// restartActivates makes `systemctl restart <unit>` flip the unit to
	// active, like a healthy service would.
	restartActivates bool
}

func newFakeSystemd() *fakeSystemd {
	return &fakeSystemd{
		active:           make(map[string]bool),
		failOn:           make(map[string]error),
		restartActivates: true,
	}
}

func (f *fakeSystemd) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	for prefix, err := range f.failOn {
		if strings.HasPrefix(cmd, prefix) {
			return "", err
		}
	}
	if name != "systemctl" {
		return "", fmt.Errorf("fakeSystemd: unhandled command %q", cmd)
	}
	switch args[0] {
	case "is-active":
		if f.active[args[1]] {
			return "active", nil
		}
		return "inactive", fmt.Errorf("exit status 3")
	case "restart":
		if f.restartActivates {
			f.active[args[len(args)-1]] = true
		}
		return "", nil
	case "disable":
		for _, a := range args[1:] {
			if strings.HasSuffix(a, ".service") {
				f.active[a] = false
			}
		}
		return "", nil
	case "daemon-reload", "enable", "start", "stop":
		return "", nil
	}
	return "", fmt.Errorf("fakeSystemd: unhandled systemctl verb %q", args[0])
}

func (f *fakeSystemd) callsMatching(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// --- Fake link table and process list ---

type fakeLinks struct {
	mu    sync.Mutex
	links map[string]linkInfo
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: make(map[string]linkInfo)}
}

func (f *fakeLinks) set(name string, info linkInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[name] = info
}

func (f *fakeLinks) EnsureAddr(ifName, cidr string) error { return nil }
func (f *fakeLinks) SetUp(ifName string) error            { return nil }

func (f *fakeLinks) State(ifName string) (linkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[ifName], nil
}

type fakeProcs struct {
	lines []string
	err   error
}

func (f *fakeProcs) Cmdlines(ctx context.Context) ([]string, error) {
	return f.lines, f.err
}
