package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/vortexl2/vortexl2/internal/config"
	"github.com/vortexl2/vortexl2/internal/haproxy"
	"github.com/vortexl2/vortexl2/internal/tunnel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fake store ---

type fakeStore struct {
	tunnels []config.Tunnel
	err     error
}

func (f *fakeStore) ListTunnels() ([]config.Tunnel, error) {
	return f.tunnels, f.err
}

// --- Fake driver ---

// fakeDriver serves scripted per-tunnel outcomes and records which tunnels
// received EnsureUp versus Status. Thread-safe: the engine fans out.
type fakeDriver struct {
	kind config.TunnelKind

	mu sync.Mutex
	// upState: state returned by EnsureUp. Missing entries come up healthy.
	upState map[string]tunnel.ObservedState
	upErr   map[string]error
	// probed: state returned by Status. Missing entries report up.
	probed map[string]tunnel.ObservedState

	ensured  []string
	statused []string

	// block, when non-nil, stalls EnsureUp until the channel closes.
	block chan struct{}
}

func newFakeDriver(kind config.TunnelKind) *fakeDriver {
	return &fakeDriver{
		kind:    kind,
		upState: make(map[string]tunnel.ObservedState),
		upErr:   make(map[string]error),
		probed:  make(map[string]tunnel.ObservedState),
	}
}

func (f *fakeDriver) Kind() config.TunnelKind { return f.kind }

func (f *fakeDriver) EnsureUp(ctx context.Context, t *config.Tunnel) (tunnel.ObservedState, error) {
	f.mu.Lock()
	f.ensured = append(f.ensured, t.ID)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.upErr[t.ID]; ok {
		st := f.upState[t.ID]
		if st.Link == "" {
			st.Link = tunnel.LinkAbsent
		}
		return st, err
	}
	if st, ok := f.upState[t.ID]; ok {
		return st, nil
	}
	return tunnel.ObservedState{Link: tunnel.LinkUp}, nil
}

func (f *fakeDriver) EnsureDown(ctx context.Context, t *config.Tunnel) error {
	return errors.New("not used by the engine")
}

func (f *fakeDriver) Status(ctx context.Context, t *config.Tunnel) (tunnel.ObservedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statused = append(f.statused, t.ID)
	if st, ok := f.probed[t.ID]; ok {
		return st, nil
	}
	return tunnel.ObservedState{Link: tunnel.LinkUp}, nil
}

func (f *fakeDriver) ensuredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ensured...)
}

func (f *fakeDriver) statusedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statused...)
}

// --- Fake proxy ---

// fakeProxy compiles real haproxy documents but applies them to an
// in-memory active config, so engine tests exercise the genuine document
// format without touching disk or systemd.
type fakeProxy struct {
	mu       sync.Mutex
	active   []byte
	applyErr error
	applies  int
}

func (f *fakeProxy) Compile(rules []config.ForwardRule) ([]byte, error) {
	return haproxy.Compile(rules)
}

func (f *fakeProxy) Includes(doc []byte, r config.ForwardRule) bool {
	return haproxy.Includes(doc, r)
}

func (f *fakeProxy) ActiveConfig() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeProxy) Apply(ctx context.Context, doc []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	if f.applyErr != nil {
		return false, f.applyErr
	}
	if string(f.active) == string(doc) {
		return false, nil
	}
	f.active = doc
	return true, nil
}

func (f *fakeProxy) applyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies
}
