package main

import (
	"fmt"

	"github.com/vortexl2/vortexl2/internal/config"
	"github.com/vortexl2/vortexl2/internal/haproxy"
	"github.com/vortexl2/vortexl2/internal/reconcile"
	"github.com/vortexl2/vortexl2/internal/socat"
	"github.com/vortexl2/vortexl2/internal/tunnel"
)

// exitCodeError carries a process exit code through cobra's RunE plumbing.
// Per-item failures exit 1; a proxy reload that left the host without the
// requested configuration exits 3.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// openStore opens (creating if needed) the state directory.
func openStore() (*config.Store, error) {
	dir := globalConfigDir
	if dir == "" {
		dir = config.DefaultDir
	}
	return config.NewStore(dir, globalLogger)
}

// newEngine assembles a reconciliation engine from the store's global
// settings and the platform drivers.
func newEngine(store *config.Store) (*reconcile.Engine, *config.Global, error) {
	global, err := store.LoadGlobal()
	if err != nil {
		return nil, nil, fmt.Errorf("loading global config: %w", err)
	}
	drivers := tunnel.Drivers{
		config.KindL2TPv3: tunnel.NewL2TPDriver(globalLogger),
		config.KindMesh:   tunnel.NewMeshDriver(globalLogger),
	}
	proxy, err := newForwarder(global)
	if err != nil {
		return nil, nil, err
	}
	return reconcile.New(store, drivers, proxy, globalLogger), global, nil
}

// newForwarder picks the forwarding engine from the host defaults. A nil
// return with no error means forwarding is disabled.
func newForwarder(global *config.Global) (reconcile.Proxy, error) {
	switch global.ForwardEngine {
	case config.EngineHAProxy:
		return haproxy.NewManager(global.HAProxyBinary, global.HAProxyConfigPath, globalLogger), nil
	case config.EngineSocat:
		return socat.NewManager(global.SocatBinary, globalLogger), nil
	case config.EngineNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown forward engine %q", global.ForwardEngine)
	}
}

// reportExit maps a finished pass to the command's exit semantics.
func reportExit(report *reconcile.Report) error {
	if report.FatalReload() {
		return &exitCodeError{code: 3, err: fmt.Errorf("proxy reload failed: %s", report.Reload.Err)}
	}
	if report.Failed() {
		return &exitCodeError{code: 1, err: fmt.Errorf("one or more tunnels failed to reconcile")}
	}
	return nil
}
