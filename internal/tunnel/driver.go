// Package tunnel brings a tunnel's live kernel/process state in line with
// its configuration record and reports observed health. Drivers hold no
// state between calls: every reconciliation pass re-probes the system, so
// a manual `ip l2tp del` or a crashed mesh process is always rediscovered.
package tunnel

import (
	"context"
	"fmt"

	"github.com/vortexl2/vortexl2/internal/config"
)

// LinkState is the observed condition of one tunnel.
type LinkState string

const (
	// LinkAbsent: no kernel tunnel / process exists.
	LinkAbsent LinkState = "absent"
	// LinkPending: resources partially created, link not yet confirmed.
	LinkPending LinkState = "pending"
	// LinkUp: tunnel fully established.
	LinkUp LinkState = "up"
	// LinkDegraded: process or kernel object alive but link not confirmed.
	LinkDegraded LinkState = "degraded"
)

// ObservedState is derived, never persisted: it is rebuilt fresh on every
// reconciliation pass.
type ObservedState struct {
	Link   LinkState
	Detail string
}

// TunnelError reports a failed kernel or process action for one tunnel.
// It is per-tunnel and non-fatal to an apply pass.
type TunnelError struct {
	TunnelID string
	Op       string
	Err      error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel %s: %s: %v", e.TunnelID, e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

func opErr(id, op string, err error) error {
	return &TunnelError{TunnelID: id, Op: op, Err: err}
}

// Driver translates a tunnel record into concrete kernel-interface or
// subprocess actions. Implementations must be safe for concurrent use on
// distinct tunnel IDs. The reconciler serializes mutating calls (EnsureUp,
// EnsureDown) for the same ID; Status probes are not serialized and may
// run concurrently with a mutating call, so Status must tolerate observing
// a tunnel mid-transition.
type Driver interface {
	// Kind reports which tunnel kind this driver handles.
	Kind() config.TunnelKind

	// EnsureUp is idempotent: calling it twice with the same record yields
	// the same end state with no duplicate interfaces or processes. A live
	// tunnel with divergent parameters is torn down and recreated.
	EnsureUp(ctx context.Context, t *config.Tunnel) (ObservedState, error)

	// EnsureDown tears the tunnel down. Already-down is success.
	EnsureDown(ctx context.Context, t *config.Tunnel) error

	// Status is a read-only probe; it must not mutate system state.
	Status(ctx context.Context, t *config.Tunnel) (ObservedState, error)
}

// Drivers maps each tunnel kind to its driver.
type Drivers map[config.TunnelKind]Driver

// For returns the driver for the record's kind.
func (d Drivers) For(t *config.Tunnel) (Driver, error) {
	drv, ok := d[t.Kind]
	if !ok {
		return nil, opErr(t.ID, "select driver", fmt.Errorf("no driver for kind %q", t.Kind))
	}
	return drv, nil
}
