package reconcile

import (
	"fmt"
	"io"
	"time"

	"github.com/vortexl2/vortexl2/internal/config"
	"github.com/vortexl2/vortexl2/internal/tunnel"
)

// RuleDisposition records what an apply pass decided for one forward rule.
type RuleDisposition string

const (
	// RuleAdmitted: the owning tunnel is up and the rule is part of the
	// compiled forwarding configuration.
	RuleAdmitted RuleDisposition = "admitted"
	// RuleSkipped: the rule was excluded from this pass. Skipped rules stay
	// in desired state and are re-evaluated on the next pass.
	RuleSkipped RuleDisposition = "skipped"
)

// TunnelStatus is the per-tunnel outcome of a pass.
type TunnelStatus struct {
	ID    string           `json:"id"`
	Kind  config.TunnelKind `json:"kind"`
	State tunnel.LinkState `json:"state"`
	Detail string          `json:"detail,omitempty"`
	Err   string           `json:"error,omitempty"`
}

// RuleStatus is the per-rule outcome of a pass.
type RuleStatus struct {
	TunnelID    string          `json:"tunnel_id"`
	ListenPort  int             `json:"listen_port"`
	Protocol    config.Protocol `json:"protocol"`
	TargetIP    string          `json:"target_ip"`
	TargetPort  int             `json:"target_port"`
	Disposition RuleDisposition `json:"disposition"`
	Reason      string          `json:"reason,omitempty"`
}

// ReloadStatus is the outcome of the proxy configuration step.
type ReloadStatus struct {
	// Changed reports whether the compiled document differed from the
	// active one. An unchanged document skips the reload entirely.
	Changed bool   `json:"changed"`
	Applied bool   `json:"applied"`
	Err     string `json:"error,omitempty"`
}

// Report is the structured outcome of one reconciliation pass (or of a
// read-only status probe).
type Report struct {
	Tunnels []TunnelStatus `json:"tunnels"`
	Rules   []RuleStatus   `json:"rules"`
	Reload  ReloadStatus   `json:"reload"`

	// CompileErr is set when the admitted rule set failed to compile
	// (a listener conflict). The previous proxy configuration stays
	// active; the conflict is correctable desired-state input, so it
	// counts as a per-item failure, not a failed reload.
	CompileErr string `json:"compile_error,omitempty"`

	ApplyInProgress bool          `json:"apply_in_progress,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Failed reports whether any per-item action failed.
func (r *Report) Failed() bool {
	if r.Reload.Err != "" || r.CompileErr != "" {
		return true
	}
	for _, t := range r.Tunnels {
		if t.Err != "" {
			return true
		}
	}
	return false
}

// FatalReload reports whether the proxy rejected or failed to apply a
// changed configuration, the condition behind exit code 3.
func (r *Report) FatalReload() bool { return r.Reload.Err != "" }

// Render writes a human-readable per-item summary.
func (r *Report) Render(w io.Writer) {
	if r.ApplyInProgress {
		fmt.Fprintln(w, "note: an apply pass is currently in progress")
	}
	if len(r.Tunnels) == 0 {
		fmt.Fprintln(w, "no tunnels configured")
	}
	for _, t := range r.Tunnels {
		line := fmt.Sprintf("tunnel %-16s %-7s %s", t.ID, t.Kind, t.State)
		if t.Detail != "" {
			line += " (" + t.Detail + ")"
		}
		if t.Err != "" {
			line += " error: " + t.Err
		}
		fmt.Fprintln(w, line)
	}
	for _, rule := range r.Rules {
		line := fmt.Sprintf("  rule %d/%s -> %s:%d [%s] %s",
			rule.ListenPort, rule.Protocol, rule.TargetIP, rule.TargetPort, rule.TunnelID, rule.Disposition)
		if rule.Reason != "" {
			line += ": " + rule.Reason
		}
		fmt.Fprintln(w, line)
	}
	if r.CompileErr != "" {
		fmt.Fprintf(w, "rule compilation: FAILED: %s\n", r.CompileErr)
	}
	switch {
	case r.Reload.Err != "":
		fmt.Fprintf(w, "proxy reload: FAILED: %s\n", r.Reload.Err)
	case r.Reload.Changed && r.Reload.Applied:
		fmt.Fprintln(w, "proxy reload: applied")
	default:
		fmt.Fprintln(w, "proxy reload: not needed")
	}
}
