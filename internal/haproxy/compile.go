// Package haproxy generates the forwarding-proxy configuration from the
// admitted forward-rule set and applies it to a running haproxy with a
// validate-then-hot-reload sequence that never abandons the last known
// good configuration.
package haproxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vortexl2/vortexl2/internal/config"
)

const header = `# Generated by vortexl2. Do not edit; changes are overwritten on apply.

global
    log /dev/log local0
    maxconn 4096
    daemon

defaults
    mode tcp
    log global
    option tcplog
    timeout connect 5s
    timeout client 1h
    timeout server 1h
`

// Compile converts a forward-rule set into a complete haproxy
// configuration document. It is a pure function and deterministic:
// identical rule sets produce byte-identical output regardless of
// insertion order, so a no-op apply never churns the proxy.
//
// The store already forbids (listen_port, protocol) collisions, but the
// compiler re-validates because it may be fed an externally-assembled set.
//
// HAProxy forwards TCP only. UDP rules are still part of the document as
// an advisory section so the rendered config is a faithful record of the
// admitted set; the reconciler reports them separately.
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
			return nil, &CompileError{Reason: fmt.Sprintf("two rules bind listener %s", r.Key())}
		}
		seen[r.Key()] = true
	}

	var b strings.Builder
	b.WriteString(header)
	for _, r := range sorted {
		switch r.Protocol {
		case config.ProtoTCP:
			name := sectionName(r)
			fmt.Fprintf(&b, "\nfrontend fe_%s\n", name)
			fmt.Fprintf(&b, "    bind *:%d\n", r.ListenPort)
			fmt.Fprintf(&b, "    default_backend be_%s\n", name)
			fmt.Fprintf(&b, "\nbackend be_%s\n", name)
			fmt.Fprintf(&b, "    server %s %s:%d check\n", r.TunnelID, r.TargetIP, r.TargetPort)
		case config.ProtoUDP:
			fmt.Fprintf(&b, "\n# udp %d -> %s:%d (tunnel %s): not forwarded by haproxy\n",
				r.ListenPort, r.TargetIP, r.TargetPort, r.TunnelID)
		default:
			return nil, &CompileError{Reason: fmt.Sprintf("rule %s has unknown protocol %q", r.Key(), r.Protocol)}
		}
	}
	return []byte(b.String()), nil
}

// Includes reports whether a rendered configuration document carries the
// given rule. Used by status probes to rebuild per-rule observed state
// from the proxy's live configuration.
func Includes(doc []byte, r config.ForwardRule) bool {
	switch r.Protocol {
	case config.ProtoTCP:
		return strings.Contains(string(doc), "frontend fe_"+sectionName(r)+"\n")
	default:
		return strings.Contains(string(doc), fmt.Sprintf("# udp %d -> %s:%d", r.ListenPort, r.TargetIP, r.TargetPort))
	}
}

func sectionName(r config.ForwardRule) string {
	return fmt.Sprintf("%d_%s", r.ListenPort, r.Protocol)
}
