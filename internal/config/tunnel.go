package config

import (
	"fmt"
	"net"
	"strings"
)

// Role identifies which end of a point-to-point link this host plays.
// The iran side exposes listeners; the kharej side terminates the services.
type Role string

const (
	RoleIran   Role = "iran"
	RoleKharej Role = "kharej"
)

// TunnelKind selects the transport a tunnel record describes.
type TunnelKind string

const (
	KindL2TPv3 TunnelKind = "l2tpv3"
	KindMesh   TunnelKind = "mesh"
)

// Protocol is the L4 protocol of a forward rule.
type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
)

// Tunnel is the desired state of one point-to-point tunnel. Exactly one of
// L2TP or Mesh is populated, matching Kind. It is persisted as a TOML file
// per tunnel; the tunnel's forward rules live in the same record so that
// deleting a tunnel cascades its rules.
type Tunnel struct {
	ID   string     `toml:"id"`
	Role Role       `toml:"role"`
	Kind TunnelKind `toml:"kind"`

	L2TP *L2TPParams `toml:"l2tp,omitempty"`
	Mesh *MeshParams `toml:"mesh,omitempty"`

	Forwards []ForwardRule `toml:"forward,omitempty"`
}

// L2TPParams describe a static kernel L2TPv3 tunnel/session pair.
// The tunnel and session IDs must mirror the peer host's record:
// our TunnelID is the peer's PeerTunnelID and vice versa.
type L2TPParams struct {
	LocalIP       string `toml:"local_ip"`
	RemoteIP      string `toml:"remote_ip"`
	InterfaceCIDR string `toml:"interface_cidr"`
	TunnelID      uint32 `toml:"tunnel_id"`
	PeerTunnelID  uint32 `toml:"peer_tunnel_id"`
	SessionID     uint32 `toml:"session_id"`
	PeerSessionID uint32 `toml:"peer_session_id"`
}

// MeshParams describe a mesh (EasyTier) overlay tunnel run as a supervised
// child process.
type MeshParams struct {
	OverlayIP  string `toml:"overlay_ip"`
	PeerAddr   string `toml:"peer_addr,omitempty"`
	ListenPort int    `toml:"listen_port"`
	Secret     string `toml:"secret"`
}

// ForwardRule maps a local listener to a destination reachable over the
// owning tunnel. (ListenPort, Protocol) is unique across the whole host.
type ForwardRule struct {
	TunnelID   string   `toml:"-"`
	ListenPort int      `toml:"listen_port"`
	TargetIP   string   `toml:"target_ip"`
	TargetPort int      `toml:"target_port"`
	Protocol   Protocol `toml:"protocol"`
}

// Key returns the host-wide uniqueness key of the rule.
func (r ForwardRule) Key() string {
	return fmt.Sprintf("%d/%s", r.ListenPort, r.Protocol)
}

// InterfaceName returns the kernel network interface name for the tunnel.
// Linux limits interface names to 15 bytes.
func (t *Tunnel) InterfaceName() string {
	name := "vl2-" + t.ID
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// Rules returns the tunnel's forward rules with TunnelID filled in.
func (t *Tunnel) Rules() []ForwardRule {
	rules := make([]ForwardRule, len(t.Forwards))
	for i, r := range t.Forwards {
		r.TunnelID = t.ID
		rules[i] = r
	}
	return rules
}

// Validate checks the record's own fields. Cross-record invariants
// (uniqueness, ID mirroring) are checked by validateSet at mutation time.
func (t *Tunnel) Validate() error {
	if t.ID == "" {
		return validationErrorf("id", "must not be empty")
	}
	if strings.ContainsAny(t.ID, "/\\ \t") {
		return validationErrorf("id", "%q contains path separators or spaces", t.ID)
	}
	if t.Role != RoleIran && t.Role != RoleKharej {
		return validationErrorf("role", "%q is not one of %q, %q", t.Role, RoleIran, RoleKharej)
	}
	switch t.Kind {
	case KindL2TPv3:
		if t.L2TP == nil {
			return validationErrorf("l2tp", "kind is l2tpv3 but [l2tp] section is missing")
		}
		if t.Mesh != nil {
			return validationErrorf("mesh", "kind is l2tpv3 but [mesh] section is present")
		}
		if err := t.L2TP.validate(); err != nil {
			return err
		}
	case KindMesh:
		if t.Mesh == nil {
			return validationErrorf("mesh", "kind is mesh but [mesh] section is missing")
		}
		if t.L2TP != nil {
			return validationErrorf("l2tp", "kind is mesh but [l2tp] section is present")
		}
		if err := t.Mesh.validate(); err != nil {
			return err
		}
	default:
		return validationErrorf("kind", "%q is not one of %q, %q", t.Kind, KindL2TPv3, KindMesh)
	}
	seen := make(map[string]bool, len(t.Forwards))
	for _, r := range t.Forwards {
		if err := r.validate(); err != nil {
			return err
		}
		if seen[r.Key()] {
			return validationErrorf("forward", "duplicate listener %s", r.Key())
		}
		seen[r.Key()] = true
	}
	return nil
}

func (p *L2TPParams) validate() error {
	if net.ParseIP(p.LocalIP) == nil {
		return validationErrorf("l2tp.local_ip", "%q is not a valid IP", p.LocalIP)
	}
	if net.ParseIP(p.RemoteIP) == nil {
		return validationErrorf("l2tp.remote_ip", "%q is not a valid IP", p.RemoteIP)
	}
	if _, _, err := net.ParseCIDR(p.InterfaceCIDR); err != nil {
		return validationErrorf("l2tp.interface_cidr", "%q is not a valid CIDR: %v", p.InterfaceCIDR, err)
	}
	if p.TunnelID == 0 || p.PeerTunnelID == 0 {
		return validationErrorf("l2tp.tunnel_id", "tunnel IDs must be nonzero")
	}
	if p.SessionID == 0 || p.PeerSessionID == 0 {
		return validationErrorf("l2tp.session_id", "session IDs must be nonzero")
	}
	if p.TunnelID == p.PeerTunnelID {
		return validationErrorf("l2tp.tunnel_id", "local and peer tunnel IDs must differ")
	}
	return nil
}

func (p *MeshParams) validate() error {
	if net.ParseIP(p.OverlayIP) == nil {
		return validationErrorf("mesh.overlay_ip", "%q is not a valid IP", p.OverlayIP)
	}
	if p.ListenPort < 1 || p.ListenPort > 65535 {
		return validationErrorf("mesh.listen_port", "%d is out of range", p.ListenPort)
	}
	if p.Secret == "" {
		return validationErrorf("mesh.secret", "must not be empty")
	}
	return nil
}

func (r ForwardRule) validate() error {
	if r.ListenPort < 1 || r.ListenPort > 65535 {
		return validationErrorf("forward.listen_port", "%d is out of range", r.ListenPort)
	}
	if net.ParseIP(r.TargetIP) == nil {
		return validationErrorf("forward.target_ip", "%q is not a valid IP", r.TargetIP)
	}
	if r.TargetPort < 1 || r.TargetPort > 65535 {
		return validationErrorf("forward.target_port", "%d is out of range", r.TargetPort)
	}
	if r.Protocol != ProtoTCP && r.Protocol != ProtoUDP {
		return validationErrorf("forward.protocol", "%q is not one of %q, %q", r.Protocol, ProtoTCP, ProtoUDP)
	}
	return nil
}

// validateSet checks invariants that span the whole record set: unique
// tunnel IDs, unique kernel tunnel/session IDs and mesh listen ports per
// host, host-wide (listen_port, protocol) listener uniqueness, and the
// L2TPv3 mirror invariant between the two ends of a link.
func validateSet(tunnels []Tunnel) error {
	ids := make(map[string]bool, len(tunnels))
	kernelIDs := make(map[uint32]string)
	meshPorts := make(map[int]string)
	listeners := make(map[string]string)

	for i := range tunnels {
		t := &tunnels[i]
		if ids[t.ID] {
			return validationErrorf("id", "duplicate tunnel id %q", t.ID)
		}
		ids[t.ID] = true

		switch t.Kind {
		case KindL2TPv3:
			if other, ok := kernelIDs[t.L2TP.TunnelID]; ok {
				return validationErrorf("l2tp.tunnel_id",
					"tunnel id %d already used by tunnel %q", t.L2TP.TunnelID, other)
			}
			kernelIDs[t.L2TP.TunnelID] = t.ID
		case KindMesh:
			if other, ok := meshPorts[t.Mesh.ListenPort]; ok {
				return validationErrorf("mesh.listen_port",
					"port %d already used by tunnel %q", t.Mesh.ListenPort, other)
			}
			meshPorts[t.Mesh.ListenPort] = t.ID
		}

		for _, r := range t.Forwards {
			if other, ok := listeners[r.Key()]; ok {
				return validationErrorf("forward",
					"listener %s already used by tunnel %q", r.Key(), other)
			}
			listeners[r.Key()] = t.ID
		}
	}

	// Mirror invariant: whenever two L2TPv3 records reference each other's
	// tunnel IDs at all, the reference must be a full mirror (tunnel and
	// session IDs both swapped).
	for i := range tunnels {
		a := &tunnels[i]
		if a.Kind != KindL2TPv3 {
			continue
		}
		for j := i + 1; j < len(tunnels); j++ {
			b := &tunnels[j]
			if b.Kind != KindL2TPv3 {
				continue
			}
			if !related(a.L2TP, b.L2TP) {
				continue
			}
			if !mirrored(a.L2TP, b.L2TP) {
				return validationErrorf("l2tp",
					"tunnels %q and %q reference each other but their tunnel/session IDs are not mirror images",
					a.ID, b.ID)
			}
		}
	}
	return nil
}

// related reports whether two L2TP records reference each other via any
// tunnel ID pairing.
func related(a, b *L2TPParams) bool {
	return a.TunnelID == b.PeerTunnelID || a.PeerTunnelID == b.TunnelID
}

// mirrored reports whether b's IDs are the exact mirror image of a's.
func mirrored(a, b *L2TPParams) bool {
	return a.TunnelID == b.PeerTunnelID &&
		a.PeerTunnelID == b.TunnelID &&
		a.SessionID == b.PeerSessionID &&
		a.PeerSessionID == b.SessionID
}
