package tunnel

import (
	"strconv"
	"strings"
)

// l2tpTunnel is one entry of `ip l2tp show tunnel`.
type l2tpTunnel struct {
	ID     uint32
	PeerID uint32
	Local  string
	Remote string
}

// l2tpSession is one entry of `ip l2tp show session`.
type l2tpSession struct {
	ID        uint32
	TunnelID  uint32
	PeerID    uint32
	Interface string
}

// parseTunnelShow parses iproute2's tunnel listing:
//
//	Tunnel 1000, encap IP
//	  From 1.2.3.4 to 5.6.7.8
//	  Peer tunnel 2000
func parseTunnelShow(out string) map[uint32]l2tpTunnel {
	tunnels := make(map[uint32]l2tpTunnel)
	var cur *l2tpTunnel
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		switch {
		case len(fields) >= 2 && fields[0] == "Tunnel":
			if cur != nil {
				tunnels[cur.ID] = *cur
			}
			id, err := parseU32(strings.TrimSuffix(fields[1], ","))
			if err != nil {
				cur = nil
				continue
			}
			cur = &l2tpTunnel{ID: id}
		case cur != nil && len(fields) >= 4 && fields[0] == "From" && fields[2] == "to":
			cur.Local = fields[1]
			cur.Remote = fields[3]
		case cur != nil && len(fields) >= 3 && fields[0] == "Peer" && fields[1] == "tunnel":
			if id, err := parseU32(fields[2]); err == nil {
				cur.PeerID = id
			}
		}
	}
	if cur != nil {
		tunnels[cur.ID] = *cur
	}
	return tunnels
}

// parseSessionShow parses iproute2's session listing:
//
//	Session 10 in tunnel 1000
//	  Peer session 20, tunnel 2000
//	  interface name: vl2-t1
func parseSessionShow(out string) []l2tpSession {
	var sessions []l2tpSession
	var cur *l2tpSession
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		switch {
		case len(fields) >= 4 && fields[0] == "Session" && fields[2] == "in" && fields[3] == "tunnel":
			if cur != nil {
				sessions = append(sessions, *cur)
			}
			cur = nil
			id, err := parseU32(fields[1])
			if err != nil {
				continue
			}
			var tid uint32
			if len(fields) >= 5 {
				tid, _ = parseU32(fields[4])
			}
			cur = &l2tpSession{ID: id, TunnelID: tid}
		case cur != nil && len(fields) >= 3 && fields[0] == "Peer" && fields[1] == "session":
			if id, err := parseU32(strings.TrimSuffix(fields[2], ",")); err == nil {
				cur.PeerID = id
			}
		case cur != nil && len(fields) >= 3 && fields[0] == "interface" && fields[1] == "name:":
			cur.Interface = fields[2]
		}
	}
	if cur != nil {
		sessions = append(sessions, *cur)
	}
	return sessions
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
