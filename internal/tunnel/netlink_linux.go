//go:build linux

package tunnel

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// netlinkOps programs interface addresses and link state through rtnetlink.
type netlinkOps struct{}

func defaultLinkOps() linkOps { return netlinkOps{} }

func (netlinkOps) EnsureAddr(ifName, cidr string) error {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return fmt.Errorf("looking up link %q: %w", ifName, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parsing address %q: %w", cidr, err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("assigning %s to %s: %w", cidr, ifName, err)
	}
	return nil
}

func (netlinkOps) SetUp(ifName string) error {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return fmt.Errorf("looking up link %q: %w", ifName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("setting %s up: %w", ifName, err)
	}
	return nil
}

func (netlinkOps) State(ifName string) (linkInfo, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return linkInfo{}, nil
		}
		return linkInfo{}, fmt.Errorf("looking up link %q: %w", ifName, err)
	}
	up := link.Attrs().Flags&net.FlagUp != 0
	return linkInfo{Present: true, Up: up}, nil
}
