//go:build linux

package netinfo

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Addresses reads interface addresses over netlink.
func Addresses() ([]Address, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var out []Address
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, unix.AF_UNSPEC)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr.IPNet == nil || !usable(addr.IP) {
				continue
			}
			if addr.Scope != unix.RT_SCOPE_UNIVERSE && addr.Scope != unix.RT_SCOPE_HOST {
				continue
			}
			out = append(out, Address{
				IP:        addr.IP,
				Interface: attrs.Name,
				Loopback:  attrs.Flags&net.FlagLoopback != 0 || addr.IP.IsLoopback(),
			})
		}
	}
	sortAddresses(out)
	return out, nil
}
