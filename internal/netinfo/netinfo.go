// Package netinfo lists the host's usable interface addresses.
package netinfo

import (
	"net"
	"sort"
)

// Address is one configured interface address.
type Address struct {
	IP        net.IP
	Interface string
	Loopback  bool
}

// ActiveIPs returns the addresses of interfaces that are up, excluding
// loopback when anything else is available. IPv4 addresses sort first.
func ActiveIPs() []string {
	addrs, err := Addresses()
	if err != nil {
		return nil
	}
	ips := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if !addr.Loopback {
			ips = append(ips, addr.IP.String())
		}
	}
	if len(ips) > 0 {
		return ips
	}
	for _, addr := range addrs {
		ips = append(ips, addr.IP.String())
	}
	return ips
}

func sortAddresses(addrs []Address) {
	sort.SliceStable(addrs, func(i, j int) bool {
		iv4 := addrs[i].IP.To4() != nil
		jv4 := addrs[j].IP.To4() != nil
		if iv4 != jv4 {
			return iv4
		}
		if addrs[i].Loopback != addrs[j].Loopback {
			return !addrs[i].Loopback
		}
		return false
	})
}

func usable(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast() && !ip.IsMulticast()
}
