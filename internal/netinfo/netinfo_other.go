//go:build !linux

package netinfo

import "net"

func Addresses() ([]Address, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Address
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || !usable(ipNet.IP) {
				continue
			}
			out = append(out, Address{
				IP:        ipNet.IP,
				Interface: iface.Name,
				Loopback:  iface.Flags&net.FlagLoopback != 0,
			})
		}
	}
	sortAddresses(out)
	return out, nil
}
