package transport

import (
	"fmt"
	"net"

	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// setDSCP marks the socket for both families. A dual-stack socket accepts
// one or both; it is an error only when neither applies.
func setDSCP(conn *net.UDPConn, dscp int) error {
	if dscp < 0 || dscp > 63 {
		return fmt.Errorf("dscp out of range: %d", dscp)
	}
	tos := dscp << 2
	err4 := ipv4.NewConn(conn).SetTOS(tos)
	err6 := ipv6.NewConn(conn).SetTrafficClass(tos)
	if err4 == nil || err6 == nil {
		return nil
	}
	return multierr.Combine(err4, err6)
}
