// Package rtc builds the WebRTC peer connections the node and the client
// exchange test datagrams over.
package rtc

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

// ErrInvalidPortRange is returned for a half-set or inverted UDP range.
var ErrInvalidPortRange = errors.New("rtc: invalid udp port range")

type Options struct {
	// BindIP limits candidate gathering to one local address.
	BindIP          net.IP
	IncludeLoopback bool
	// NAT1To1IPs replace local addresses in gathered candidates, advertised
	// as NAT1To1Type (host or srflx).
	NAT1To1IPs  []string
	NAT1To1Type webrtc.ICECandidateType
	PortMin     uint16
	PortMax     uint16
	// STUNServers are host:port pairs; a "stun:" prefix is optional.
	STUNServers []string
	DisableMDNS bool
	// UDPMux, when set, carries every ICE host candidate on one socket.
	UDPMux ice.UDPMux
}

func (o Options) settingEngine() (*webrtc.SettingEngine, error) {
	se := &webrtc.SettingEngine{}
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})
	if o.PortMin != 0 || o.PortMax != 0 {
		if o.PortMin == 0 || o.PortMax < o.PortMin {
			return nil, fmt.Errorf("%w: %d-%d", ErrInvalidPortRange, o.PortMin, o.PortMax)
		}
		if err := se.SetEphemeralUDPPortRange(o.PortMin, o.PortMax); err != nil {
			return nil, fmt.Errorf("rtc: port range: %w", err)
		}
	}
	if len(o.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(o.NAT1To1IPs, o.NAT1To1Type)
	}
	if bind := o.BindIP; bind != nil && !bind.IsUnspecified() {
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(bind)
		})
	}
	if o.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if o.DisableMDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	if o.UDPMux != nil {
		se.SetICEUDPMux(o.UDPMux)
	}
	return se, nil
}

// NewPeerConnection creates a peer connection configured by opts.
func NewPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	se, err := opts.settingEngine()
	if err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(*se))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ICEServers(opts.STUNServers),
	})
	if err != nil {
		return nil, fmt.Errorf("rtc: create peer connection: %w", err)
	}
	return pc, nil
}

// ICEServers turns host:port STUN addresses into one ICE server entry.
func ICEServers(servers []string) []webrtc.ICEServer {
	urls := make([]string, 0, len(servers))
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if !strings.HasPrefix(server, "stun:") && !strings.HasPrefix(server, "turn:") {
			server = "stun:" + server
		}
		urls = append(urls, server)
	}
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// IsLoopbackHost reports whether host, with or without a port, names this
// machine's loopback interface.
func IsLoopbackHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
