package rtc

import (
	"net"
	"testing"

	"github.com/NodePath81/pltester/internal/testenv"
	"github.com/pion/webrtc/v3"
)

var makeAR = testenv.MakeAR

func TestICEServers(t *testing.T) {
	assert, require := makeAR(t)
	assert.Nil(ICEServers(nil))
	assert.Nil(ICEServers([]string{" "}))

	servers := ICEServers([]string{"stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	require.Len(servers, 1)
	assert.Equal([]string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, servers[0].URLs)
}

func TestInvalidPortRange(t *testing.T) {
	assert, _ := makeAR(t)
	for _, opts := range []Options{
		{PortMin: 40000},
		{PortMax: 40000},
		{PortMin: 40010, PortMax: 40000},
	} {
		_, err := NewPeerConnection(opts)
		assert.ErrorIs(err, ErrInvalidPortRange)
	}
}

func TestNewPeerConnection(t *testing.T) {
	assert, require := makeAR(t)
	pc, err := NewPeerConnection(Options{
		BindIP:          net.IPv4(127, 0, 0, 1),
		IncludeLoopback: true,
		NAT1To1IPs:      []string{"203.0.113.7"},
		NAT1To1Type:     webrtc.ICECandidateTypeHost,
		PortMin:         40000,
		PortMax:         40100,
		DisableMDNS:     true,
	})
	require.NoError(err)
	assert.Equal(webrtc.PeerConnectionStateNew, pc.ConnectionState())
	require.NoError(pc.Close())
}

func TestIsLoopbackHost(t *testing.T) {
	assert, _ := makeAR(t)
	assert.True(IsLoopbackHost("127.0.0.1:52611"))
	assert.True(IsLoopbackHost("localhost"))
	assert.True(IsLoopbackHost("[::1]:80"))
	assert.False(IsLoopbackHost("192.0.2.1:80"))
	assert.False(IsLoopbackHost("node.example.com"))
}
