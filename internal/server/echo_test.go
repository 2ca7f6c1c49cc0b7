package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/pltester/internal/metrics"
	"github.com/NodePath81/pltester/internal/protocol"
	"github.com/NodePath81/pltester/internal/rtc"
	"github.com/NodePath81/pltester/internal/transport"
	"github.com/NodePath81/pltester/internal/util"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

func newTestEchoManager(t *testing.T, cfg EchoConfig) *EchoManager {
	t.Helper()
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1"
	}
	m := NewEchoManager(cfg, nil, metrics.NewMetrics("test"), util.DiscardLogger())
	t.Cleanup(m.CloseAll)
	return m
}

// newOfferer is a loopback peer connection with an unordered data channel,
// the way a browser page opens one.
func newOfferer(t *testing.T) (*webrtc.PeerConnection, *webrtc.DataChannel) {
	t.Helper()
	pc, err := rtc.NewPeerConnection(rtc.Options{IncludeLoopback: true, DisableMDNS: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	ordered := false
	var retransmits uint16
	dc, err := pc.CreateDataChannel(protocol.ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &retransmits})
	if err != nil {
		t.Fatal(err)
	}
	return pc, dc
}

func TestEchoSessionEchoesDataChannel(t *testing.T) {
	assert, require := makeAR(t)
	m := newTestEchoManager(t, EchoConfig{Idle: time.Minute})
	session, err := m.Create("127.0.0.1")
	require.NoError(err)
	assert.Equal("new", session.State())

	pc, dc := newOfferer(t)
	opened := make(chan struct{})
	echoed := make(chan string, 1)
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { echoed <- string(msg.Data) })
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = session.AddCandidate(c.ToJSON())
		}
	})

	offer, err := pc.CreateOffer(nil)
	require.NoError(err)
	answer, err := session.Answer(offer)
	require.NoError(err)
	assert.Equal(webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(pc.SetLocalDescription(offer))
	require.NoError(pc.SetRemoteDescription(answer))
	go func() {
		for cand := range session.Candidates() {
			_ = pc.AddICECandidate(cand)
		}
	}()

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("data channel did not open")
	}
	require.NoError(dc.SendText("7,12.500"))
	select {
	case got := <-echoed:
		assert.Equal("7,12.500", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
	require.Eventually(func() bool { return session.packets.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(func() bool { return session.State() == "connected" }, 2*time.Second, 10*time.Millisecond)
}

func TestEchoSessionRejectsAnswer(t *testing.T) {
	assert, require := makeAR(t)
	m := newTestEchoManager(t, EchoConfig{Idle: time.Minute})
	session, err := m.Create("a")
	require.NoError(err)
	_, err = session.Answer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"})
	assert.ErrorIs(err, ErrNotOffer)
}

func TestEchoManagerLimitAndDelete(t *testing.T) {
	assert, require := makeAR(t)
	m := newTestEchoManager(t, EchoConfig{Idle: time.Minute, MaxSessions: 1})
	first, err := m.Create("a")
	require.NoError(err)
	_, err = m.Create("b")
	assert.ErrorIs(err, ErrSessionLimit)

	got, ok := m.Get(first.ID())
	require.True(ok)
	assert.Same(first, got)

	require.NoError(m.Delete(first.ID()))
	<-first.Done()
	require.Eventually(func() bool { return m.ActiveSessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(m.Delete(first.ID()), ErrSessionNotFound)

	_, err = m.Create("b")
	assert.NoError(err)
}

func TestEchoSessionIdleTimeout(t *testing.T) {
	_, require := makeAR(t)
	m := newTestEchoManager(t, EchoConfig{Idle: 100 * time.Millisecond})
	session, err := m.Create("a")
	require.NoError(err)
	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not closed")
	}
	require.Eventually(func() bool { return m.ActiveSessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, open := <-session.Candidates()
	require.False(open)
}

func TestPeerOptions(t *testing.T) {
	assert, _ := makeAR(t)
	stun := []string{"stun.l.google.com:19302"}

	m := newTestEchoManager(t, EchoConfig{BindAddr: "0.0.0.0", STUNServers: stun, PortMin: 40000, PortMax: 40100})
	opts := m.peerOptions()
	assert.Equal(stun, opts.STUNServers)
	assert.Empty(opts.NAT1To1IPs)
	assert.False(opts.IncludeLoopback)
	assert.True(opts.DisableMDNS)
	assert.EqualValues(40000, opts.PortMin)
	assert.EqualValues(40100, opts.PortMax)

	m.SetReflexiveIP(net.ParseIP("198.51.100.1"))
	opts = m.peerOptions()
	assert.Equal([]string{"198.51.100.1"}, opts.NAT1To1IPs)
	assert.Equal(webrtc.ICECandidateTypeSrflx, opts.NAT1To1Type)
	assert.Empty(opts.STUNServers)

	m = newTestEchoManager(t, EchoConfig{BindAddr: "0.0.0.0", PublicIP: "203.0.113.7", STUNServers: stun})
	m.SetReflexiveIP(net.ParseIP("198.51.100.1"))
	opts = m.peerOptions()
	assert.Equal([]string{"203.0.113.7"}, opts.NAT1To1IPs)
	assert.Equal(webrtc.ICECandidateTypeHost, opts.NAT1To1Type)

	m = newTestEchoManager(t, EchoConfig{BindAddr: "127.0.0.1", STUNServers: stun})
	opts = m.peerOptions()
	assert.True(opts.IncludeLoopback)
	assert.Empty(opts.STUNServers)
	assert.True(opts.BindIP.Equal(net.IPv4(127, 0, 0, 1)))
}

// A browser sends RTCSessionDescription JSON as-is and must get an answer.
func TestSignalingAnswersBrowserOffer(t *testing.T) {
	assert, require := makeAR(t)
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	pc, _ := newOfferer(t)
	offer, err := pc.CreateOffer(nil)
	require.NoError(err)
	raw, err := json.Marshal(map[string]string{"type": "offer", "sdp": offer.SDP})
	require.NoError(err)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(err)
	defer conn.Close()
	require.NoError(conn.WriteMessage(websocket.TextMessage, raw))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(err)
		msg, err := protocol.ParseMessage(data)
		require.NoError(err)
		if msg.IsCandidate() {
			continue
		}
		require.True(msg.IsDescription(), "unexpected message %s", data)
		assert.Equal(protocol.TypeAnswer, msg.Type)
		assert.Contains(msg.SDP, "webrtc-datachannel")
		assert.NotEmpty(msg.SessionID)
		break
	}
	assert.Equal(1, s.echo.ActiveSessionCount())
}

func TestSignalingEndToEnd(t *testing.T) {
	assert, require := makeAR(t)
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch, err := transport.Dial(ctx, transport.DialOptions{
		Node:           "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		ConnectTimeout: 10 * time.Second,
	})
	require.NoError(err)
	defer ch.Close()
	assert.True(ch.Writable())
	assert.NotEmpty(ch.SessionID())
	require.Equal(1, s.echo.ActiveSessionCount())

	payload := protocol.EncodeProbe(3, 42.5, 32)
	require.NoError(ch.Send(payload))
	select {
	case msg := <-ch.Messages():
		assert.Equal(payload, msg.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	// Closing the echo session on the node ends the client's channel.
	s.echo.CloseAll()
	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not observe node close")
	}
	assert.False(ch.Writable())
}

func TestSignalingClientByeReleasesSession(t *testing.T) {
	_, require := makeAR(t)
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch, err := transport.Dial(ctx, transport.DialOptions{Node: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"})
	require.NoError(err)
	require.Equal(1, s.echo.ActiveSessionCount())
	require.NoError(ch.Close())
	require.Eventually(func() bool { return s.echo.ActiveSessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSignalingSessionLimit(t *testing.T) {
	assert, require := makeAR(t)
	s := newTestServer(t, nil)
	s.echo.cfg.MaxSessions = 1
	_, err := s.echo.Create("busy")
	require.NoError(err)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = transport.Dial(ctx, transport.DialOptions{Node: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"})
	require.ErrorIs(err, transport.ErrSessionRefused)
	assert.Contains(err.Error(), ErrSessionLimit.Error())
}
