// Package transport provides the client side of the node's datagram
// channel: a WebRTC data channel, opened unordered with no retransmissions,
// negotiated over the node's signaling websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/pltester/internal/protocol"
	"github.com/NodePath81/pltester/internal/rtc"
	"github.com/NodePath81/pltester/internal/util"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
)

const (
	wsWriteWait     = 10 * time.Second
	maxSignalBytes  = 1 << 20
	messageQueueLen = 4096
)

var (
	// ErrNotOpen is returned by Send when the channel is not open.
	ErrNotOpen = errors.New("transport: channel not open")
	// ErrSessionRefused wraps the node's reason for ending negotiation.
	ErrSessionRefused = errors.New("transport: node refused session")
	errChannelClosed  = errors.New("transport: data channel closed")
)

type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Message is one datagram received on the channel.
type Message struct {
	Data string
	At   time.Time
}

type DialOptions struct {
	// Node is the ws:// or wss:// signaling URL.
	Node           string
	Header         http.Header
	ConnectTimeout time.Duration
	// STUNServers let the client gather a server reflexive candidate.
	STUNServers []string
	// IncludeLoopback gathers loopback candidates. It is implied when Node
	// names a loopback host.
	IncludeLoopback bool
	// DSCP marks outgoing probes; zero leaves the socket default.
	DSCP   int
	Logger util.Logger
}

// Channel is an open datagram channel to a node.
type Channel struct {
	ws     *websocket.Conn
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	mux    ice.UDPMux
	udp    *net.UDPConn
	logger util.Logger

	mu           sync.Mutex
	sessionID    string
	offerSent    bool
	localPending []webrtc.ICECandidateInit

	state    atomic.Int32
	dropped  atomic.Uint64
	closeErr error

	msgMu      sync.Mutex
	msgs       chan Message
	msgsClosed bool

	opened   chan struct{}
	openOnce sync.Once
	failed   chan error

	wsMu      sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial performs signaling and waits for the data channel to open. The
// returned channel is open.
func Dial(ctx context.Context, opts DialOptions) (*Channel, error) {
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.DiscardLogger()
	}

	ws, err := dialSignaling(ctx, opts.Node, opts.Header, logger)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxSignalBytes)

	c := &Channel{
		ws:     ws,
		logger: logger,
		msgs:   make(chan Message, messageQueueLen),
		opened: make(chan struct{}),
		failed: make(chan error, 1),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(Connecting))

	peerOpts := rtc.Options{
		STUNServers:     opts.STUNServers,
		IncludeLoopback: opts.IncludeLoopback || loopbackNode(opts.Node),
		DisableMDNS:     true,
	}
	if opts.DSCP > 0 {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{})
		if err != nil {
			_ = ws.Close()
			return nil, fmt.Errorf("transport: open udp socket: %w", err)
		}
		if err := setDSCP(conn, opts.DSCP); err != nil {
			logger.Warn("dscp marking unavailable", "dscp", opts.DSCP, "error", err)
		}
		c.udp = conn
		c.mux = webrtc.NewICEUDPMux(nil, conn)
		peerOpts.UDPMux = c.mux
	}

	if err := c.negotiate(peerOpts); err != nil {
		c.abort()
		return nil, err
	}

	select {
	case <-c.opened:
	case err := <-c.failed:
		c.abort()
		return nil, err
	case <-ctx.Done():
		c.abort()
		return nil, fmt.Errorf("transport: connect: %w", ctx.Err())
	}
	c.state.Store(int32(Open))
	select {
	case err := <-c.failed:
		c.abort()
		return nil, err
	default:
	}
	logger.Info("datagram channel open", "session", c.SessionID())
	return c, nil
}

func dialSignaling(ctx context.Context, node string, header http.Header, logger util.Logger) (*websocket.Conn, error) {
	var ws *websocket.Conn
	op := func() error {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, node, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("transport: signaling rejected: HTTP %d", resp.StatusCode))
			}
			logger.Debug("signaling dial failed", "node", node, "error", err)
			return err
		}
		ws = conn
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", node, err)
	}
	return ws, nil
}

func loopbackNode(node string) bool {
	u, err := url.Parse(node)
	return err == nil && rtc.IsLoopbackHost(u.Host)
}

// negotiate creates the peer connection and data channel, sends the offer
// and starts reading the node's answer and candidates.
func (c *Channel) negotiate(opts rtc.Options) error {
	pc, err := rtc.NewPeerConnection(opts)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	c.pc = pc

	ordered := false
	var retransmits uint16
	dc, err := pc.CreateDataChannel(protocol.ChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return fmt.Errorf("transport: create data channel: %w", err)
	}
	c.dc = dc
	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.deliver(Message{Data: string(msg.Data), At: time.Now()})
	})
	dc.OnClose(func() {
		c.lost(errChannelClosed)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			c.lost(errors.New("transport: ice connection failed"))
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			c.sendCandidate(cand.ToJSON())
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("transport: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("transport: set local description: %w", err)
	}
	c.mu.Lock()
	err = c.writeSignal(protocol.DescriptionMessage(offer))
	c.offerSent = err == nil
	pending := c.localPending
	c.localPending = nil
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("transport: send offer: %w", err)
	}
	for _, cand := range pending {
		if err := c.writeSignal(protocol.CandidateMessage(cand)); err != nil {
			return fmt.Errorf("transport: send candidate: %w", err)
		}
	}

	c.wg.Add(1)
	go c.watchSignaling()
	return nil
}

// sendCandidate trickles a local candidate, holding it back until the
// offer is on the wire.
func (c *Channel) sendCandidate(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.offerSent {
		c.localPending = append(c.localPending, cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.writeSignal(protocol.CandidateMessage(cand)); err != nil {
		c.logger.Debug("candidate not sent", "error", err)
	}
}

// Send writes one datagram to the data channel.
func (c *Channel) Send(msg string) error {
	if c.ReadyState() != Open {
		return ErrNotOpen
	}
	if err := c.dc.SendText(msg); err != nil {
		if c.ReadyState() != Open {
			return ErrNotOpen
		}
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Messages delivers echoed datagrams. It is closed once the channel closes.
func (c *Channel) Messages() <-chan Message {
	return c.msgs
}

func (c *Channel) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

// Writable reports whether Send can currently succeed.
func (c *Channel) Writable() bool {
	return c.ReadyState() == Open && c.dc != nil && c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Dropped counts datagrams discarded because the consumer fell behind.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Done is closed when the channel starts closing, by either side.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closing))
		close(c.done)
		_ = c.writeSignal(protocol.Message{Type: protocol.TypeBye, SessionID: c.SessionID()})
		c.wsMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wsMu.Unlock()
		var err error
		if c.pc != nil {
			err = c.pc.Close()
		}
		if c.mux != nil {
			err = multierr.Append(err, c.mux.Close())
			_ = c.udp.Close()
		}
		c.closeErr = multierr.Append(err, c.ws.Close())
		c.wg.Wait()
		c.msgMu.Lock()
		c.msgsClosed = true
		close(c.msgs)
		c.msgMu.Unlock()
		c.state.Store(int32(Closed))
	})
	return c.closeErr
}

// abort tears down a channel that never opened.
func (c *Channel) abort() {
	_ = c.Close()
}

func (c *Channel) deliver(msg Message) {
	c.msgMu.Lock()
	defer c.msgMu.Unlock()
	if c.msgsClosed {
		return
	}
	select {
	case c.msgs <- msg:
	default:
		c.dropped.Add(1)
	}
}

// lost records why negotiation failed and closes an open channel.
func (c *Channel) lost(err error) {
	select {
	case c.failed <- err:
	default:
	}
	if c.ReadyState() == Open {
		go c.Close()
	}
}

// watchSignaling applies the node's answer and candidates, and keeps the
// websocket serviced so pings are answered and a node-side close is
// noticed.
func (c *Channel) watchSignaling() {
	defer c.wg.Done()
	var (
		remoteSet bool
		pending   []webrtc.ICECandidateInit
	)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.lost(fmt.Errorf("transport: signaling: %w", err))
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}
		switch {
		case msg.IsDescription() && msg.Type == protocol.TypeAnswer:
			if err := c.pc.SetRemoteDescription(msg.Description()); err != nil {
				c.lost(fmt.Errorf("transport: set remote description: %w", err))
				return
			}
			c.mu.Lock()
			c.sessionID = msg.SessionID
			c.mu.Unlock()
			remoteSet = true
			for _, cand := range pending {
				if err := c.pc.AddICECandidate(cand); err != nil {
					c.logger.Debug("remote candidate rejected", "error", err)
				}
			}
			pending = nil
		case msg.IsCandidate():
			if !remoteSet {
				pending = append(pending, msg.CandidateInit())
				continue
			}
			if err := c.pc.AddICECandidate(msg.CandidateInit()); err != nil {
				c.logger.Debug("remote candidate rejected", "error", err)
			}
		case msg.Type == protocol.TypeBye || msg.Type == protocol.TypeError:
			c.logger.Info("node closed session", "session", c.SessionID(), "reason", msg.Error)
			reason := msg.Error
			if reason == "" {
				reason = msg.Type
			}
			c.lost(fmt.Errorf("%w: %s", ErrSessionRefused, reason))
			return
		}
	}
}

func (c *Channel) writeSignal(msg protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
