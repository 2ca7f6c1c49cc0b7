package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/pltester/internal/metrics"
	"github.com/NodePath81/pltester/internal/rtc"
	"github.com/NodePath81/pltester/internal/util"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

const candidateBuffer = 32

var (
	ErrSessionLimit    = errors.New("echo session limit reached")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotOffer        = errors.New("session description is not an offer")
)

type EchoConfig struct {
	BindAddr string
	// PublicIP is advertised in place of local host addresses. Empty
	// means unknown; a STUN-discovered address set later through
	// SetReflexiveIP is advertised as srflx instead.
	PublicIP        string
	STUNServers     []string
	PortMin         uint16
	PortMax         uint16
	IncludeLoopback bool
	Idle            time.Duration
	MaxSessions     int
}

// EchoSession is one peer connection answering a client's offer. Every
// data channel message the client sends is written back unchanged.
type EchoSession struct {
	id         string
	clientAddr string
	pc         *webrtc.PeerConnection
	idle       time.Duration
	created    time.Time
	onTraffic  func(n int, echoed bool)

	candMu     sync.Mutex
	candClosed bool
	candidates chan webrtc.ICECandidateInit

	packets atomic.Uint64
	bytes   atomic.Uint64
	last    atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func (e *EchoSession) ID() string { return e.id }

// Done is closed when the peer connection has been closed.
func (e *EchoSession) Done() <-chan struct{} {
	return e.done
}

// State is the peer connection state, "new" before negotiation.
func (e *EchoSession) State() string {
	if e.pc == nil {
		return webrtc.PeerConnectionStateNew.String()
	}
	return e.pc.ConnectionState().String()
}

// Candidates yields the node's local ICE candidates as they are gathered.
// It is closed when gathering completes or the session closes.
func (e *EchoSession) Candidates() <-chan webrtc.ICECandidateInit {
	return e.candidates
}

// Answer applies the client's offer and returns the node's answer.
// Candidates follow on Candidates.
func (e *EchoSession) Answer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrNotOffer
	}
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (e *EchoSession) AddCandidate(cand webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(cand)
}

func (e *EchoSession) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.pc != nil {
			err = e.pc.Close()
		}
		e.closeCandidates()
		close(e.done)
	})
	return err
}

func (e *EchoSession) pushCandidate(c *webrtc.ICECandidate, logger util.Logger) {
	e.candMu.Lock()
	defer e.candMu.Unlock()
	if e.candClosed {
		return
	}
	if c == nil {
		e.candClosed = true
		close(e.candidates)
		return
	}
	select {
	case e.candidates <- c.ToJSON():
	default:
		logger.Debug("local candidate dropped", "session", e.id, "candidate", c.String())
	}
}

func (e *EchoSession) closeCandidates() {
	e.candMu.Lock()
	defer e.candMu.Unlock()
	if !e.candClosed {
		e.candClosed = true
		close(e.candidates)
	}
}

func (e *EchoSession) bind(logger util.Logger) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		e.pushCandidate(c, logger)
	})
	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("echo peer state", "session", e.id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go e.Close()
		}
	})
	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		logger.Debug("echo channel opened", "session", e.id, "label", dc.Label())
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			n := len(msg.Data)
			e.last.Store(time.Now().UnixMilli())
			var err error
			if msg.IsString {
				err = dc.SendText(string(msg.Data))
			} else {
				err = dc.Send(msg.Data)
			}
			if err != nil {
				logger.Debug("echo write failed", "session", e.id, "error", err)
				e.onTraffic(n, false)
				return
			}
			e.packets.Add(1)
			e.bytes.Add(uint64(n))
			e.onTraffic(n, true)
		})
	})
}

// watch closes the session once it has carried no traffic for e.idle.
func (e *EchoSession) watch(logger util.Logger) {
	if e.idle <= 0 {
		<-e.done
		return
	}
	timer := time.NewTimer(e.idle)
	defer timer.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-timer.C:
			since := time.Since(time.UnixMilli(e.last.Load()))
			if wait := e.idle - since; wait > 0 {
				timer.Reset(wait)
				continue
			}
			logger.Info("echo session idle", "session", e.id, "idle", e.idle)
			_ = e.Close()
			return
		}
	}
}

// EchoManager creates echo peer connections and tracks the live sessions.
type EchoManager struct {
	cfg     EchoConfig
	logger  util.Logger
	metrics *metrics.Metrics
	status  *StatusStore

	mu        sync.RWMutex
	sessions  map[string]*EchoSession
	reflexive net.IP
}

func NewEchoManager(cfg EchoConfig, status *StatusStore, m *metrics.Metrics, logger util.Logger) *EchoManager {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &EchoManager{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		status:   status,
		sessions: make(map[string]*EchoSession),
	}
}

// SetReflexiveIP records the STUN-discovered public address. Sessions
// created afterwards advertise it as a server reflexive candidate.
func (m *EchoManager) SetReflexiveIP(ip net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reflexive = ip
}

func (m *EchoManager) ReflexiveIP() net.IP {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reflexive
}

// peerOptions maps the node configuration to ICE gathering options. An
// explicit public address replaces host candidates; a discovered one is
// added as srflx; with neither the STUN servers are queried, except on a
// loopback bind where nothing public can be learned.
func (m *EchoManager) peerOptions() rtc.Options {
	cfg := m.cfg
	bind := net.ParseIP(cfg.BindAddr)
	loopback := bind != nil && bind.IsLoopback()
	opts := rtc.Options{
		BindIP:          bind,
		IncludeLoopback: cfg.IncludeLoopback || loopback,
		PortMin:         cfg.PortMin,
		PortMax:         cfg.PortMax,
		DisableMDNS:     true,
	}
	switch reflexive := m.ReflexiveIP(); {
	case cfg.PublicIP != "":
		opts.NAT1To1IPs = []string{cfg.PublicIP}
		opts.NAT1To1Type = webrtc.ICECandidateTypeHost
	case reflexive != nil:
		opts.NAT1To1IPs = []string{reflexive.String()}
		opts.NAT1To1Type = webrtc.ICECandidateTypeSrflx
	case !loopback:
		opts.STUNServers = cfg.STUNServers
	}
	return opts
}

// Create opens a peer connection for clientAddr. The caller completes the
// negotiation with Answer and AddCandidate.
func (m *EchoManager) Create(clientAddr string) (*EchoSession, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrSessionLimit
	}
	m.mu.Unlock()

	pc, err := rtc.NewPeerConnection(m.peerOptions())
	if err != nil {
		return nil, err
	}
	session := &EchoSession{
		id:         uuid.New().String(),
		clientAddr: clientAddr,
		pc:         pc,
		idle:       m.cfg.Idle,
		created:    time.Now(),
		candidates: make(chan webrtc.ICECandidateInit, candidateBuffer),
		done:       make(chan struct{}),
	}
	session.onTraffic = func(n int, echoed bool) {
		if m.metrics != nil {
			m.metrics.AddEcho(n, echoed)
		}
		if m.status != nil && echoed {
			m.status.Touch(session)
		}
	}
	session.last.Store(session.created.UnixMilli())

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		_ = pc.Close()
		return nil, ErrSessionLimit
	}
	m.sessions[session.id] = session
	m.mu.Unlock()
	session.bind(m.logger)

	if m.metrics != nil {
		m.metrics.IncSessionsActive()
	}
	if m.status != nil {
		m.status.Add(session)
	}
	m.logger.Info("echo session opened", "session", session.id, "client", clientAddr)

	go func() {
		session.watch(m.logger)
		<-session.Done()
		m.forget(session)
	}()
	return session, nil
}

func (m *EchoManager) Get(id string) (*EchoSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete closes the session's peer connection.
func (m *EchoManager) Delete(id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	return s.Close()
}

func (m *EchoManager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *EchoManager) CloseAll() {
	m.mu.RLock()
	sessions := make([]*EchoSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

func (m *EchoManager) forget(s *EchoSession) {
	m.mu.Lock()
	_, ok := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.metrics != nil {
		m.metrics.DecSessionsActive()
	}
	if m.status != nil {
		m.status.Remove(s.id)
	}
	m.logger.Info("echo session closed", "session", s.id, "packets", s.packets.Load(), "bytes", s.bytes.Load())
}
