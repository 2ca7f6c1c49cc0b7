package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/NodePath81/pltester/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// handleSignaling negotiates one echo peer connection per websocket. The
// client offers, the node answers, and both sides trickle candidates. The
// session lives until the client says bye, the websocket drops, or the
// peer connection fails or goes idle.
func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	client := clientIP(r)
	if !s.signalLimiter.Allow(client) {
		s.rateLimited()
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: s.originAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.Server.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	incoming := make(chan protocol.Message, 8)
	go func() {
		defer close(incoming)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				s.logger.Debug("malformed signaling message", "client", client, "error", err)
				continue
			}
			select {
			case incoming <- msg:
			case <-done:
				return
			}
		}
	}()

	var (
		session     *EchoSession
		sessionDone <-chan struct{}
		local       <-chan webrtc.ICECandidateInit
		pending     []webrtc.ICECandidateInit
	)
	defer func() {
		if session != nil {
			_ = s.echo.Delete(session.ID())
		}
	}()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			switch {
			case msg.Type == protocol.TypeBye:
				return
			case msg.IsCandidate():
				if session == nil {
					pending = append(pending, msg.CandidateInit())
					continue
				}
				if err := session.AddCandidate(msg.CandidateInit()); err != nil {
					s.logger.Debug("remote candidate rejected", "session", session.ID(), "error", err)
				}
			case msg.IsDescription() && msg.Type == protocol.TypeOffer:
				if session != nil {
					_ = writeSignal(conn, protocol.Message{Type: protocol.TypeError, Error: "session already negotiated"})
					continue
				}
				session, err = s.echo.Create(client)
				if err != nil {
					reason := "error"
					if errors.Is(err, ErrSessionLimit) {
						reason = "limit"
					}
					s.metrics.SessionRejected(reason)
					s.logger.Warn("echo session rejected", "client", client, "error", err)
					_ = writeSignal(conn, protocol.Message{Type: protocol.TypeError, Error: err.Error()})
					return
				}
				sessionDone = session.Done()
				answer, err := session.Answer(msg.Description())
				if err != nil {
					s.metrics.SessionRejected("error")
					s.logger.Warn("offer rejected", "session", session.ID(), "error", err)
					_ = writeSignal(conn, protocol.Message{Type: protocol.TypeError, SessionID: session.ID(), Error: err.Error()})
					return
				}
				reply := protocol.DescriptionMessage(answer)
				reply.SessionID = session.ID()
				if err := writeSignal(conn, reply); err != nil {
					s.logger.Debug("signaling write failed", "session", session.ID(), "error", err)
					return
				}
				for _, cand := range pending {
					if err := session.AddCandidate(cand); err != nil {
						s.logger.Debug("remote candidate rejected", "session", session.ID(), "error", err)
					}
				}
				pending = nil
				local = session.Candidates()
			default:
				s.logger.Debug("ignoring signaling message", "client", client, "type", msg.Type)
			}
		case cand, ok := <-local:
			if !ok {
				local = nil
				continue
			}
			if err := writeSignal(conn, protocol.CandidateMessage(cand)); err != nil {
				s.logger.Debug("signaling write failed", "session", session.ID(), "error", err)
				return
			}
		case <-sessionDone:
			_ = writeSignal(conn, protocol.Message{Type: protocol.TypeBye, SessionID: session.ID()})
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeSignal(conn *websocket.Conn, msg protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
