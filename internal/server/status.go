package server

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/NodePath81/pltester/internal/metrics"
)

const statusUpdateInterval = time.Second

type StatusEntry struct {
	ID         string `json:"id"`
	ClientAddr string `json:"client_addr"`
	State      string `json:"state"`
	Packets    uint64 `json:"packets"`
	Bytes      uint64 `json:"bytes"`
	// LastActivity is Unix milliseconds; Age is seconds since creation.
	LastActivity int64 `json:"last_activity"`
	Age          int64 `json:"age"`
}

type statusEntry struct {
	session       *EchoSession
	lastBroadcast time.Time
}

// StatusStore mirrors the live echo sessions for the status websocket.
type StatusStore struct {
	mu       sync.Mutex
	sessions map[string]*statusEntry
	hub      *StatusHub
}

func NewStatusStore(hub *StatusHub) *StatusStore {
	return &StatusStore{
		sessions: make(map[string]*statusEntry),
		hub:      hub,
	}
}

func (s *StatusStore) Add(session *EchoSession) {
	s.mu.Lock()
	s.sessions[session.id] = &statusEntry{session: session}
	s.mu.Unlock()
	snapshot := toStatusEntry(session)
	s.hub.Broadcast(statusMessage{Type: "add", Entry: &snapshot})
}

// Touch broadcasts an update for session at most once per second.
func (s *StatusStore) Touch(session *EchoSession) {
	now := time.Now()
	s.mu.Lock()
	entry := s.sessions[session.id]
	if entry == nil || now.Sub(entry.lastBroadcast) < statusUpdateInterval {
		s.mu.Unlock()
		return
	}
	entry.lastBroadcast = now
	s.mu.Unlock()
	snapshot := toStatusEntry(session)
	s.hub.Broadcast(statusMessage{Type: "update", Entry: &snapshot})
}

func (s *StatusStore) Remove(id string) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		s.hub.Broadcast(statusMessage{Type: "remove", ID: id})
	}
}

// Snapshot lists the sessions, oldest first.
func (s *StatusStore) Snapshot() []StatusEntry {
	s.mu.Lock()
	out := make([]StatusEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		out = append(out, toStatusEntry(entry.session))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Age != out[j].Age {
			return out[i].Age > out[j].Age
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func toStatusEntry(session *EchoSession) StatusEntry {
	return StatusEntry{
		ID:           session.id,
		ClientAddr:   session.clientAddr,
		State:        session.State(),
		Packets:      session.packets.Load(),
		Bytes:        session.bytes.Load(),
		LastActivity: session.last.Load(),
		Age:          int64(time.Since(session.created).Seconds()),
	}
}

type statusMessage struct {
	SchemaVersion int           `json:"schema_version,omitempty"`
	Type          string        `json:"type"`
	Timestamp     int64         `json:"timestamp,omitempty"`
	Sessions      []StatusEntry `json:"sessions,omitempty"`
	Entry         *StatusEntry  `json:"entry,omitempty"`
	ID            string        `json:"id,omitempty"`
	Code          string        `json:"code,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// StatusHub fans broadcast messages out to every status client. Slow
// clients miss messages rather than block the hub.
type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan statusMessage
	ctxDone   <-chan struct{}
	metrics   *metrics.Metrics
}

// statusClient.send is never closed; quit signals the writer to stop.
type statusClient struct {
	send      chan []byte
	quit      chan struct{}
	closeOnce sync.Once
}

func newStatusClient() *statusClient {
	return &statusClient{send: make(chan []byte, 32), quit: make(chan struct{})}
}

func NewStatusHub(ctxDone <-chan struct{}, m *metrics.Metrics) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan statusMessage, 128),
		ctxDone:   ctxDone,
		metrics:   m,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetStatusClients(n)
	}
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()
	client.close()
	if h.metrics != nil {
		h.metrics.SetStatusClients(n)
	}
}

func (h *StatusHub) Broadcast(msg statusMessage) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.quit)
	})
}
