// Package server implements the test node: websocket signaling with
// per-session WebRTC echo channels, HTTP speed test endpoints, geolocation,
// and the operator surface (status, metrics, rpc).
package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/pltester/internal/config"
	"github.com/NodePath81/pltester/internal/geo"
	"github.com/NodePath81/pltester/internal/metrics"
	"github.com/NodePath81/pltester/internal/netinfo"
	"github.com/NodePath81/pltester/internal/util"
	"github.com/NodePath81/pltester/internal/version"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	wsRatePerSecond   = 2
	wsRateBurst       = 20
	limiterTTL        = 5 * time.Minute
	wsTokenPrefix     = "pltester-token."
	wsPrimaryProtocol = "pltester"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

type Server struct {
	cfg     config.Config
	echo    *EchoManager
	status  *StatusStore
	geo     *geo.Service
	metrics *metrics.Metrics
	logger  util.Logger

	rpcLimiter    *rateLimiter
	signalLimiter *rateLimiter

	mu        sync.RWMutex
	restartFn func() error
	server    *http.Server
	listener  net.Listener
}

func New(cfg config.Config, echo *EchoManager, status *StatusStore, geoSvc *geo.Service, m *metrics.Metrics, logger util.Logger) *Server {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	if m == nil {
		m = metrics.NewMetrics(version.Version)
	}
	return &Server{
		cfg:           cfg,
		echo:          echo,
		status:        status,
		geo:           geoSvc,
		metrics:       m,
		logger:        logger,
		rpcLimiter:    newRateLimiter(rpcRatePerSecond, rpcRateBurst, limiterTTL),
		signalLimiter: newRateLimiter(wsRatePerSecond, wsRateBurst, limiterTTL),
	}
}

// SetReflexiveIP records the STUN-discovered address advertised as an
// srflx candidate by echo sessions created from now on.
func (s *Server) SetReflexiveIP(ip net.IP) {
	s.echo.SetReflexiveIP(ip)
}

// SetRestart installs the handler behind the Restart rpc.
func (s *Server) SetRestart(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartFn = fn
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleSignaling)
	st := r.PathPrefix("/speedtest").Subrouter()
	st.HandleFunc("/download", s.handleDownload).Methods(http.MethodGet, http.MethodHead)
	st.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost, http.MethodPut)
	st.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	if s.geo != nil {
		r.Handle("/api/ipinfo", s.geo.Handler()).Methods(http.MethodGet)
	}
	if s.cfg.Control.Status.IsEnabled() {
		r.HandleFunc("/status", s.handleStatus)
	}
	if s.cfg.Control.Metrics.IsEnabled() {
		r.HandleFunc("/metrics", s.handleMetrics)
	}
	r.HandleFunc("/identity", s.handleIdentity)
	r.HandleFunc("/rpc", s.handleRPC)

	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}).Handler(r)
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := util.NetJoin(s.cfg.Server.BindAddr, s.cfg.Server.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("node server error", "error", err)
		}
	}()
	s.logger.Info("node server started", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type closeSessionParams struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ActiveSessions int           `json:"active_sessions"`
	MaxSessions    int           `json:"max_sessions"`
	Sessions       []StatusEntry `json:"sessions"`
}

type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
}

type sessionsSnapshotMessage struct {
	SchemaVersion int           `json:"schema_version"`
	Type          string        `json:"type"`
	Timestamp     int64         `json:"timestamp"`
	Sessions      []StatusEntry `json:"sessions"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !s.rpcLimiter.Allow(clientIP(r)) {
		s.rateLimited()
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !s.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	switch req.Method {
	case "GetStatus":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: statusResponse{
			ActiveSessions: s.echo.ActiveSessionCount(),
			MaxSessions:    s.cfg.Server.MaxSessions,
			Sessions:       s.status.Snapshot(),
		}})
	case "Restart":
		s.mu.RLock()
		restart := s.restartFn
		s.mu.RUnlock()
		if restart == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "restart not supported"})
			return
		}
		go func() {
			s.logger.Info("restart invoked")
			if err := restart(); err != nil {
				s.logger.Error("restart failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	case "GetRuntimeConfig":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: s.runtimeConfig()})
	case "CloseSession":
		var params closeSessionParams
		if err := json.Unmarshal(req.Params, &params); err != nil || strings.TrimSpace(params.ID) == "" {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid params"})
			return
		}
		if err := s.echo.Delete(strings.TrimSpace(params.ID)); err != nil {
			writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: err.Error()})
			return
		}
		s.logger.Info("session closed by operator", "session", params.ID)
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

func (s *Server) runtimeConfig() map[string]interface{} {
	cfg := s.cfg
	reflexive := ""
	if ip := s.echo.ReflexiveIP(); ip != nil {
		reflexive = ip.String()
	}
	return map[string]interface{}{
		"hostname": cfg.Hostname,
		"server": map[string]interface{}{
			"bind_addr":          cfg.Server.BindAddr,
			"bind_port":          cfg.Server.BindPort,
			"public_ip":          cfg.Server.PublicIP,
			"reflexive_ip":       reflexive,
			"stun_servers":       cfg.Server.STUNServers,
			"include_loopback":   cfg.Server.IncludeLoopback,
			"udp_port_min":       cfg.Server.UDPPortMin,
			"udp_port_max":       cfg.Server.UDPPortMax,
			"allowed_origins":    cfg.Server.AllowedOrigins,
			"session_idle":       cfg.Server.SessionIdle.Duration().String(),
			"max_sessions":       cfg.Server.MaxSessions,
			"max_message_bytes":  cfg.Server.MaxMessageBytes,
			"download_bytes":     cfg.Server.DownloadBytes,
			"max_download_bytes": cfg.Server.MaxDownloadBytes,
			"max_upload_bytes":   cfg.Server.MaxUploadBytes,
		},
		"geoip": map[string]interface{}{
			"city_database": cfg.GeoIP.CityDatabase != "",
			"asn_database":  cfg.GeoIP.ASNDatabase != "",
			"cache_size":    cfg.GeoIP.CacheSize,
		},
		"control": map[string]interface{}{
			"metrics": map[string]interface{}{"enabled": cfg.Control.Metrics.IsEnabled()},
			"status":  map[string]interface{}{"enabled": cfg.Control.Status.IsEnabled()},
		},
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.checkStatusAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  s.originAllowed,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := newStatusClient()
	hub := s.status.hub
	hub.Register(client)

	var (
		subMu        sync.Mutex
		subscribed   bool
		tickerCancel context.CancelFunc
	)
	stopTicker := func() {
		subMu.Lock()
		if tickerCancel != nil {
			tickerCancel()
			tickerCancel = nil
		}
		subscribed = false
		subMu.Unlock()
	}
	sendJSON := func(payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		select {
		case <-client.quit:
		case client.send <- data:
		default:
		}
	}
	sendSnapshot := func() {
		sendJSON(sessionsSnapshotMessage{
			SchemaVersion: 1,
			Type:          "sessions_snapshot",
			Timestamp:     time.Now().UnixMilli(),
			Sessions:      s.status.Snapshot(),
		})
	}
	startTicker := func(interval time.Duration, sendInitial bool) {
		stopTicker()
		ctx, cancel := context.WithCancel(context.Background())
		subMu.Lock()
		subscribed = true
		tickerCancel = cancel
		subMu.Unlock()
		if sendInitial {
			sendSnapshot()
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-client.quit:
					return
				case <-ticker.C:
					sendSnapshot()
				}
			}
		}()
	}

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			stopTicker()
			hub.Unregister(client)
			_ = conn.Close()
		})
	}

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Type       string `json:"type"`
				IntervalMs int    `json:"interval_ms"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			switch req.Type {
			case "subscribe":
				if req.IntervalMs != 1000 && req.IntervalMs != 2000 && req.IntervalMs != 5000 {
					sendJSON(statusMessage{
						SchemaVersion: 1,
						Type:          "error",
						Code:          "invalid_interval",
						Message:       "interval_ms must be 1000, 2000, or 5000",
					})
					continue
				}
				subMu.Lock()
				already := subscribed
				subMu.Unlock()
				startTicker(time.Duration(req.IntervalMs)*time.Millisecond, !already)
			case "unsubscribe":
				stopTicker()
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-client.quit:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data := <-client.send:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	name := strings.TrimSpace(s.cfg.Hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: identityResponse{
		Hostname: name,
		IPs:      netinfo.ActiveIPs(),
		Version:  version.Version,
	}})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) rateLimited() {
	s.metrics.IncRateLimited()
}

// checkAuth accepts any request when no token is configured.
func (s *Server) checkAuth(r *http.Request) bool {
	if s.cfg.Control.AuthToken == "" {
		return true
	}
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, s.cfg.Control.AuthToken)
}

func (s *Server) checkStatusAuth(r *http.Request) bool {
	if s.cfg.Control.AuthToken == "" {
		return true
	}
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, s.cfg.Control.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, s.cfg.Control.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// tokenFromWebSocketProtocols reads a base64url token carried as a
// "pltester-token.<token>" subprotocol, for browsers that cannot set headers.
func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		if !strings.HasPrefix(proto, wsTokenPrefix) {
			continue
		}
		encoded := strings.TrimPrefix(proto, wsTokenPrefix)
		if encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// originAllowed admits requests without an Origin, same-host origins, and
// origins listed in server.allowed_origins. An empty list admits all.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(strings.TrimSuffix(candidate, "/"), origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
