package gateway

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// staleKillDelay is the grace between SIGTERMing a stale gateway holding
// our port and retrying the bind.
const staleKillDelay = 500 * time.Millisecond

// Server is the WebSocket control plane: it terminates TLS, upgrades and
// authenticates subscribers, and hands their RPC traffic to the method
// router. Event fan-out lives on the Hub.
type Server struct {
	cfg     *config.Config
	hub     *Hub
	router  *MethodRouter
	token   string
	limiter *authLimiter

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
	startedAt  time.Time
}

// NewServer wires the transport around an existing hub. token is the
// shared secret every client must present.
func NewServer(cfg *config.Config, hub *Hub, token string) *Server {
	s := &Server{
		cfg:       cfg,
		hub:       hub,
		router:    NewMethodRouter(),
		token:     token,
		limiter:   newAuthLimiter(),
		startedAt: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router.Register(protocol.MethodAuth, s.handleAuth)
	s.router.Register(protocol.MethodHealth, s.handleHealthRPC)
	return s
}

// Router returns the method router for registering handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// Hub returns the fan-out hub.
func (s *Server) Hub() *Hub { return s.hub }

// checkOrigin admits non-browser clients (no Origin header) and browsers
// whose Origin is on the configured allow-list. A browser with no
// allow-list configured is rejected.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.cfg.GatewaySettings().AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start binds the configured address and serves until ctx ends. A port
// held by a stale gateway instance gets one kill-and-retry before the
// bind error surfaces.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	gw := s.cfg.GatewaySettings()
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)

	ln, err := s.listenWithRetry(addr)
	if err != nil {
		return fmt.Errorf("gateway bind %s: %w", addr, err)
	}

	if gw.TLSEnabled() {
		cert, err := EnsureTLSCert(config.TLSDir())
		if err != nil {
			ln.Close()
			return fmt.Errorf("gateway tls: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	if err := writePidFile(config.PidPath()); err != nil {
		slog.Warn("gateway.pid file write failed", "error", err)
	}
	defer os.Remove(config.PidPath())

	s.httpServer = &http.Server{Handler: mux}
	s.startedAt = time.Now()
	slog.Info("gateway.listening", "addr", addr, "tls", gw.TLSEnabled())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

func (s *Server) listenWithRetry(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) || !killStaleInstance(config.PidPath()) {
		return nil, err
	}
	slog.Warn("gateway.port busy, signalled stale instance", "addr", addr)
	time.Sleep(staleKillDelay)
	return net.Listen("tcp", addr)
}

// killStaleInstance SIGTERMs the pid recorded by a previous gateway run.
// Returns true when a signal was actually delivered.
func killStaleInstance(pidPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.SIGTERM) == nil
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// handleWebSocket upgrades the connection and pumps it until it drops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.hub.register(client)
	defer func() {
		s.hub.unregister(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// handleHealth serves the plain HTTP health probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.healthPayload())
}

func (s *Server) handleHealthRPC(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	return s.healthPayload(), nil
}

type healthStatus struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
	TLS    bool   `json:"tls"`
}

func (s *Server) healthPayload() healthStatus {
	return healthStatus{
		Status: "ok",
		Uptime: int64(time.Since(s.startedAt).Seconds()),
		TLS:    s.cfg.GatewaySettings().TLSEnabled(),
	}
}

// handleAuth completes the handshake: constant-time token check, failed
// attempts rate-limited per remote address. Success flips the client
// into the subscriber set and pushes the current active-run status.
func (s *Server) handleAuth(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.Error) {
	if c.Authed() {
		return map[string]string{"clientId": c.id}, nil
	}

	if !s.limiter.allow(c.remoteAddr) {
		return nil, protocol.Errorf(protocol.CodeUnauthorized, "too many failed attempts, retry later")
	}

	var p struct {
		Token string `json:"token"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}

	if p.Token == "" || subtle.ConstantTimeCompare([]byte(p.Token), []byte(s.token)) != 1 {
		s.limiter.recordFailure(c.remoteAddr)
		return nil, protocol.Errorf(protocol.CodeUnauthorized, "invalid token")
	}

	c.markAuthed()
	s.hub.welcome(c)
	slog.Debug("gateway.client authenticated", "client", c.id)
	return map[string]string{"clientId": c.id}, nil
}

// StartTestServer binds a plain listener on a random loopback port and
// returns its address plus a start function. Integration tests dial ws://
// against it; TLS and pid handling stay out of the way.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
