package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/dqagent/internal/observability"
	"github.com/harun/dqagent/internal/tracing"
	"github.com/harun/dqagent/pkg/commandqueue"
	"github.com/harun/dqagent/pkg/session"
	"github.com/harun/dqagent/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SecretHeader carries the shared secret on HTTP RPC requests.
const SecretHeader = "X-DQAgent-Secret"

const maxRequestBytes = 1 << 20

// ToolLister lists the registered checks.
type ToolLister interface {
	List() []toolexecutor.ToolInfo
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	SharedSecret   string
	Sessions       *session.Manager
	Tools          ToolLister
	Queue          *commandqueue.Queue
	TickInterval   time.Duration
	RunTimeout     time.Duration
	QueueWarnAfter time.Duration
	ShutdownGrace  time.Duration
	Logger         zerolog.Logger
}

// Server exposes sessions over HTTP JSON-RPC and WebSocket.
type Server struct {
	addr           string
	tickInterval   time.Duration
	runTimeout     time.Duration
	queueWarnAfter time.Duration
	shutdownGrace  time.Duration

	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	sessions    *session.Manager
	tools       ToolLister
	queue       *commandqueue.Queue
	logger      zerolog.Logger

	baseCtx      context.Context
	cancelBase   context.CancelFunc
	shutdownMu   sync.RWMutex
	shuttingDown bool
	inFlight     sync.WaitGroup
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	observability.EnsureRegistered()

	clients := NewClientRegistry()
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tickInterval:   cfg.TickInterval,
		runTimeout:     cfg.RunTimeout,
		queueWarnAfter: cfg.QueueWarnAfter,
		shutdownGrace:  cfg.ShutdownGrace,
		clients:        clients,
		router:         NewRPCRouter(),
		authHandler:    NewAuthHandler(cfg.SharedSecret),
		broadcaster:    NewEventBroadcaster(clients, cfg.Logger),
		sessions:       cfg.Sessions,
		tools:          cfg.Tools,
		queue:          cfg.Queue,
		logger:         cfg.Logger,
		baseCtx:        baseCtx,
		cancelBase:     cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Bool("auth", s.authHandler.Enabled()).Msg("Starting Gateway Server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.emitTicks(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(httpServer)
	})
	return g.Wait()
}

func (s *Server) shutdown(httpServer *http.Server) error {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.broadcaster.Publish("", "server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownGrace):
		s.logger.Warn().Dur("grace", s.shutdownGrace).Msg("Shutdown grace period reached, cancelling requests")
		s.cancelBase()
	}

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer s.cancelBase()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) emitTicks(ctx context.Context) {
	if s.tickInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcaster.Publish("", "tick", map[string]interface{}{"status": "alive"})
		}
	}
}

func (s *Server) isShuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.shuttingDown
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.isShuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	client := newClient(clientID, conn, r.RemoteAddr)
	s.clients.Add(client)
	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.greet(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// greet sends the auth challenge, or trusts the client when no secret is set.
func (s *Server) greet(client *Client) error {
	if !s.authHandler.Enabled() {
		s.authHandler.Trust(client)
		return client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	}
	challenge, err := s.authHandler.Challenge(client)
	if err != nil {
		return err
	}
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxRequestBytes)
	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		client.touch()
		if closeConn := s.handleMessage(client, message); closeConn {
			return
		}
	}
}

// handleMessage handles one frame. It returns true when the connection
// should be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated() {
		s.sendError(client, "", &RPCError{Code: AuthenticationRequired, Message: "Authentication required"})
		return false
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.sendError(client, "", errorFor(err))
		return false
	}

	if rpcErr := client.RateLimiter.Acquire(); rpcErr != nil {
		s.sendError(client, req.ID, rpcErr)
		return false
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer client.RateLimiter.Release()

		ctx := tracing.NewRequestContext(s.baseCtx)
		ctx = tracing.WithRequestID(ctx, req.ID)
		ctx = withCaller(ctx, client)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Str("clientId", client.ID).Str("method", req.Method).Msg("Gateway received WebSocket RPC request")

		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send response")
		}
	}()
	return false
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.isShuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: errorFor(err)})
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	ctx := r.Context()
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.WithRequestID(ctx, req.ID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("method", req.Method).Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleAuthMessage handles authentication messages. It returns true when the
// client exhausted its attempts.
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result, exhausted := s.authHandler.HandleAuthResponse(client, authResp.Signature)
	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return true
	}
	if result.Success {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return false
	}
	s.logger.Warn().Str("clientId", client.ID).Str("reason", result.Message).Msg("Authentication failed")
	return exhausted
}

func (s *Server) sendError(client *Client, requestID string, rpcErr *RPCError) {
	response := RPCResponse{ID: requestID, JSONRPC: "2.0", Error: rpcErr}
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send error response")
	}
}

// Publish pushes an event to the clients subscribed to sessionKey.
func (s *Server) Publish(sessionKey, event string, data interface{}) int {
	return s.broadcaster.Publish(sessionKey, event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// UnregisterMethod unregisters an RPC method handler
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// ConnectedClients returns information about all connected clients
func (s *Server) ConnectedClients() []ClientInfo {
	return s.clients.Info()
}
