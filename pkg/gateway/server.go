package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/soren/mika/internal/observability"
	"github.com/soren/mika/pkg/dispatch"
)

// Config holds the gateway server configuration.
type Config struct {
	Host         string
	Port         int
	SharedSecret string
}

// AgentDispatcher runs a prompt through the execution pipeline and returns
// the agent's reply.
type AgentDispatcher func(ctx context.Context, prompt, sessionKey string) (interface{}, error)

// QueueController is the slice of the dispatcher the gateway methods need.
type QueueController interface {
	CancelRequest(ctx context.Context, sessionKey string) bool
	ResetRequest(ctx context.Context, sessionKey string) bool
	ClearQueue(sessionKey string) int
	QueuePosition(sessionKey string) int
	IsProcessing(sessionKey string) bool
}

// SessionStore is the slice of the session manager the gateway methods need.
type SessionStore interface {
	List() ([]string, error)
	Info(sessionKey string) (map[string]interface{}, error)
	Clear(ctx context.Context, sessionKey string) error
}

// EventSource lets the gateway subscribe to queue activity.
type EventSource interface {
	On(eventType string, handler dispatch.EventHandler)
}

// Server is the WebSocket gateway for operator clients.
type Server struct {
	config          Config
	logger          zerolog.Logger
	upgrader        websocket.Upgrader
	clients         *ClientRegistry
	router          *RPCRouter
	authHandler     *AuthHandler
	broadcaster     *EventBroadcaster
	agentDispatcher AgentDispatcher
	queue           QueueController
	sessions        SessionStore

	httpServer *http.Server
	mu         sync.Mutex
	running    bool
}

// NewServer creates a new gateway server.
func NewServer(cfg Config, logger zerolog.Logger, agentDispatcher AgentDispatcher, queue QueueController, sessions SessionStore) (*Server, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if agentDispatcher == nil {
		return nil, fmt.Errorf("agent dispatcher is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue controller is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	observability.EnsureRegistered()

	clients := NewClientRegistry()
	s := &Server{
		config: cfg,
		logger: logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Operator clients connect from local tooling.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:         clients,
		router:          NewRPCRouter(),
		authHandler:     NewAuthHandler(cfg.SharedSecret),
		broadcaster:     NewEventBroadcaster(clients, logger),
		agentDispatcher: agentDispatcher,
		queue:           queue,
		sessions:        sessions,
	}
	s.registerBuiltinMethods()
	return s, nil
}

// WatchQueue forwards queue activity to connected clients as events.
func (s *Server) WatchQueue(events EventSource) {
	forward := func(name string) dispatch.EventHandler {
		return func(ev dispatch.Event) {
			s.broadcaster.BroadcastTyped(EventMessage{
				Event:   name,
				Session: ev.Session,
				Data: map[string]interface{}{
					"callId": ev.CallID,
					"detail": ev.Data,
				},
			})
		}
	}

	events.On(dispatch.EventEnqueued, forward("queue.enqueued"))
	events.On(dispatch.EventStarted, forward("queue.started"))
	events.On(dispatch.EventCompleted, forward("queue.completed"))
	events.On(dispatch.EventCleared, forward("queue.cleared"))
}

// Start starts the gateway server. It does not block.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", observability.MetricsHandler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.running = true
	return nil
}

// Stop shuts the server down, notifying connected clients first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.broadcaster.Broadcast("gateway.shutdown", map[string]interface{}{
		"reason": "server stopping",
	})

	for _, client := range s.clients.GetAuthenticatedClients() {
		deadline := time.Now().Add(time.Second)
		_ = client.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
	}

	return s.httpServer.Shutdown(ctx)
}

// IsRunning reports whether the server has been started.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RegisterMethod registers an RPC method handler.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Broadcast sends an event to all authenticated clients.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.clients.Count()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.clients.Count(),
	})
}

// handleRPC serves JSON-RPC over plain HTTP, authenticated by the shared
// secret header.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("X-Mika-Secret") != s.config.SharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	var req RPCRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeRPCError(w, "", ParseError, "Parse error")
		return
	}
	if req.Method == "" {
		writeRPCError(w, req.ID, InvalidRequest, "Invalid request: missing method field")
		return
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}

	resp := s.router.RouteRequest(&req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCError(w http.ResponseWriter, id string, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{
		ID:      id,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client ID")
		conn.Close()
		return
	}

	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
		State:        StateAuthenticating,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("remote", r.RemoteAddr).
		Msg("Client connected")

	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to generate challenge")
		s.dropClient(client)
		return
	}
	client.Challenge = challenge

	if err := client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge}); err != nil {
		s.dropClient(client)
		return
	}

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	defer s.dropClient(client)

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Client read error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, data)
	}
}

func (s *Server) handleMessage(client *Client, data []byte) {
	if !client.Authenticated {
		s.handleAuthMessage(client, data)
		return
	}

	req, err := s.router.ParseRequest(data)
	if err != nil {
		rpcErr, _ := err.(*RPCError)
		if rpcErr == nil {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		_ = client.WriteJSON(RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	if allowed, reason := client.RateLimiter.CheckRequestAllowed(); !allowed {
		_ = client.WriteJSON(RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: RateLimitExceeded, Message: reason},
		})
		return
	}

	client.RateLimiter.RecordRequestStart()
	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		resp := s.router.RouteRequest(req)
		if err := client.WriteJSON(resp); err != nil {
			s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to write response")
		}
	}()
}

func (s *Server) handleAuthMessage(client *Client, data []byte) {
	var resp AuthResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.Method != "auth" {
		_ = client.WriteJSON(AuthResult{
			Event:   "auth.failure",
			Message: "Expected auth response",
		})
		return
	}

	result := s.authHandler.HandleAuthResponse(client, resp.Signature)
	_ = client.WriteJSON(result)

	if !result.Success {
		if client.AuthAttempts >= 3 {
			s.logger.Warn().Str("clientId", client.ID).Msg("Client blocked after repeated auth failures")
			s.dropClient(client)
		}
		return
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
}

func (s *Server) dropClient(client *Client) {
	s.clients.Remove(client.ID)
	_ = client.Conn.Close()
	s.logger.Debug().Str("clientId", client.ID).Msg("Client disconnected")
}
