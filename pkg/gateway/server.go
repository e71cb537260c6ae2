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
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	maxRequestBody = 1 << 20
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
)

// SessionManager is the part of session.Manager the gateway serves.
type SessionManager interface {
	CreateSession(ctx context.Context, name string, opts session.Options) (*session.Session, error)
	GetSessionByName(name string) (*session.Session, bool)
	GetSessionByID(id string) (*session.Session, bool)
	RemoveSession(id string) bool
	Sessions() []*session.Session
}

// ChatService is the part of chat.Router the gateway serves.
type ChatService interface {
	Send(ctx context.Context, from, content, to string) (chat.SendResult, error)
	Messages(limit int, forAgent string) ([]chat.Message, error)
	MarkRead(agent string) (int, error)
}

// Searcher searches archived chat messages.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]chat.Message, error)
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Sessions     SessionManager
	Chat         ChatService // optional
	Archive      Searcher    // optional
	Queue        *commandqueue.Queue
	Logger       *zerolog.Logger
}

// Server exposes the session manager and chat over HTTP JSON-RPC and
// streams session events over websockets.
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	clients  *ClientRegistry
	router   *RPCRouter
	auth     *AuthHandler

	sessions SessionManager
	chat     ChatService
	archive  Searcher
	queue    *commandqueue.Queue
	logger   zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	streams        sync.WaitGroup
	done           chan struct{}
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	observability.EnsureRegistered()

	s := &Server{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		clients:  NewClientRegistry(),
		router:   NewRPCRouter(),
		auth:     NewAuthHandler(cfg.SharedSecret),
		sessions: cfg.Sessions,
		chat:     cfg.Chat,
		archive:  cfg.Archive,
		queue:    cfg.Queue,
		logger:   base.With().Str("component", "gateway").Logger(),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Browsers are not clients; the secret header gates access.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("auth", s.auth.Enabled()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop rejects new requests, waits for in-flight ones until ctx ends and
// closes every websocket.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	close(s.done)

	waited := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		s.streams.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse("", rpcErr))
		return
	}

	traceID := r.Header.Get(TraceHeader)
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithRequestID(tracing.WithTraceID(r.Context(), traceID), req.ID)
	// Queued prompts outlive the HTTP request.
	ctx = tracing.Detach(ctx)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := time.Now()
	resp := s.router.RouteRequest(ctx, req)

	event := logger.Debug()
	if resp.Error != nil {
		event = logger.Warn().Int("code", resp.Error.Code).Str("error", resp.Error.Message)
	}
	event.Str("method", req.Method).Dur("duration", time.Since(start)).Msg("RPC handled")

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleWebSocket streams one session's events until either side closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	var (
		sess *session.Session
		ok   bool
	)
	if id := r.URL.Query().Get("id"); id != "" {
		sess, ok = s.sessions.GetSessionByID(id)
	} else {
		sess, ok = s.sessions.GetSessionByName(r.URL.Query().Get("agent"))
	}
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	// Subscribe first so events raised right after the handshake are kept.
	events, cancel := sess.Subscribe(0)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Agent:       sess.AgentName(),
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,
	}
	s.clients.Add(client)
	s.streams.Add(1)

	s.logger.Info().Str("clientId", clientID).Str("agent", client.Agent).Str("sessionId", sess.ID()).Msg("Client connected")

	go s.streamEvents(client, events, cancel)
}

func (s *Server) streamEvents(client *Client, events <-chan session.Event, cancel func()) {
	defer func() {
		cancel()
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.streams.Done()
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	// The read loop only notices the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := client.Conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("WebSocket read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				s.writeClose(client, websocket.CloseNormalClosure, "session closed")
				return
			}
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteJSON(e); err != nil {
				s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to send event")
				return
			}
		case <-ping.C:
			if err := client.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.done:
			s.writeClose(client, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Server) writeClose(client *Client, code int, text string) {
	_ = client.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// RegisterMethod registers an extra RPC method handler
func (s *Server) RegisterMethod(name, schema string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, schema, handler)
}

// Methods returns the registered method names
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
