// Package server exposes the control surface: a websocket endpoint carrying
// JSON-RPC-style request/response frames plus chat/event notifications fanned
// out from the event stream.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/antinomyhq/forge-sub003/internal/agent"
	"github.com/antinomyhq/forge-sub003/internal/chat"
	"github.com/antinomyhq/forge-sub003/internal/config"
	"github.com/antinomyhq/forge-sub003/internal/event"
	"github.com/antinomyhq/forge-sub003/internal/logging"
	"github.com/antinomyhq/forge-sub003/internal/provider"
	"github.com/antinomyhq/forge-sub003/internal/session"
	"github.com/antinomyhq/forge-sub003/internal/workspace"
)

// request is one inbound frame.
type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response answers a request by id.
type response struct {
	ID     int64     `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

// notification is a server-initiated frame (no id).
type notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// chatEventParams is the payload of chat/event notifications.
type chatEventParams struct {
	ConversationID string      `json:"conversation_id"`
	TurnID         string      `json:"turn_id"`
	Event          event.Event `json:"event"`
}

// Server owns the listener and the per-connection pumps.
type Server struct {
	cfg      config.Config
	orch     *session.Orchestrator
	stream   *event.Stream
	client   provider.Client
	agents   *agent.Registry
	scanner  *workspace.Scanner
	upgrader websocket.Upgrader

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
}

// New creates a server.
func New(cfg config.Config, orch *session.Orchestrator, stream *event.Stream,
	client provider.Client, agents *agent.Registry, scanner *workspace.Scanner) *Server {
	return &Server{
		cfg:     cfg,
		orch:    orch,
		stream:  stream,
		client:  client,
		agents:  agents,
		scanner: scanner,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// The surface binds to loopback; editor and desktop front-ends
			// connect from file:// or app origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start begins listening. It returns once the listener is bound; serving
// continues on background goroutines until Shutdown.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{Handler: mux}
	srv := s.httpSrv
	s.mu.Unlock()

	logging.Server("control surface listening on %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.ServerError("serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the listener and closes open connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.ServerError("upgrade: %v", err)
		return
	}
	logging.Server("connection from %s", conn.RemoteAddr())

	c := &wsConn{
		server:   s,
		conn:     conn,
		outbound: make(chan any, 256),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	go c.forwardEvents()
	c.readLoop()
}

// wsConn is one front-end connection. All writes funnel through outbound so
// a single goroutine owns the socket's write side.
type wsConn struct {
	server   *Server
	conn     *websocket.Conn
	outbound chan any
	done     chan struct{}
	once     sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConn) send(v any) {
	select {
	case c.outbound <- v:
	case <-c.done:
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case v := <-c.outbound:
			if err := c.conn.WriteJSON(v); err != nil {
				logging.ServerError("write: %v", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// forwardEvents subscribes this connection to the event stream and forwards
// every envelope as a chat/event notification.
func (c *wsConn) forwardEvents() {
	events, unsub := c.server.stream.Subscribe(256)
	defer unsub()

	for {
		select {
		case env, ok := <-events:
			if !ok {
				return
			}
			c.send(notification{
				Method: "chat/event",
				Params: chatEventParams{
					ConversationID: env.ConversationID,
					TurnID:         env.TurnID,
					Event:          env.Event,
				},
			})
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) readLoop() {
	defer c.close()
	for {
		var req request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Server("connection closed")
			} else {
				logging.ServerError("read: %v", err)
			}
			return
		}

		result, err := c.server.dispatch(req)
		resp := response{ID: req.ID, Result: result}
		if err != nil {
			resp.Result = nil
			resp.Error = &rpcError{Message: err.Error()}
		}
		c.send(resp)
	}
}

// dispatch routes one request to its handler.
func (s *Server) dispatch(req request) (any, error) {
	logging.Server("rpc: %s", req.Method)
	switch req.Method {
	case "thread/start":
		return s.threadStart(req.Params)
	case "turn/start":
		return s.turnStart(req.Params)
	case "turn/cancel":
		return s.turnCancel(req.Params)
	case "agent/list":
		return s.agents.List(), nil
	case "agent/set":
		return s.agentSet(req.Params)
	case "model/list":
		return provider.KnownModels, nil
	case "model/set":
		return s.modelSet(req.Params)
	case "env/info":
		return s.envInfo(), nil
	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func (s *Server) threadStart(params json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	id, err := s.orch.StartThread(p.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"conversation_id": id}, nil
}

func (s *Server) turnStart(params json.RawMessage) (any, error) {
	var p struct {
		ConversationID string   `json:"conversation_id"`
		Message        string   `json:"message"`
		Files          []string `json:"files"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	attachments, err := loadAttachments(p.Files)
	if err != nil {
		return nil, err
	}

	turnID, err := s.orch.StartTurn(context.Background(), p.ConversationID, p.Message, attachments)
	if err != nil {
		return nil, err
	}
	return map[string]string{"turn_id": turnID}, nil
}

func (s *Server) turnCancel(params json.RawMessage) (any, error) {
	var p struct {
		ConversationID string `json:"conversation_id"`
		TurnID         string `json:"turn_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := s.orch.CancelTurn(p.ConversationID, p.TurnID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) agentSet(params json.RawMessage) (any, error) {
	var p struct {
		ConversationID string `json:"conversation_id"`
		AgentID        string `json:"agent_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if err := s.orch.SetAgent(p.ConversationID, p.AgentID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) modelSet(params json.RawMessage) (any, error) {
	var p struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	s.client.SetModel(p.Model)
	return map[string]string{"model": p.Model}, nil
}

func (s *Server) envInfo() any {
	info := s.scanner.Snapshot()
	return map[string]any{
		"os":          info.OS,
		"shell":       info.Shell,
		"working_dir": info.WorkingDir,
		"provider":    s.cfg.Provider,
		"model":       s.client.Model(),
		"replay_mode": string(s.cfg.Replay.Mode),
	}
}

// loadAttachments reads image files into inline attachments. Non-image files
// are rejected; tools are the way to bring source files into context.
func loadAttachments(files []string) ([]chat.Image, error) {
	var out []chat.Image
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading attachment %s: %w", path, err)
		}
		mime := http.DetectContentType(data)
		if !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("attachment %s is not an image (%s)", path, mime)
		}
		out = append(out, chat.Image{
			Base64:   base64.StdEncoding.EncodeToString(data),
			MimeType: mime,
		})
	}
	return out, nil
}
