// Package websocket streams committed ledger events to WebSocket clients
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/lx"
)

// Channels clients may subscribe to. A channel may be narrowed to one
// account with a suffix, e.g. "positions:alice".
var Channels = []string{"prices", "positions", "orders"}

// ErrBacklog is returned by Publish when the hub cannot keep up.
var ErrBacklog = errors.New("websocket: broadcast backlog full")

// Server represents a WebSocket hub for ledger events
type Server struct {
	config Config
	logger log.Logger

	// Client management
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	sequence    uint64
	messagesOut uint64
	dropped     uint64
	clientCount int32

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	mu       sync.Mutex
}

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// Config holds WebSocket server configuration
type Config struct {
	Port            int
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
	BroadcastBuffer int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		Port:            8081,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      256,
		BroadcastBuffer: 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

// NewServer creates a new WebSocket hub. Run must be called before clients
// receive anything.
func NewServer(logger log.Logger, config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:        config,
		logger:        logger,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, config.BroadcastBuffer),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Run starts the hub goroutine.
func (s *Server) Run() {
	s.once.Do(func() {
		s.wg.Add(1)
		go s.runHub()
	})
}

// Handler serves the upgrade endpoint at /ws and stats at /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start runs the hub and serves WebSocket clients on port until ctx is done
func (s *Server) Start(ctx context.Context, port int) error {
	s.Run()

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		server.Shutdown(context.Background())
		s.Stop()
	}()

	s.logger.Info("WebSocket server starting", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Stop shuts down the hub and disconnects every client
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Publish implements lx.Publisher. It never blocks: when the broadcast
// backlog is full the event is dropped.
func (s *Server) Publish(e *lx.Event) error {
	msg := Message{
		Type:      string(e.Type),
		Channel:   e.Type.Channel(),
		Data:      e,
		Timestamp: e.Time.Unix(),
		Sequence:  atomic.AddUint64(&s.sequence, 1),
	}
	select {
	case s.broadcast <- msg:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.logger.Warn("Dropping event, broadcast backlog full", "type", e.Type, "id", e.ID)
		return ErrBacklog
	}
}

// runHub manages client connections and message routing
func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			for client := range s.clients {
				s.removeClient(client)
			}
			return

		case client := <-s.register:
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.logger.Debug("Client connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			if s.clients[client] {
				s.removeClient(client)
				s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))
			}

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

// removeClient must only be called from the hub goroutine, which owns the
// send channels.
func (s *Server) removeClient(client *Client) {
	delete(s.clients, client)
	s.unsubscribeAll(client)
	close(client.send)
	atomic.AddInt32(&s.clientCount, -1)
}

// handleWebSocket handles WebSocket upgrade and client connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.ReadBufferSize,
		WriteBufferSize: s.config.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendBuffer),
		channels: make(map[string]bool),
	}

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id, "channels": Channels},
		Timestamp: time.Now().Unix(),
	})

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// handleHealth provides health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		var msg json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type clientRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(raw json.RawMessage) {
	var req clientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		for _, channel := range req.Channels {
			if !validChannel(channel) {
				c.sendError(fmt.Sprintf("Unknown channel: %s", channel))
				return
			}
		}
		for _, channel := range req.Channels {
			c.mu.Lock()
			c.channels[channel] = true
			c.mu.Unlock()
			c.server.subscribe(channel, c)
		}
		c.sendMessage(Message{
			Type:      "subscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().Unix(),
		})
	case "unsubscribe":
		for _, channel := range req.Channels {
			c.mu.Lock()
			delete(c.channels, channel)
			c.mu.Unlock()
			c.server.unsubscribe(channel, c)
		}
		c.sendMessage(Message{
			Type:      "unsubscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().Unix(),
		})
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func validChannel(channel string) bool {
	for _, ch := range Channels {
		if channel == ch || (len(channel) > len(ch)+1 && channel[:len(ch)+1] == ch+":") {
			return true
		}
	}
	return false
}

// sendMessage queues a reply for the client, dropping it if the client is
// not draining its queue.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}

	defer func() {
		// send was closed by the hub while this client was replying
		recover()
	}()
	select {
	case c.send <- data:
	default:
		atomic.AddUint64(&c.server.dropped, 1)
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll removes a client from all channels
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// broadcastMessage sends a message to the clients subscribed to its channel
// and to the channel narrowed to the event's account.
func (s *Server) broadcastMessage(msg Message) {
	targets := []string{msg.Channel}
	if e, ok := msg.Data.(*lx.Event); ok && e.Account != "" {
		targets = append(targets, msg.Channel+":"+string(e.Account))
	}

	var data []byte
	for _, channel := range targets {
		s.subMu.RLock()
		clients := make([]*Client, 0, len(s.subscriptions[channel]))
		for client := range s.subscriptions[channel] {
			clients = append(clients, client)
		}
		s.subMu.RUnlock()

		if len(clients) == 0 {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(msg); err != nil {
				s.logger.Error("Failed to marshal broadcast message", "error", err)
				return
			}
		}

		for _, client := range clients {
			if !s.clients[client] {
				continue
			}
			select {
			case client.send <- data:
			default:
				s.logger.Warn("Disconnecting slow client", "id", client.id)
				s.removeClient(client)
			}
		}
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}
