// Package server exposes the progress of a zone analysis over HTTP and
// streams zone statistics to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/analysis"
	"github.com/felixriese/thermal-image-processing/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingEvery  = (pongWait * 9) / 10
	sendBuffer = 32
)

// Requests a client may send.
const (
	requestSnapshot  = "snapshot_request"
	requestStatus    = "status_request"
	requestSubscribe = "subscribe"
)

type request struct {
	Type  string   `json:"type"`
	Zones []string `json:"zones,omitempty"`
}

type subscribedMessage struct {
	Type  string   `json:"type"`
	Zones []string `json:"zones"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// client is one websocket viewer. Only its writer goroutine writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu    sync.Mutex
	zones map[string]bool // nil: every zone
}

func (c *client) subscribe(zones []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(zones) == 0 {
		c.zones = nil
		return
	}
	c.zones = make(map[string]bool, len(zones))
	for _, z := range zones {
		c.zones[z] = true
	}
}

func (c *client) filter(stats analysis.StatsMessage) analysis.StatsMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zones == nil {
		return stats
	}
	return stats.ForZones(c.zones)
}

func (c *client) filtered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zones != nil
}

// Server serves the state of one analysis run. tracker may be nil, in which
// case status and config are empty and snapshots are never available.
type Server struct {
	tracker  *analysis.Tracker
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(tracker *analysis.Tracker, logger *zap.Logger) *Server {
	return &Server{
		tracker: tracker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logging.OrNop(logger),
		clients: make(map[*client]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves on port until ctx is cancelled, relaying tracker messages
// received on messages to websocket clients.
func (s *Server) Run(ctx context.Context, port int, messages <-chan any) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go s.Broadcast(ctx, messages)

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) config() analysis.ConfigMessage {
	if s.tracker == nil {
		return analysis.ConfigMessage{Type: analysis.TypeConfig, Zones: []string{}}
	}
	return s.tracker.Config()
}

func (s *Server) status() analysis.StatusMessage {
	if s.tracker == nil {
		return analysis.StatusMessage{Type: analysis.TypeStatus}
	}
	return s.tracker.Status()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("viewer connected", zap.String("remote", r.RemoteAddr))

	s.enqueue(c, s.config())
	go s.writeLoop(c)
	go s.readLoop(c)
}

// readLoop answers client requests until the connection fails.
func (s *Server) readLoop(c *client) {
	defer s.drop(c)
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req request
		if err := c.conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.enqueue(c, errorMessage{Type: "error", Error: "malformed request"})
				continue
			}
			return
		}
		s.answer(c, req)
	}
}

func (s *Server) answer(c *client, req request) {
	switch req.Type {
	case requestSnapshot:
		if s.tracker == nil {
			return
		}
		if snap, ok := s.tracker.Snapshot(); ok {
			s.enqueue(c, c.filter(snap))
		}
	case requestStatus:
		s.enqueue(c, s.status())
	case requestSubscribe:
		known := map[string]bool{}
		for _, z := range s.config().Zones {
			known[z] = true
		}
		for _, z := range req.Zones {
			if !known[z] {
				s.enqueue(c, errorMessage{Type: "error", Error: fmt.Sprintf("unknown zone %q", z)})
				return
			}
		}
		c.subscribe(req.Zones)
		zones := req.Zones
		if zones == nil {
			zones = []string{}
		}
		s.enqueue(c, subscribedMessage{Type: "subscribed", Zones: zones})
	default:
		s.enqueue(c, errorMessage{Type: "error", Error: fmt.Sprintf("unknown request %q", req.Type)})
	}
}

// writeLoop owns all writes to the connection, including pings.
func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues message for c. A client whose queue is full is dropped.
func (s *Server) enqueue(c *client, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn("dropping unencodable message", zap.Error(err))
		return
	}
	s.enqueueRaw(c, payload)
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.config())
}

type statusResponse struct {
	analysis.StatusMessage
	Viewers int `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{StatusMessage: s.status(), Viewers: s.clientCount()})
}

// Broadcast relays tracker messages to all clients until messages is closed
// or ctx is done. Statistics are cut down to each client's subscription.
func (s *Server) Broadcast(ctx context.Context, messages <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			s.relay(message)
		}
	}
}

func (s *Server) relay(message any) {
	var stats *analysis.StatsMessage
	switch m := message.(type) {
	case *analysis.StatsMessage:
		stats = m
	case analysis.StatsMessage:
		stats = &m
	}
	var shared []byte
	for _, c := range s.snapshotClients() {
		if stats != nil && c.filtered() {
			s.enqueue(c, c.filter(*stats))
			continue
		}
		if shared == nil {
			payload, err := json.Marshal(message)
			if err != nil {
				s.logger.Warn("dropping unencodable message", zap.Error(err))
				return
			}
			shared = payload
		}
		s.enqueueRaw(c, shared)
	}
}

func (s *Server) enqueueRaw(c *client, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
		s.logger.Warn("dropping slow viewer")
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
