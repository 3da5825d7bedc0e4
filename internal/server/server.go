// Package server hosts the chat backend: it upgrades HTTP connections on
// /ws to WebSocket, maintains the connection registry, and feeds incoming
// frames to the dispatcher. Reads are driven by an epoll event loop with a
// bounded worker pool.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/metrics"
)

// Config holds tunable parameters for the WebSocket server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	API            http.Handler  // REST routes mounted alongside /ws; may be nil
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with a poller for
// I/O readiness notifications, and dispatches ready connections to a
// bounded worker pool for frame reading.
type Server struct {
	config       Config
	poller       *Poller
	registry     *Registry
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // frame handler callback
	onDisconnect func(conn *Connection)              // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// New creates a Server with the given configuration and frame callback. The
// onMessage function is called from a worker goroutine whenever a complete
// WebSocket text frame is received from a client.
func New(config Config, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		registry:   NewRegistry(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting connections. It starts the event loop in a background goroutine
// and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("server: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	if s.config.API != nil {
		mux.Handle("/", s.config.API)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("server: listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: http error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, then registers the connection with the
// registry and the poller. The connection is unauthenticated until its first
// auth frame is accepted by the dispatcher.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("server: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	connID := uuid.New().String()

	c := &Connection{
		ID:         connID,
		Conn:       conn,
		Fd:         fd,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	s.registry.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("server: poller add failed for conn %s: %v", connID, err)
		s.registry.Remove(connID)
		return
	}

	metrics.ConnectionsTotal.Inc()
	log.Printf("server: new connection conn=%s fd=%d (total=%d)", connID, fd, s.registry.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. Each ready connection is handed
// to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("server: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails, the
// connection is removed from the poller and the registry.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.registry.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller
		// dispatch). The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastActive = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both the poller and the
// registry, and closes the underlying network connection. Exported so the
// heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Only proceed if the connection was actually in the registry. This
	// prevents double cleanup when multiple goroutines race to remove the
	// same connection (read error + heartbeat timeout).
	if !s.registry.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	metrics.ConnectionsTotal.Dec()
	log.Printf("server: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.registry.Count())
}

// Send writes a WebSocket text frame to the connection identified by
// connID. Goroutine-safe thanks to the per-connection write mutex.
func (s *Server) Send(connID string, data []byte) error {
	c := s.registry.Get(connID)
	if c == nil {
		return fmt.Errorf("server: connection %s not found", connID)
	}
	return s.write(c, data)
}

// SendToUser writes a WebSocket text frame to a user's authenticated
// connection, if the user is connected to this instance.
func (s *Server) SendToUser(userID string, data []byte) error {
	c := s.registry.GetByUser(userID)
	if c == nil {
		return fmt.Errorf("server: user %s not connected", userID)
	}
	return s.write(c, data)
}

func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the write deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Registry returns the connection registry for external access (heartbeat,
// dispatcher).
func (s *Server) Registry() *Registry {
	return s.registry
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, signals
// the event loop to exit, closes all active connections, and cleans up the
// poller.
func (s *Server) Shutdown() error {
	log.Println("server: shutting down...")

	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("server: http shutdown error: %v", err)
		}
	}

	for _, c := range s.registry.All() {
		_ = s.poller.Remove(c.Conn)
		if s.onDisconnect != nil && s.registry.Remove(c.ID) {
			s.onDisconnect(c)
		}
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("server: stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR), which
// is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
