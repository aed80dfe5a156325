// Package ws is the connection gateway: it upgrades HTTP connections to
// WebSocket, tracks live connections, reads complete messages through an
// epoll-driven worker pool, and hands them to the message dispatcher.
package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/whisper/duel-relay/internal/metrics"
)

var (
	// ErrConnectionNotFound is returned by SendMessage for unknown ids.
	ErrConnectionNotFound = errors.New("ws: connection not found")

	errServerClosed  = errors.New("ws: server closed")
	errMessageTooBig = errors.New("ws: message exceeds size limit")
	errPeerClosed    = errors.New("ws: peer sent close frame")
)

// DefaultMaxMessageBytes bounds a single inbound application message.
const DefaultMaxMessageBytes = 16 << 20

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string          // address to listen on, e.g. ":8080"
	WorkerPoolSize  int             // max concurrent read-worker goroutines
	MaxConnections  int             // hard cap on total connections
	ReadTimeout     time.Duration   // timeout for WebSocket read operations
	WriteTimeout    time.Duration   // timeout for WebSocket write operations
	MaxMessageBytes int64           // largest accepted application message
	Heartbeat       HeartbeatConfig // ping interval and liveness timeout
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: DefaultMaxMessageBytes,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with the poller, and dispatches
// ready connections to a bounded worker pool for message reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	httpServer   *http.Server
	logger       *zap.Logger
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time

	// lifeMu orders Init against Shutdown so a server shut down before it
	// starts never creates a poller.
	lifeMu sync.Mutex

	healthMu sync.RWMutex
	health   map[string]func() interface{}
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// with every complete application message received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte), logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		logger:     logger.Named("ws"),
		done:       make(chan struct{}),
		health:     make(map[string]func() interface{}),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Init creates the poller and starts the event loop and heartbeat monitor.
// Start calls it; tests that serve Handler themselves call it directly.
func (s *Server) Init() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	select {
	case <-s.done:
		return errServerClosed
	default:
	}

	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return errors.Wrap(err, "ws: failed to create epoll")
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start initializes the server and blocks serving HTTP on ListenAddr.
func (s *Server) Start() error {
	if err := s.Init(); err != nil {
		if errors.Is(err, errServerClosed) {
			return nil
		}
		return err
	}

	s.logger.Info("server listening",
		zap.String("addr", s.config.ListenAddr),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections),
		zap.Int64("max_message_bytes", s.config.MaxMessageBytes))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "ws: http server error")
	}
	return nil
}

// AddHealthDetail adds a named field to the /health response.
func (s *Server) AddHealthDetail(name string, fn func() interface{}) {
	s.healthMu.Lock()
	s.health[name] = fn
	s.healthMu.Unlock()
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it with the connection manager and poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	fd := socketFD(conn)
	readConn, err := s.epoll.Add(conn)
	if err != nil {
		s.logger.Warn("epoll add failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = conn.Close()
		return
	}

	c := &Connection{
		ID:         uuid.NewString(),
		Conn:       readConn,
		Fd:         fd,
		RemoteAddr: r.RemoteAddr,
		CreatedAt:  time.Now(),
	}
	c.Touch()
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	s.logger.Debug("new connection",
		zap.String("conn_id", c.ID), zap.Int("fd", fd), zap.Int("total", s.conns.Count()))
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":      "ok",
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	}
	s.healthMu.RLock()
	for name, fn := range s.health {
		resp[name] = fn()
	}
	s.healthMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop and hands each ready connection
// to a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("epoll wait error", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one complete message from a ready connection. Control
// frames are answered in place. A read error, close frame or oversized
// message removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		s.epoll.Resume(netConn)
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	data, err := s.readMessage(c)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if errors.Is(err, errMessageTooBig) {
			s.logger.Info("message too big, closing",
				zap.String("conn_id", c.ID), zap.Int64("limit", s.config.MaxMessageBytes))
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "message too big")))
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	if len(data) == 0 {
		return
	}
	s.dispatch(c, data)
}

// readMessage reads the next frame. Control frames are handled and yield nil
// data; data frames are read to the end of the message, including
// continuation frames, within MaxMessageBytes.
func (s *Server) readMessage(c *Connection) ([]byte, error) {
	rd := &wsutil.Reader{
		Source:    c.Conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(hdr ws.Header, r io.Reader) error {
			return s.handleControl(c, hdr, r)
		},
	}

	hdr, err := rd.NextFrame()
	if err != nil {
		return nil, err
	}

	// Any frame proves the connection is alive.
	c.Touch()

	if hdr.OpCode.IsControl() {
		return nil, s.handleControl(c, hdr, rd)
	}

	limit := s.config.MaxMessageBytes
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	if hdr.Length > limit {
		return nil, errMessageTooBig
	}

	data, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errMessageTooBig
	}
	return data, nil
}

// handleControl answers ping with pong and close with close.
func (s *Server) handleControl(c *Connection, hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return errPeerClosed
	}
	return nil
}

// dispatch runs the message callback, recovering from handler panics so one
// bad message never takes down the worker or other connections.
func (s *Server) dispatch(c *Connection, data []byte) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("message handler panicked",
				zap.String("conn_id", c.ID), zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, close frame, heartbeat timeout, or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from the poller and the connection
// manager and closes it. Concurrent removals of the same connection run the
// disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	s.logger.Debug("connection closed", zap.String("conn_id", c.ID), zap.Int("total", s.conns.Count()))
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return errors.Wrapf(ErrConnectionNotFound, "id %s", connID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	// Clear the deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then removes every
// connection, which runs the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.stopOnce.Do(func() { close(s.done) })
	// Wait out an Init in progress; after this s.epoll no longer changes.
	s.lifeMu.Lock()
	s.lifeMu.Unlock()

	var err error
	if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
		err = errors.Wrap(shutdownErr, "ws: http shutdown")
	}

	for _, c := range s.conns.All() {
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown")))
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info("server stopped")
	return err
}
