package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/teampoint/teampoint/internal/config"
	"github.com/teampoint/teampoint/internal/game/cards"
	"github.com/teampoint/teampoint/internal/game/room"
	"github.com/teampoint/teampoint/internal/gameserver"
	"github.com/teampoint/teampoint/internal/observability"
)

// EventHandler consumes inbound frames and connection loss.
type EventHandler interface {
	Dispatch(connID string, frame []byte)
	Disconnect(connID string)
}

// RoomReader is the read-only registry view served over HTTP.
type RoomReader interface {
	Get(code string) (room.Room, bool)
	Count() int
}

// Server is the HTTP listener carrying the WebSocket endpoint and the
// read-only JSON API.
type Server struct {
	cfg    config.HTTPConfig
	wsCfg  config.WebSocketConfig
	hub    *Hub
	events EventHandler
	rooms  RoomReader
	deck   *cards.Deck
	logger *zap.Logger

	upgrader websocket.Upgrader
	engine   *gin.Engine
	http     *http.Server

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool
	done     chan struct{}
}

// NewServer creates a Server.
//
// Precondition: hub, events, rooms, deck and logger must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(
	cfg config.HTTPConfig,
	wsCfg config.WebSocketConfig,
	hub *Hub,
	events EventHandler,
	rooms RoomReader,
	deck *cards.Deck,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:    cfg,
		wsCfg:  wsCfg,
		hub:    hub,
		events: events,
		rooms:  rooms,
		deck:   deck,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.engine = s.routes()
	s.http = &http.Server{
		Handler: cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodHead, http.MethodGet},
			AllowedHeaders: []string{"*"},
		}).Handler(s.engine),
		ReadHeaderTimeout: cfg.ReadTimeout,
	}
	return s
}

// Handler returns the root HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.track(), observability.GinRecovery(s.logger), observability.GinLogger(s.logger))

	r.GET("/ws", s.handleUpgrade)
	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api", s.writeTimeout())
	api.GET("/cards", s.handleCards)
	api.GET("/rooms/:code", s.handleRoom)
	return r
}

// track counts in-flight requests, hijacked WebSocket handlers included, so
// Stop can wait for them.
func (s *Server) track() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		c.Next()
	}
}

// writeTimeout applies HTTPConfig.WriteTimeout to plain API responses.
func (s *Server) writeTimeout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.WriteTimeout > 0 {
			rc := http.NewResponseController(c.Writer)
			_ = rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"rooms":       s.rooms.Count(),
		"connections": s.hub.Count(),
	})
}

func (s *Server) handleCards(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cards": s.deck.Faces()})
}

func (s *Server) handleRoom(c *gin.Context) {
	rm, ok := s.rooms.Get(c.Param("code"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": room.ErrRoomNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gameserver.NewRoomView(rm))
}

func (s *Server) handleUpgrade(c *gin.Context) {
	if !s.IsRunning() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	raw, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.serveConn(newConn(raw, s.wsCfg))
}

// serveConn runs both pumps and reports the disconnect once the read side ends.
func (s *Server) serveConn(conn *Conn) {
	start := time.Now()
	s.hub.register(conn)
	if !s.IsRunning() {
		// Stop ran between the upgrade and the registration.
		conn.Close()
	}
	s.logger.Info("client connected",
		zap.String("conn_id", conn.ID()),
		zap.String("remote_addr", conn.RemoteAddr()),
	)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writePump(s.logger)
	}()

	err := conn.readPump(func(frame []byte) {
		s.events.Dispatch(conn.ID(), frame)
	})

	s.hub.unregister(conn)
	_ = conn.outbox.Close()
	s.events.Disconnect(conn.ID())
	select {
	case <-writerDone:
	case <-time.After(s.wsCfg.WriteTimeout):
		conn.Close()
		<-writerDone
	}
	conn.Close()

	fields := []zap.Field{
		zap.String("conn_id", conn.ID()),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Debug("client disconnected", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("client disconnected", fields...)
}

// ListenAndServe starts the HTTP listener and serves until Stop is called.
// This method blocks until the server is stopped.
//
// Precondition: The server must not already be running.
// Postcondition: The listener is closed when this method returns.
func (s *Server) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("http server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	<-s.done
	return nil
}

// Stop stops accepting requests, closes every WebSocket connection and waits
// for their handlers to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.hub.CloseAll()
	s.wg.Wait()
	close(s.done)

	s.logger.Info("http server stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// originChecker allows requests without an Origin header, any origin when
// the list contains "*", and otherwise exact matches only.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}
