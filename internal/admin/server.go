package admin

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/teampoint/teampoint/internal/config"
	"github.com/teampoint/teampoint/internal/observability"
)

// DefaultGracePeriod bounds GracefulStop before open streams are cut.
const DefaultGracePeriod = 5 * time.Second

// Server hosts the admin and health services on one gRPC listener.
type Server struct {
	cfg    config.AdminConfig
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewServer creates a Server exposing svc.
//
// Precondition: svc and logger must be non-nil.
// Postcondition: Returns a Server ready for Start; health reports SERVING.
func NewServer(cfg config.AdminConfig, svc AdminServer, logger *zap.Logger) *Server {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(logger)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	Register(gs, svc)
	reflection.Register(gs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{
		cfg:    cfg,
		grpc:   gs,
		health: hs,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// GRPC returns the underlying server, for serving on a custom listener.
func (s *Server) GRPC() *grpc.Server {
	return s.grpc
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	close(s.ready)
	s.mu.Unlock()

	s.logger.Info("admin server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving grpc: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING, then drains calls for up to DefaultGracePeriod.
func (s *Server) Stop() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DefaultGracePeriod):
		s.logger.Warn("admin server grace period elapsed; closing streams")
		s.grpc.Stop()
		<-done
	}
	s.logger.Info("admin server stopped")
}

// Addr returns the bound address once Serve has started, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Ready is closed once the server has a listener.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}
