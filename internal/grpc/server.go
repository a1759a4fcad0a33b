package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/token"
)

// Ledger is the subset of ledger operations the control plane needs.
// Implemented by *token.Manager.
type Ledger interface {
	// CountAll returns the total number of ledger events.
	CountAll(ctx context.Context) (int64, error)

	// CountHolds counts holds, optionally narrowed to one state.
	CountHolds(ctx context.Context, state token.HoldState) (int64, error)

	// ProcessExpiredHolds reverses open holds whose expiry lies at least
	// expiredForSeconds in the past.
	ProcessExpiredHolds(ctx context.Context, expiredForSeconds int64, batchSize int) (*token.ExpiryResult, error)

	// PurgeOld runs one retention pass.
	PurgeOld(ctx context.Context, opts token.PurgeOptions) (*token.PurgeResult, error)
}

// RunObserver records the duration and outcome of a triggered pass.
// Satisfied by the RPC metrics set.
type RunObserver interface {
	ObserveWorkerRun(worker string, elapsed time.Duration, err error)
}

// Server is the gRPC control-plane server.
type Server struct {
	mu sync.RWMutex

	grpcServer *grpc.Server
	ledger     Ledger
	config     *ServerConfig
	log        *logging.Logger
	observer   RunObserver

	listener net.Listener
	running  bool
}

// ServerOption is a function that configures a Server.
type ServerOption func(*Server)

// WithLogger sets the structured logger for the server.
func WithLogger(log *logging.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRunObserver sets the observer notified after each triggered pass.
func WithRunObserver(obs RunObserver) ServerOption {
	return func(s *Server) {
		s.observer = obs
	}
}

// NewServer creates a new gRPC server serving the ops service over the
// given ledger.
func NewServer(cfg *ServerConfig, ledger Ledger, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	server := &Server{
		ledger:  ledger,
		config:  cfg,
		log:     logging.NewNop(),
		running: false,
	}
	for _, opt := range opts {
		opt(server)
	}

	server.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxSendMsgSize),
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(server.unaryInterceptor()),
	)
	server.grpcServer.RegisterService(&opsServiceDesc, server)

	return server, nil
}

// Start starts the gRPC server and begins accepting connections.
// This method blocks until the server is stopped or an error occurs.
func (s *Server) Start() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	return s.grpcServer.Serve(listener)
}

// StartAsync starts the gRPC server in a goroutine and returns immediately.
// Returns an error if the server is already running or fails to listen.
func (s *Server) StartAsync() error {
	listener, err := s.listen()
	if err != nil {
		return err
	}

	go func() {
		if err := s.grpcServer.Serve(listener); err != nil {
			s.log.AddError("grpc server stopped", logging.Fields{"error": err.Error()})
		}
	}()

	return nil
}

func (s *Server) listen() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, errors.New("server is already running")
	}
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, err
	}
	s.listener = listener
	s.running = true
	return listener, nil
}

// Stop gracefully stops the gRPC server.
// It stops accepting new connections and waits for existing connections to complete.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.grpcServer.GracefulStop()
	s.running = false
}

// StopNow immediately stops the gRPC server without waiting for connections.
func (s *Server) StopNow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.grpcServer.Stop()
	s.running = false
}

// IsRunning returns true if the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the address the server is listening on.
// Returns empty string if the server is not running.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// unaryInterceptor logs each call with its outcome and latency.
func (s *Server) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		outcome := "ok"
		if err != nil {
			outcome = status.Code(err).String()
		}
		s.log.Debugf("grpc %s: %s in %s", info.FullMethod, outcome, time.Since(start))

		return resp, err
	}
}

// observeRun reports a triggered pass to the observer, when one is set.
func (s *Server) observeRun(worker string, start time.Time, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveWorkerRun(worker, time.Since(start), err)
}
