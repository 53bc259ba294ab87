// Package server implements the gRPC server for the cortexd daemon.
package server

import (
	"context"
	"net"
	"time"

	"github.com/aschepis/backscratcher/cortex/api"
	"github.com/aschepis/backscratcher/cortex/cortex"
	"github.com/aschepis/backscratcher/cortex/graphsync"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// Server is the gRPC front of a Cortex service.
type Server struct {
	grpcServer *grpc.Server
	svc        *cortex.Service
	outbox     *graphsync.Outbox
	logger     zerolog.Logger

	// Server state
	startedAt  time.Time
	socketPath string
}

// Config holds server configuration options.
type Config struct {
	SocketPath string
	Logger     zerolog.Logger

	// Outbox, when set, is reported by Status.
	Outbox *graphsync.Outbox
}

// New creates a new gRPC server.
func New(cfg Config, svc *cortex.Service) *Server {
	s := &Server{
		svc:        svc,
		outbox:     cfg.Outbox,
		logger:     cfg.Logger.With().Str("component", "grpc-server").Logger(),
		socketPath: cfg.SocketPath,
		startedAt:  time.Now(),
	}

	// Create gRPC server with interceptors
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.loggingInterceptor),
	)

	api.RegisterCortexServer(s.grpcServer, s)

	// Enable reflection for debugging tools like grpcurl
	reflection.Register(s.grpcServer)

	return s
}

// Serve starts the gRPC server on the given listener.
func (s *Server) Serve(listener net.Listener) error {
	s.startedAt = time.Now()
	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting gRPC server")
	return s.grpcServer.Serve(listener)
}

// ServeUnix starts the server on a Unix domain socket.
func (s *Server) ServeUnix(socketPath string) error {
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.socketPath = socketPath
	return s.Serve(listener)
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// GracefulStop gracefully stops the server.
func (s *Server) GracefulStop() {
	s.logger.Info().Msg("Gracefully stopping gRPC server")
	s.grpcServer.GracefulStop()
}

// Stop immediately stops the server.
func (s *Server) Stop() {
	s.logger.Info().Msg("Stopping gRPC server")
	s.grpcServer.Stop()
}

// loggingInterceptor logs unary RPC calls.
func (s *Server) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error().
			Str("method", info.FullMethod).
			Str("code", api.Code(err).String()).
			Dur("duration", duration).
			Err(err).
			Msg("RPC failed")
	} else {
		s.logger.Debug().
			Str("method", info.FullMethod).
			Dur("duration", duration).
			Msg("RPC completed")
	}

	return resp, err
}
