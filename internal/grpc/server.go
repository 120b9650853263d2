package grpc

import (
	"net"
	"path"
	"time"

	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"go.uber.org/zap"
	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Server wraps a gRPC server and its listen address.
type Server struct {
	addr       string
	grpcServer *ggrpc.Server
	health     *health.Server
}

// New creates a new gRPC server for the CompletionService at the given address.
// Example addr: ":50051".
func New(addr string, completion CompletionServer) *Server {
	s := &Server{
		addr:       addr,
		grpcServer: ggrpc.NewServer(ggrpc.ChainStreamInterceptor(streamLoggingInterceptor)),
		health:     health.NewServer(),
	}

	RegisterCompletionServer(s.grpcServer, completion)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Run starts listening on the configured address and serves the gRPC server.
// This call is blocking until the server stops or returns an error.
func (s *Server) Run() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		logger.Log.Error("failed to listen for gRPC server",
			zap.String("addr", s.addr),
			zap.Error(err),
		)
		return err
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	logger.Log.Info("starting gRPC server",
		zap.String("addr", lis.Addr().String()),
	)

	if err := s.grpcServer.Serve(lis); err != nil {
		logger.Log.Error("gRPC server stopped with error", zap.Error(err))
		return err
	}

	logger.Log.Info("gRPC server stopped gracefully")
	return nil
}

// GracefulStop marks the service as not serving and gracefully stops the
// underlying gRPC server, waiting for in-flight streams.
func (s *Server) GracefulStop() {
	logger.Log.Info("gracefully stopping gRPC server",
		zap.String("addr", s.addr),
	)
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

func streamLoggingInterceptor(srv any, ss ggrpc.ServerStream, info *ggrpc.StreamServerInfo, handler ggrpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)

	if logger.Log != nil {
		st := status.Convert(err)
		fields := []zap.Field{
			zap.String("service", path.Dir(info.FullMethod)[1:]),
			zap.String("method", path.Base(info.FullMethod)),
			zap.String("status", st.Code().String()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if err != nil {
			logger.Log.Warn("gRPC stream finished", append(fields, zap.String("error", st.Message()))...)
		} else {
			logger.Log.Info("gRPC stream finished", fields...)
		}
	}
	return err
}
