package app

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthServer answers the standard gRPC health protocol for the empty
// service name and for serviceName. It reports NOT_SERVING until the
// processors run.
type healthServer struct {
	srv    *grpc.Server
	health *health.Server
}

func startHealthServer(ln net.Listener, logger *slog.Logger, cancel func()) *healthServer {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	h := &healthServer{srv: srv, health: hs}
	h.setServing(false)

	go func() {
		if err := srv.Serve(ln); err != nil && err != grpc.ErrServerStopped {
			logger.Error("health_server_error", slog.Any("err", err))
			if cancel != nil {
				cancel()
			}
		}
	}()
	logger.Info("health_listening", slog.String("addr", ln.Addr().String()))
	return h
}

func (h *healthServer) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(serviceName, status)
}

// stop flips every service to NOT_SERVING and closes the listener.
func (h *healthServer) stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
