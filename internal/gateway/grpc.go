// ABOUTME: gRPC server construction with keepalive policy and the standard health service
// ABOUTME: Health status mirrors store reachability so load balancers can drain a node

package gateway

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// grpcServiceName is the service name reported through grpc.health.v1.
const grpcServiceName = "coven.chat"

// healthProbeInterval is how often the gRPC health status is refreshed.
const healthProbeInterval = 10 * time.Second

// newGRPCServer creates a gRPC server exposing grpc.health.v1 and reflection.
func newGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	logger.Debug("gRPC health service registered", "service", grpcServiceName)
	return server, hs
}

// setServing updates both the overall and the named service status.
func setServing(hs *health.Server, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(grpcServiceName, status)
}

// watchHealth keeps the gRPC health status in line with g.ready until ctx ends.
func (g *Gateway) watchHealth(ctx context.Context) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := g.ready(probeCtx)
		if err != nil {
			g.logger.Warn("health probe failed", "error", err)
		}
		setServing(g.healthServer, err == nil)
	}

	probe()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
