package api

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/sirsinexus/nexus/pkg/hypervisor"
	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/metrics"
	"github.com/sirsinexus/nexus/pkg/types"
)

// GRPCServer exposes the standard gRPC health service
// (grpc.health.v1.Health), with per-service statuses mirrored from the
// hypervisor's table. External probes and load balancers consume it.
type GRPCServer struct {
	server *grpc.Server
	health *grpchealth.Server
	hv     *hypervisor.Hypervisor
	logger zerolog.Logger

	syncInterval time.Duration
}

// NewGRPCServer creates the gRPC surface.
func NewGRPCServer(hv *hypervisor.Hypervisor) *GRPCServer {
	logger := log.WithComponent("grpc")

	g := &GRPCServer{
		health:       grpchealth.NewServer(),
		hv:           hv,
		logger:       logger,
		syncInterval: 5 * time.Second,
	}
	g.server = grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))
	healthpb.RegisterHealthServer(g.server, g.health)
	return g
}

// Run serves gRPC until the context is cancelled. A background loop mirrors
// hypervisor service states into per-service health statuses.
func (g *GRPCServer) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go g.syncLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info().Str("addr", addr).Msg("gRPC health service listening")
		errCh <- g.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		g.health.Shutdown()
		g.server.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func (g *GRPCServer) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(g.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sync(ctx)
		}
	}
}

func (g *GRPCServer) sync(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, g.syncInterval)
	defer cancel()

	services, err := g.hv.ListServices(callCtx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Service sync failed")
		return
	}

	allHealthy := true
	for _, svc := range services {
		serving := svc.Status == types.ServiceRunning || svc.Status == types.ServiceDegraded
		if !serving {
			allHealthy = false
		}
		g.setStatus(svc.Name, serving)
	}
	// The empty service name is the conventional whole-server probe.
	g.setStatus("", allHealthy)
}

func (g *GRPCServer) setStatus(service string, serving bool) {
	if serving {
		g.health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	} else {
		g.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// loggingInterceptor logs every unary call and feeds the request metrics.
func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		metrics.APIRequestDuration.WithLabelValues(info.FullMethod).Observe(duration.Seconds())

		event := logger.Debug()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", duration).
			Msg("gRPC call")

		return resp, err
	}
}
