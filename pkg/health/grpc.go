package health

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker probes a gRPC server through the standard health service
// (grpc.health.v1.Health/Check).
type GRPCChecker struct {
	// Address is the gRPC target to connect to (e.g., "localhost:50051")
	Address string

	// Service is the service name to query; empty checks overall server health
	Service string

	// Timeout bounds the whole check, dial included (default: 5 seconds)
	Timeout time.Duration
}

// NewGRPCChecker creates a new gRPC health checker
func NewGRPCChecker(address string) *GRPCChecker {
	return &GRPCChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check performs the gRPC health check
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	conn, err := grpc.NewClient(g.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("dial failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: g.Service,
	})
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("health check failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	healthy := resp.Status == healthpb.HealthCheckResponse_SERVING

	message := fmt.Sprintf("gRPC health status %s", resp.Status)
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}

// WithService sets the per-service health query name
func (g *GRPCChecker) WithService(service string) *GRPCChecker {
	g.Service = service
	return g
}

// WithTimeout sets the check timeout
func (g *GRPCChecker) WithTimeout(timeout time.Duration) *GRPCChecker {
	g.Timeout = timeout
	return g
}
