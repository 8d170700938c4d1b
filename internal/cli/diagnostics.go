package cli

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/framecore/internal/logging"
)

// healthService is the service name the frame loop reports under.
const healthService = "framecore"

// diagnostics serves the standard gRPC health protocol while a run is active.
type diagnostics struct {
	srv    *grpc.Server
	health *health.Server
}

func newDiagnostics() *diagnostics {
	d := &diagnostics{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(d.srv, d.health)
	d.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return d
}

// setServing flips the frame loop's health status.
func (d *diagnostics) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	d.health.SetServingStatus(healthService, status)
}

// serve listens on addr until ctx is cancelled.
func (d *diagnostics) serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logging.Logger().Info("diagnostics server listening", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- d.srv.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		d.health.Shutdown()
		d.srv.GracefulStop()
		return <-errCh
	}
}

// checkHealth queries the health service at addr.
func checkHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
