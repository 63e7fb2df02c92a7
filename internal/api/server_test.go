package api

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

func startOpsServer(t *testing.T) *OpsServer {
	t.Helper()
	srv, err := NewOpsServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewOpsServer: %v", err)
	}
	go srv.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func healthClient(t *testing.T, address string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial ops server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("health check %q: %v", service, err)
	}
	return resp.Status
}

func TestOpsServerStartsNotServing(t *testing.T) {
	srv := startOpsServer(t)
	client := healthClient(t, srv.Address())

	if got := checkStatus(t, client, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("aggregate status %s at boot, want NOT_SERVING", got)
	}
	if got := checkStatus(t, client, "mirador.remediate.monitoring"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("monitoring status %s at boot, want NOT_SERVING", got)
	}
}

func TestOpsServerSetServingCoversEveryRole(t *testing.T) {
	srv := startOpsServer(t)
	client := healthClient(t, srv.Address())

	srv.SetServing(true)

	if got := checkStatus(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("aggregate status %s, want SERVING", got)
	}
	for _, role := range models.Roles() {
		if got := checkStatus(t, client, roleService(role)); got != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("role %s status %s, want SERVING", role, got)
		}
	}
}

func TestOpsServerSetRoleServingFlipsOneRole(t *testing.T) {
	srv := startOpsServer(t)
	client := healthClient(t, srv.Address())
	srv.SetServing(true)

	srv.SetRoleServing(models.RoleCanary, false)

	if got := checkStatus(t, client, roleService(models.RoleCanary)); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("canary status %s after drain, want NOT_SERVING", got)
	}
	if got := checkStatus(t, client, roleService(models.RoleResponse)); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("response status %s, want SERVING untouched", got)
	}
}
