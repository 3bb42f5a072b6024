package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startServer(t *testing.T, probe Probe) healthpb.HealthClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(probe, 20*time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx, lis)
		close(done)
	}()
	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
	})
	return healthpb.NewHealthClient(conn)
}

func status(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestServer_ServingWithoutProbe(t *testing.T) {
	c := startServer(t, nil)
	if got := status(t, c, ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v", got)
	}
}

func TestServer_FollowsProbe(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	c := startServer(t, func(context.Context) error {
		if down.Load() {
			return errors.New("db unreachable")
		}
		return nil
	})
	if got := status(t, c, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status = %v, want NOT_SERVING", got)
	}

	down.Store(false)
	deadline := time.Now().Add(2 * time.Second)
	for status(t, c, "") != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("status did not recover after the probe succeeded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
