package main

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestServe_HTTPAndGRPCHealth(t *testing.T) {
	var (
		mu    sync.Mutex
		addrs = map[string]string{}
		ready = make(chan struct{}, 2)
	)
	origListen := listen
	listen = func(network, addr string) (net.Listener, error) {
		ln, err := net.Listen(network, "127.0.0.1:0")
		if err == nil {
			mu.Lock()
			addrs[addr] = ln.Addr().String()
			mu.Unlock()
			ready <- struct{}{}
		}
		return ln, err
	}
	defer func() { listen = origListen }()

	ts := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, config.HTTPConfig{Addr: ":http", GRPCAddr: ":grpc"}, ts.router)
	}()
	<-ready
	<-ready

	mu.Lock()
	httpAddr, grpcAddr := addrs[":http"], addrs[":grpc"]
	mu.Unlock()

	resp, err := http.Get("http://" + httpAddr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	rpcCtx, rpcCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rpcCancel()
	res, err := healthpb.NewHealthClient(conn).Check(rpcCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, res.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestRun_ConfigError(t *testing.T) {
	orig := loadConfig
	loadConfig = func(string) (*config.Config, error) { return nil, assert.AnError }
	defer func() { loadConfig = orig }()

	assert.ErrorIs(t, run(context.Background()), assert.AnError)
}
