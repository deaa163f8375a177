package Adhoc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TrafficDetServer/config"
	"TrafficDetServer/processor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registry(t *testing.T, handler http.HandlerFunc) config.RegistryConfig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return config.RegistryConfig{Enabled: true, Host: host, Port: p}
}

func runningStatus() processor.Snapshot {
	snap := processor.IdleSnapshot()
	snap.Status = processor.StatusRunning
	snap.SessionID = "s-1"
	snap.Progress = 42.5
	return snap
}

func TestSendCarriesStatus(t *testing.T) {
	var got RegisterRequest
	reg := registry(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RegisterResponse{Id: got.Id, Success: true})
	})

	hb := NewHeartbeat(reg, "10.0.0.5", 5000, 50051, runningStatus)
	require.NoError(t, hb.Send(context.Background()))
	assert.Equal(t, hb.ID, got.Id)
	assert.Equal(t, "10.0.0.5", got.IP)
	assert.Equal(t, 5000, got.Port)
	assert.Equal(t, 50051, got.GRPCPort)
	assert.Equal(t, processor.StatusRunning, got.Status)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, 42.5, got.Progress)
	assert.NotZero(t, got.TimeStamp)
}

func TestSendErrors(t *testing.T) {
	reg := registry(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "registry down", http.StatusBadGateway)
	})
	hb := NewHeartbeat(reg, "10.0.0.5", 5000, 50051, processor.IdleSnapshot)
	assert.ErrorContains(t, hb.Send(context.Background()), "502")

	reg = registry(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false}`))
	})
	hb = NewHeartbeat(reg, "10.0.0.5", 5000, 50051, processor.IdleSnapshot)
	assert.ErrorContains(t, hb.Send(context.Background()), "refused")
}

func TestRunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	reg := registry(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	hb := NewHeartbeat(reg, "127.0.0.1", 5000, 50051, processor.IdleSnapshot)
	hb.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go hb.Run(ctx, &wg)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
}
