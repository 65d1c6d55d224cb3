package cachetracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestDebugServerServesSnapshotAndMetrics(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "cachetracker-debug-test.sock")
	debugAddr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	reg := prometheus.NewRegistry()

	daemon, err := NewDaemon(
		WithHostCapacity(1<<20),
		WithEndpoint("unix", sock),
		WithDebugAddr(debugAddr),
		WithMetrics(reg),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = daemon.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		os.Remove(sock)
	})

	var client *Client
	for i := 0; i < 200; i++ {
		client, err = New(WithHostCapacity(1<<20), WithEndpoint("unix", sock))
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Insert(context.Background(), "k1.pkl", "p", "fn", HostArray{Bytes: []byte("x")}))

	var resp *http.Response
	url := "http://" + debugAddr + "/debug/cachetracker/snapshot"
	for i := 0; i < 100; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Contains(t, snap, "k1.pkl")

	metricsResp, err := http.Get("http://" + debugAddr + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)

	statsResp, err := http.Get("http://" + debugAddr + "/debug/cachetracker/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	require.Equal(t, http.StatusOK, statsResp.StatusCode)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	require.EqualValues(t, 1, stats["allocations"])
}
