package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/control"
)

func probeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newEchoServer(control.NewConfigStore(nil), zap.NewNop(), prometheus.NewRegistry()))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := probeServer(t)

	out, err := run(t, "get", "-i", srv.URL+"/healthz")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "200 OK"))
	assert.True(t, strings.HasSuffix(out, "ok"))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hioload_websocket_open_channels")
}

func TestWSEcho(t *testing.T) {
	srv := probeServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	out, err := run(t, "ws", url, "--send", "alpha", "--send", "beta")
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\n", out)
}

func TestWSEchoBinaryOverGorilla(t *testing.T) {
	t.Setenv("HIOLOAD_WEBSOCKET_KIND", control.WebSocketGorilla)
	srv := probeServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	out, err := run(t, "ws", url, "--binary", "-s", "raw")
	require.NoError(t, err)
	assert.Equal(t, "raw\n", out)
}

func TestGetRejectsMalformedHeader(t *testing.T) {
	srv := probeServer(t)
	_, err := run(t, "get", "-H", "no-colon", srv.URL+"/healthz")
	require.Error(t, err)
}

func TestWSRejectsPlainEndpoint(t *testing.T) {
	srv := probeServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/healthz"
	_, err := run(t, "ws", url, "-s", "x")
	require.Error(t, err)
}

func TestEchoServerFollowsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("websocket:\n  readBufferSize: 4096\n"), 0o600))

	store, err := control.Watch(path, nil)
	require.NoError(t, err)
	es := newEchoServer(store, zap.NewNop(), prometheus.NewRegistry())
	assert.Equal(t, 4096, es.upgrader().Channel.ReadBufferSize)

	require.NoError(t, os.WriteFile(path, []byte("websocket:\n  readBufferSize: 16\n"), 0o600))
	assert.Eventually(t, func() bool {
		return es.upgrader().Channel.ReadBufferSize == 16
	}, 5*time.Second, 20*time.Millisecond)

	srv := httptest.NewServer(es)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	out, err := run(t, "ws", url, "-s", strings.Repeat("x", 40))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 40)+"\n", out)
}

func TestServeWatchNeedsConfig(t *testing.T) {
	_, err := run(t, "serve", "--watch")
	require.ErrorContains(t, err, "--watch needs --config")
}
