package client_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/client"
	"github.com/momentics/hioload-pipeline/control"
	"github.com/momentics/hioload-pipeline/protocol"
	"github.com/momentics/hioload-pipeline/session"
	"github.com/momentics/hioload-pipeline/websocket"
)

func testConfig(kind, wsKind string) *control.Config {
	cfg := control.DefaultConfig()
	cfg.Transport.Kind = kind
	cfg.WebSocket.Kind = wsKind
	cfg.Retry.Delay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Headers = map[string]string{"Api-Version": "2022-08-01"}
	return cfg
}

func flakyServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("X-Seen-Version", r.Header.Get("Api-Version"))
		w.Header().Set("X-Seen-Id", r.Header.Get("X-Request-Id"))
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestClientRetriesAcrossTransports(t *testing.T) {
	for _, kind := range []string{control.TransportNetHTTP, control.TransportResty} {
		t.Run(kind, func(t *testing.T) {
			srv, hits := flakyServer(t, 2)
			reg := prometheus.NewRegistry()
			c, err := client.New(testConfig(kind, control.WebSocketNative), client.Options{Registerer: reg})
			require.NoError(t, err)

			resp, err := c.Get(session.Background(), srv.URL)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "ok", string(resp.Body))
			assert.Equal(t, int32(3), hits.Load())
			assert.Equal(t, "2022-08-01", resp.Header.Get("X-Seen-Version"))
			assert.NotEmpty(t, resp.Header.Get("X-Seen-Id"))
			assert.Equal(t, 2.0, testutil.ToFloat64(c.Metrics().Retries))
			assert.Equal(t, 2.0, testutil.ToFloat64(c.Metrics().Requests.WithLabelValues("GET", "5xx")))
		})
	}
}

func TestClientRejectsInvalidConfig(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.Transport.Kind = "smoke-signals"
	_, err := client.New(cfg, client.Options{})
	require.Error(t, err)
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	ch, err := (&websocket.Upgrader{}).Upgrade(w, r)
	if err != nil {
		return
	}
	defer ch.Close()
	ctx := session.Background()
	for {
		ft, p, err := ch.ReceiveFrame(ctx)
		if err != nil {
			return
		}
		if ft == api.FrameClosed {
			if status, _, err := protocol.ParseClosePayload(p); err == nil {
				_ = ch.CloseSocket(ctx, status, "")
			}
			return
		}
		if ch.SendFrame(ctx, ft, p) != nil {
			return
		}
	}
}

func TestClientConnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	for _, wsKind := range []string{control.WebSocketNative, control.WebSocketGorilla} {
		t.Run(wsKind, func(t *testing.T) {
			c, err := client.New(testConfig(control.TransportNetHTTP, wsKind), client.Options{})
			require.NoError(t, err)
			defer c.Close()

			ch, err := c.Connect(session.Background(), url, http.Header{"X-Trace": {"1"}})
			require.NoError(t, err)

			chans := c.DumpState()["channels"].(map[string]string)
			assert.Len(t, chans, 1)

			require.NoError(t, ch.SendFrame(session.Background(), api.FrameText, []byte("hi")))
			ft, p, err := ch.ReceiveFrame(session.Background())
			require.NoError(t, err)
			assert.Equal(t, api.FrameText, ft)
			assert.Equal(t, "hi", string(p))

			require.NoError(t, ch.CloseSocket(session.Background(), protocol.CloseNormalClosure, ""))
			assert.Empty(t, c.DumpState()["channels"])
		})
	}
}
