// File: cmd/wsprobe/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentics/hioload-pipeline/api"
	"github.com/momentics/hioload-pipeline/control"
	"github.com/momentics/hioload-pipeline/protocol"
	"github.com/momentics/hioload-pipeline/websocket"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a WebSocket echo server with /ws, /healthz and /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch && flags.configPath == "" {
				return errors.New("--watch needs --config")
			}
			cfg, log, cleanup, err := setup(flags)
			if err != nil {
				return err
			}
			defer cleanup()

			store := control.NewConfigStore(cfg)
			if watch {
				store, err = control.Watch(flags.configPath, func(err error) {
					log.Warn("config reload rejected", zap.Error(err))
				})
				if err != nil {
					return err
				}
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			srv := &http.Server{
				Addr:              addr,
				Handler:           newEchoServer(store, log, reg),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdown)
			}()

			log.Info("listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9000", "listen address")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload websocket settings when the --config file changes")
	return cmd
}

// echoServer routes /ws, /healthz and /metrics. The upgrader is rebuilt
// from every configuration the store publishes; channels already open keep
// the options they were created with.
type echoServer struct {
	http.Handler
	up atomic.Pointer[websocket.Upgrader]
}

func newEchoServer(store *control.ConfigStore, log *zap.Logger, reg *prometheus.Registry) *echoServer {
	metrics := control.NewMetrics(reg)
	s := &echoServer{}
	apply := func(cfg *control.Config) {
		s.up.Store(&websocket.Upgrader{
			Channel: websocket.ChannelOptions{
				ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
				MaxFramePayload: cfg.WebSocket.MaxFramePayload,
				Logger:          log,
				Metrics:         metrics,
			},
		})
	}
	apply(store.Snapshot())
	store.OnReload(func(cfg *control.Config) {
		apply(cfg)
		log.Info("websocket settings reloaded",
			zap.Int("readBufferSize", cfg.WebSocket.ReadBufferSize),
			zap.Int64("maxFramePayload", cfg.WebSocket.MaxFramePayload))
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		ch, err := s.upgrader().Upgrade(w, req)
		if err != nil {
			log.Debug("upgrade rejected", zap.Error(err))
			return
		}
		go echo(ch, log)
	})
	s.Handler = r
	return s
}

func (s *echoServer) upgrader() *websocket.Upgrader { return s.up.Load() }

// echo returns every data frame to the sender and answers a close frame
// with the same status.
func echo(ch *websocket.Channel, log *zap.Logger) {
	defer ch.Close()
	ctx := context.Background()
	for {
		ft, p, err := ch.ReceiveFrame(ctx)
		if err != nil {
			log.Debug("echo stopped", zap.String("channel", ch.ID()), zap.Error(err))
			return
		}
		if ft == api.FrameClosed {
			status, _, err := protocol.ParseClosePayload(p)
			if err == nil && protocol.ValidCloseStatus(status) {
				if err := ch.CloseSocket(ctx, status, ""); err != nil {
					log.Debug("close echo failed", zap.Error(err))
				}
			}
			return
		}
		if err := ch.SendFrame(ctx, ft, p); err != nil {
			log.Debug("echo send failed", zap.Error(err))
			return
		}
	}
}
