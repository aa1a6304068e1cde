package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tamzrod/saj-mqtt-bridge/internal/api"
	"github.com/tamzrod/saj-mqtt-bridge/internal/bridge"
	"github.com/tamzrod/saj-mqtt-bridge/internal/metrics"
	"github.com/tamzrod/saj-mqtt-bridge/internal/transport/mqtt"
	"github.com/tamzrod/saj-mqtt-bridge/internal/writer"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge daemon",
		Long: `Connect to the broker, poll the configured datasets, publish them on the
state topics and replicate them to the configured Modbus TCP targets.
Press Ctrl+C to stop; availability is set to offline on the way out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, g)
		},
	}
}

func runDaemon(ctx context.Context, g *globalFlags) error {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Reconnects are forwarded to the bridge loop; one pending signal is enough.
	reconnected := make(chan struct{}, 1)
	bc := brokerConfig(cfg, cfg.MQTT.ClientID)
	bc.WillTopic = writer.NewStateTopics(cfg.Publish.TopicPrefix, cfg.Inverter.SerialNumber).Availability()
	bc.WillPayload = writer.Offline
	bc.OnConnect = func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	}

	conn, err := mqtt.Connect(bc)
	if err != nil {
		return err
	}
	defer conn.Close()

	b, err := bridge.New(bridge.Options{
		Config:      cfg,
		PubSub:      conn,
		Metrics:     m,
		Reconnected: reconnected,
	})
	if err != nil {
		return err
	}

	// ---- HTTP ----
	if cfg.API.Listen != "" {
		var gatherer prometheus.Gatherer
		if cfg.Metrics.Listen == "" || cfg.Metrics.Listen == cfg.API.Listen {
			gatherer = reg
		}
		srv := api.NewServer(b, gatherer)
		if _, err := srv.Start(cfg.API.Listen); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				log.Warn().Err(err).Msg("api shutdown")
			}
		}()
	}
	if cfg.Metrics.Listen != "" && cfg.Metrics.Listen != cfg.API.Listen {
		stopMetrics := serveMetrics(cfg.Metrics.Listen, reg)
		defer stopMetrics()
	}

	return b.Run(ctx)
}

func serveMetrics(addr string, g prometheus.Gatherer) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("listen", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
