package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httphandlers "carelink/internal/handlers/http"
	"carelink/internal/infrastructure/credentials"
	"carelink/internal/infrastructure/middleware"
	"carelink/internal/infrastructure/monitoring"
	signaling "carelink/internal/infrastructure/signal"
	"carelink/pkg/config"
	"carelink/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath string
	address    string
	path       string
	origins    []string
}

func newRootCommand() *cobra.Command {
	var opts serverOptions

	cmd := &cobra.Command{
		Use:          "signal",
		Short:        "Websocket signaling relay for session rooms",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			zl := logger.New(cfg.Logging.Level)
			defer func() { _ = zl.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts, zl)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration")
	f.StringVar(&opts.address, "addr", ":8081", "listen address")
	f.StringVar(&opts.path, "path", "/ws", "websocket endpoint path")
	f.StringSliceVar(&opts.origins, "allowed-origin", nil, "browser origins allowed to connect (any when empty)")
	return cmd
}

// newRelayServer builds the relay and its router. Room tokens are checked
// only when this process holds the signing secret.
func newRelayServer(cfg *config.Config, opts serverOptions, zl *zap.Logger) (*signaling.Relay, *gin.Engine) {
	log := zl.Sugar()

	var verifier signaling.TokenVerifier
	if cfg.Credentials.Mode == "jwt" {
		verifier = credentials.NewTokenIssuer(cfg.Credentials.JWTSecret, cfg.Credentials.TokenTTL)
	} else {
		log.Warnw("room tokens are not verified", "credentials_mode", cfg.Credentials.Mode)
	}

	relay := signaling.NewRelay(signaling.RelayConfig{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MessagesPerSecond: cfg.Signal.MessagesPerSecond,
		Burst:             cfg.Signal.Burst,
		MaxMessageBytes:   cfg.Signal.MaxMessageBytes,
		AllowedOrigins:    opts.origins,
	}, verifier, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "carelink_relay_connections",
			Help: "Participants connected to the relay",
		}, func() float64 { return float64(relay.Connections()) }),
	)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctxLog := logger.NewContextLogger(zl)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(ctxLog), middleware.TracingMiddleware())

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	httphandlers.NewHealthHandler(monitoring.NewHealthChecker(), gatherer).SetupRoutes(router)
	router.GET(opts.path, gin.WrapH(relay))
	return relay, router
}

func serve(ctx context.Context, cfg *config.Config, opts serverOptions, zl *zap.Logger) error {
	log := zl.Sugar()
	_, router := newRelayServer(cfg, opts, zl)

	srv := &http.Server{Addr: opts.address, Handler: router, ReadTimeout: cfg.Server.ReadTimeout}
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("signaling relay listening", "address", opts.address, "path", opts.path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("relay shutdown failed", "error", err)
		return err
	}
	log.Infow("signaling relay stopped")
	return nil
}
