package main

import (
	"fmt"
	"log/slog"

	"github.com/codedrop/broker/internal/auth"
	"github.com/codedrop/broker/internal/broker"
	"github.com/codedrop/broker/internal/cloud"
	"github.com/codedrop/broker/internal/config"
	"github.com/codedrop/broker/internal/httpserver"
	"github.com/codedrop/broker/internal/metrics"
	"github.com/codedrop/broker/internal/ratelimit"
	"github.com/codedrop/broker/internal/sessionstore"
	"github.com/codedrop/broker/internal/sessiontoken"
	"github.com/codedrop/broker/internal/signaling"
	"github.com/codedrop/broker/internal/turnrest"
)

// app holds the wired broker. Everything except the listener and signal
// handling lives here so tests can drive the full stack.
type app struct {
	cfg config.Config
	log *slog.Logger

	store     sessionstore.Store
	metrics   *metrics.Metrics
	registry  *broker.Registry
	http      *httpserver.Server
	signaling *signaling.Server
	reaper    *broker.Reaper
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a, err := wireApp(cfg, logger, build, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func openStore(cfg config.Config) (sessionstore.Store, error) {
	opts := []sessionstore.Option{sessionstore.WithTTL(cfg.SessionTTL)}
	switch cfg.StoreDriver {
	case config.StoreDriverMemory, "":
		return sessionstore.NewMemory(opts...), nil
	case config.StoreDriverPostgres:
		return sessionstore.Open(sessionstore.DriverPostgres, cfg.StoreDSN, opts...)
	case config.StoreDriverSQLite:
		return sessionstore.Open(sessionstore.DriverSQLite, cfg.StoreDSN, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", sessionstore.ErrUnknownDriver, cfg.StoreDriver)
	}
}

func wireApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo, store sessionstore.Store) (*app, error) {
	codec, err := sessiontoken.NewCodec(cfg.TokenSecret, sessiontoken.WithTTL(cfg.SessionTTL))
	if err != nil {
		return nil, fmt.Errorf("configure session tokens: %w", err)
	}

	var presigner cloud.Presigner
	if cfg.Cloud.Enabled() {
		p, err := cloud.NewS3Presigner(cloud.Config{
			Endpoint:  cfg.Cloud.Endpoint,
			AccountID: cfg.Cloud.AccountID,
			Region:    cfg.Cloud.Region,
			Bucket:    cfg.Cloud.Bucket,
			AccessKey: cfg.Cloud.AccessKey,
			SecretKey: cfg.Cloud.SecretKey,
			URLTTL:    cfg.Cloud.URLTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("configure cloud storage: %w", err)
		}
		presigner = p
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure api auth: %w", err)
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("configure turn rest: %w", err)
		}
	}

	m := metrics.New()
	limiter := ratelimit.NewFixedWindow(ratelimit.RealClock{})

	registry := broker.NewRegistry(
		broker.WithMaxReceivers(cfg.MaxReceivers),
		broker.WithRegistryMetrics(m),
	)
	b, err := broker.New(broker.Config{
		Store:    store,
		Tokens:   codec,
		Registry: registry,
		Logger:   logger.With("component", "broker"),
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}

	srv := httpserver.New(cfg, logger, build, httpserver.Deps{
		Store:     store,
		Tokens:    codec,
		Presigner: presigner,
		Verifier:  verifier,
		TURN:      turn,
		Limiter:   limiter,
		Metrics:   m,
	})

	sig, err := signaling.NewServer(signaling.Config{
		Broker:       b,
		Logger:       logger.With("component", "signaling"),
		Metrics:      m,
		RateLimiter:  srv.RateLimiter(),
		ConnectLimit: ratelimit.Rule{Max: cfg.WSConnectLimit.Max, Window: cfg.WSConnectLimit.Window},
		CheckOrigin:  httpserver.OriginChecker(srv.CORS()),

		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueSize:        cfg.SignalingSendQueueSize,
	})
	if err != nil {
		return nil, err
	}
	sig.RegisterRoutes(srv.Mux())
	srv.RegisterOnShutdown(sig.Close)

	m.SetGauge("rooms_active", registry.Len)
	m.SetGauge("ws_connections_active", sig.ActiveConnections)

	reaper := broker.NewReaper(broker.ReaperConfig{
		Registry:  registry,
		Store:     store,
		Limiter:   limiter,
		Interval:  cfg.ReaperInterval,
		Grace:     cfg.WaitingRoomGrace,
		Retention: cfg.SessionRetention,
		Logger:    logger.With("component", "reaper"),
		Metrics:   m,
	})

	return &app{
		cfg:       cfg,
		log:       logger,
		store:     store,
		metrics:   m,
		registry:  registry,
		http:      srv,
		signaling: sig,
		reaper:    reaper,
	}, nil
}

// Close releases the session store. The HTTP server must already be shut
// down.
func (a *app) Close() error {
	a.signaling.Close()
	return a.store.Close()
}
