// Command rpcproxy runs the JSON-RPC reverse proxy: a tiered pool of
// upstream Ethereum-family RPC endpoints, a response cache, and a
// private-transaction broadcast fan-out, fronted by a thin HTTP API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rpcmesh/ethproxy/internal/api"
	"github.com/rpcmesh/ethproxy/internal/config"
	"github.com/rpcmesh/ethproxy/internal/rpcproxy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("logger initialization error: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}

	httpServer := api.NewServer(api.Config{
		Host:      cfg.APIHost,
		Port:      cfg.APIPort,
		AuthToken: cfg.AuthToken,
	}, app.router, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := httpServer.Run(ctx); err != nil {
		logger.Error("API server exited with error", zap.Error(err))
	}
	logger.Info("rpcproxy shut down")
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}

// app holds the constructed routing core. The head-block probe
// goroutines that keep it fed are started by buildPool and run until ctx
// is cancelled.
type app struct {
	router *rpcproxy.Router
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	clock := rpcproxy.NewClock()
	caller := rpcproxy.NewHTTPCaller(cfg.ConnectTimeout(), cfg.RequestTimeout())

	tiers := make([]*rpcproxy.Pool, 0, len(cfg.BalancedRPCTiers))
	for _, tierEndpoints := range cfg.BalancedRPCTiers {
		pool := buildPool(ctx, tierEndpoints, cfg, caller, clock, logger)
		tiers = append(tiers, pool)
	}

	var privatePool *rpcproxy.Pool
	if len(cfg.PrivateRPCs) > 0 {
		privatePool = buildPool(ctx, cfg.PrivateRPCs, cfg, caller, clock, logger)
	}

	cache := rpcproxy.NewResponseCache(cfg.ResponseCacheCapacity)

	router := rpcproxy.NewRouter(rpcproxy.RouterConfig{
		Tiers:       tiers,
		PrivatePool: privatePool,
		Cache:       cache,
		Clock:       clock,
		Logger:      logger,
	})

	return &app{router: router}, nil
}

func buildPool(ctx context.Context, endpoints []config.UpstreamEndpoint, cfg config.Config, caller rpcproxy.Caller, clock rpcproxy.Clock, logger *zap.Logger) *rpcproxy.Pool {
	members := make([]*rpcproxy.Upstream, 0, len(endpoints))
	for _, ep := range endpoints {
		upstream := rpcproxy.NewUpstream(rpcproxy.UpstreamConfig{
			URL:           ep.URL,
			SoftLimit:     ep.SoftLimit,
			HardLimit:     ep.HardLimit,
			Weight:        ep.Weight,
			ProbeInterval: cfg.ProbeInterval(),
		}, caller, clock, logger)
		members = append(members, upstream)
		go upstream.RunProbe(ctx)
	}

	return rpcproxy.NewPool(rpcproxy.PoolConfig{
		MaxLagBlocks: cfg.MaximumLagBlocks,
	}, members, logger)
}
