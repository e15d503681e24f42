package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/tilegate/internal/config"
	"github.com/l0p7/tilegate/internal/engine"
	"github.com/l0p7/tilegate/internal/logging"
	"github.com/l0p7/tilegate/internal/metrics"
	"github.com/l0p7/tilegate/internal/server"
	"github.com/l0p7/tilegate/internal/tilecache"
)

// retireGrace is how long a replaced service stays open for requests that
// picked it up before the swap.
const retireGrace = 30 * time.Second

// gateway owns the live tile service and swaps it on configuration reloads.
type gateway struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
	loader   *tilecache.Loader
	sink     tilecache.Sink
	services *server.ServiceHolder
	grace    time.Duration

	reloadMu sync.Mutex
	retiring sync.WaitGroup
	stopping chan struct{}
	stopOnce sync.Once
}

func newGateway(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*gateway, error) {
	level, err := tilecache.ParseLevel(cfg.Server.Logging.EngineLevel)
	if err != nil {
		level = tilecache.LevelInfo
	}

	g := &gateway{
		cfg:      cfg,
		logger:   logger.With(slog.String("agent", "gateway")),
		metrics:  recorder,
		loader:   tilecache.NewLoader(engine.New(engine.WithObserver(recorder))),
		sink:     logging.NewSink(logger, level),
		grace:    retireGrace,
		stopping: make(chan struct{}),
	}

	svc, err := g.loader.Load(cfg.Server.Engine.ConfigFile, g.sink).Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("load engine configuration: %w", err)
	}
	g.services = server.NewServiceHolder(svc)
	g.logger.Info("tile service ready", slog.String("source", svc.Source()))
	return g, nil
}

// reload builds a service from path and installs it. A rejected
// configuration leaves the running service in place.
func (g *gateway) reload(ctx context.Context, path string) {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	svc, err := g.loader.Load(path, g.sink).Wait(ctx)
	if err != nil {
		kind, _ := tilecache.KindOf(err)
		g.metrics.ObserveReload(metrics.ReloadFailed)
		g.logger.Error("engine reload rejected, keeping current service",
			slog.String("source", path),
			slog.String("kind", kind.String()),
			slog.Any("error", err))
		return
	}

	g.retire(g.services.Swap(svc))
	g.metrics.ObserveReload(metrics.ReloadApplied)
	g.logger.Info("engine configuration reloaded", slog.String("source", svc.Source()))
}

func (g *gateway) retire(old *tilecache.Service) {
	if old == nil {
		return
	}
	g.retiring.Add(1)
	go func() {
		defer g.retiring.Done()
		timer := time.NewTimer(g.grace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-g.stopping:
		}
		g.closeService(old)
	}()
}

func (g *gateway) closeService(svc *tilecache.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		g.logger.Error("tile service close failed", slog.String("source", svc.Source()), slog.Any("error", err))
	}
}

// close releases the live service and any that are still retiring.
func (g *gateway) close() {
	g.stopOnce.Do(func() { close(g.stopping) })
	g.retiring.Wait()
	if svc := g.services.Swap(nil); svc != nil {
		g.closeService(svc)
	}
}

func (g *gateway) routes() http.Handler {
	var limiter *server.RateLimiter
	if rl := g.cfg.Server.RateLimit; rl.Enabled {
		limiter = server.NewRateLimiter(rl.RequestsPerSecond, rl.Burst)
	}

	handler := server.NewHandler(g.services, server.HandlerOptions{
		Logger:            g.logger,
		BaseURL:           g.cfg.Server.Engine.BaseURL,
		PathPrefix:        g.cfg.Server.Engine.PathPrefix,
		CorrelationHeader: g.cfg.Server.Logging.CorrelationHeader,
		Limiter:           limiter,
		Metrics:           g.metrics,
	})

	mux := http.NewServeMux()
	if g.cfg.Server.Metrics.Enabled {
		mux.Handle(g.cfg.Server.Metrics.Path, g.metrics.Handler())
	}
	mux.Handle("/", handler)
	return mux
}
