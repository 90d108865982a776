// cmd/icebeat/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keshon/icebeat/internal/cache"
	"github.com/keshon/icebeat/internal/command/music"
	"github.com/keshon/icebeat/internal/command/owner"
	"github.com/keshon/icebeat/internal/config"
	"github.com/keshon/icebeat/internal/discord"
	"github.com/keshon/icebeat/internal/events"
	"github.com/keshon/icebeat/internal/guard"
	"github.com/keshon/icebeat/internal/logging"
	"github.com/keshon/icebeat/internal/metrics"
	"github.com/keshon/icebeat/internal/music/node/lavalink"
	"github.com/keshon/icebeat/internal/music/player"
	"github.com/keshon/icebeat/internal/reactor"
	"github.com/keshon/icebeat/internal/storage"
	"github.com/keshon/icebeat/internal/store"
	"github.com/keshon/icebeat/pkg/cmd"
	"github.com/keshon/icebeat/pkg/jobmgr"
)

const (
	appName         = "IceBeat"
	pruneInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		l := logging.Logger()
		l.Fatal().Err(err).Msg("bot exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON, File: cfg.LogFile})
	log := logging.WithComponent("main")
	log.Info().Msgf("Starting %s bot...", appName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(promReg)
	clock := clockwork.NewRealClock()

	backend, err := storage.Open(ctx, cfg.StorageDriver, cfg.StoragePath)
	if err != nil {
		return err
	}
	defer backend.Close()

	configCache, err := cache.New(cfg.CacheEntries, cfg.CacheTTL, clock, cache.WithMetrics(mt))
	if err != nil {
		return err
	}
	settings := store.New(backend, configCache)

	ll := lavalink.New(lavalink.Config{
		Name:          cfg.Lavalink.Name,
		Host:          cfg.Lavalink.Host,
		Port:          cfg.Lavalink.Port,
		Password:      cfg.Lavalink.Password,
		Secure:        cfg.Lavalink.Secure,
		ResumeTimeout: cfg.Lavalink.ResumeTimeout,
	}, lavalink.WithMetrics(mt))

	registry := cmd.NewRegistry()
	bot, err := discord.New(cfg.DiscordToken, discord.Deps{
		Registry: registry,
		Store:    settings,
		Voice:    ll,
	})
	if err != nil {
		return err
	}

	sessions := player.NewManager(settings, ll, bot,
		player.WithMaxQueue(cfg.MaxQueueSize),
		player.WithMetrics(mt),
	)
	bot.Sessions = sessions

	r := reactor.New(sessions, settings,
		reactor.WithMetrics(mt),
		reactor.WithGuildDirectory(bot),
	)
	bot.Sink = r.Submit

	limiter := guard.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitWindow, guard.PerGuild, clock)
	music.Register(registry, music.Deps{
		Sessions:  sessions,
		Loader:    ll,
		Settings:  settings,
		Whitelist: settings,
		Presence:  bot,
		Limiter:   limiter,
		Metrics:   mt,
	})
	ownerLimiter := owner.Register(registry, owner.Deps{
		OwnerID:   cfg.OwnerID,
		Whitelist: settings,
		Directory: bot,
		Clock:     clock,
		Metrics:   mt,
		OnChange:  bot.OnWhitelistChange,
	})

	jobs := jobmgr.NewManager(ctx, jobmgr.LogReporter(logging.WithComponent("jobs")))

	// The reactor must be draining events before the gateway starts producing them.
	if err := jobs.StartAsync("reactor", r.Run); err != nil {
		return err
	}
	if err := jobs.StartAsync("statuses", func(ctx context.Context) error {
		return bot.PostStatuses(ctx, sessions.Statuses())
	}); err != nil {
		return err
	}
	if err := jobs.StartAsync("cache-sweep", func(ctx context.Context) error {
		return configCache.Sweep(ctx, cfg.CacheSweepInterval)
	}); err != nil {
		return err
	}
	if err := jobs.StartAsync("limiter-prune", func(ctx context.Context) error {
		return pruneLimiters(ctx, clock, limiter, ownerLimiter)
	}); err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		if err := jobs.StartAsync("metrics", func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.MetricsAddr, promReg)
		}); err != nil {
			return err
		}
	}

	if err := bot.Open(ctx); err != nil {
		jobs.StopAll()
		jobs.Wait()
		return err
	}

	if err := jobs.StartAsync("lavalink", func(ctx context.Context) error {
		return ll.Listen(ctx, bot.SelfID(), func(ctx context.Context, ev events.Event) {
			if err := r.Submit(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("event", ev.Kind()).Msg("node event dropped")
			}
		})
	}); err != nil {
		return err
	}
	if err := jobs.StartSync("prepare-guilds", bot.PrepareGuilds); err != nil {
		log.Error().Err(err).Msg("failed to prepare whitelisted guilds")
	}

	log.Info().Strs("jobs", jobs.List()).Msgf("%s is running", appName)
	<-ctx.Done()
	log.Info().Msg("❎ Shutdown signal received. Cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sessions.Shutdown(shutdownCtx)
	if err := bot.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close Discord session")
	}
	jobs.StopAll()
	jobs.Wait()

	log.Info().Msg("bot exited cleanly")
	return nil
}

// pruneLimiters drops idle rate limit buckets so they don't pile up per user.
func pruneLimiters(ctx context.Context, clock clockwork.Clock, limiters ...*guard.RateLimiter) error {
	ticker := clock.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			for _, l := range limiters {
				l.Prune()
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
