package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tg_market/internal/domain"
	"tg_market/internal/infra"
	"tg_market/internal/infra/storage"
	"tg_market/internal/infra/telegram"
	"tg_market/internal/server"
	"tg_market/internal/service"
	"tg_market/internal/session"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config   *infra.Config
	Logger   *slog.Logger
	Store    storage.Store
	Env      service.Env
	Sessions *session.Registry
	Icons    *infra.IconCache
	Server   *server.Server
	Bot      *telegram.Bot
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, store, services)
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	slog.Info("🚀 Bootstrapping TG Market...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)

	// 3. Open the document store
	store, err := storage.Open(ctx, storage.Options{
		Driver:     cfg.Store.Driver,
		SQLitePath: cfg.Store.SQLitePath,
		Redis: storage.RedisOptions{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		},
		Postgres: storage.PostgresOptions{
			DSN:     cfg.Store.Postgres.DSN,
			Channel: cfg.Store.Postgres.Channel,
		},
	})
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("✅ Document store opened", slog.String("driver", cfg.Store.Driver))

	// 4. Read layer
	b.Env = service.Env{
		Store:   store,
		Tasks:   service.NewTasks(b.Logger, infra.GlobalMetrics),
		Metrics: infra.GlobalMetrics,
		Logger:  b.Logger,
		Clock:   time.Now,
		Options: service.Options{
			Schema: domain.ProfileSchema{
				LowercaseUsername: cfg.Profile.LowercaseUsername,
				TradeStats:        cfg.Profile.TradeStats,
				PrivacyConsent:    cfg.Profile.PrivacyConsent,
				InitialRating:     cfg.Profile.InitialRating,
			},
			RemoteTimeout: cfg.RemoteTimeout(),
		},
	}

	if cfg.Market.SeedOnStart {
		seeded, err := service.NewMarketService(b.Env).SeedMarketIfEmpty(ctx)
		if err != nil {
			// Not fatal: the market page seeds again on its own
			slog.Warn("Market seed failed", slog.Any("error", err))
		} else if seeded {
			slog.Info("✅ Market seeded with starter tokens")
		}
	}

	// 5. Sessions and icons
	b.Sessions = session.NewRegistry(time.Now)

	icons, err := infra.NewIconCache(cfg.Assets.Dir, cfg.Assets.IconSize)
	if err != nil {
		return err
	}
	b.Icons = icons
	slog.Info("✅ Icon cache ready", slog.String("dir", cfg.Assets.Dir))

	// 6. HTTP server
	fallback := cfg.Telegram.Fallback
	b.Server = server.New(server.Config{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.Logging.Level == "debug",
	}, b.Env, b.Sessions, telegram.Resolver{Fallback: domain.Identity{
		ID:        fallback.ID,
		Username:  fallback.Username,
		FirstName: fallback.FirstName,
		PhotoURL:  fallback.PhotoURL,
	}}, icons)

	// 7. Companion bot (optional)
	if cfg.Telegram.BotToken != "" {
		botEnv := b.Env.WithCache(session.NewCache())
		bot, err := telegram.NewBot(telegram.BotConfig{
			Token:     cfg.Telegram.BotToken,
			WebAppURL: cfg.Telegram.WebAppURL,
		}, service.NewProfileService(botEnv), service.NewMarketService(botEnv), b.Logger)
		if err != nil {
			return err
		}
		b.Bot = bot
		slog.Info("✅ Telegram bot ready")
	}

	return nil
}

// Run serves until ctx is cancelled, then shuts everything down in reverse order
func (b *Bootstrap) Run(ctx context.Context) error {
	sweeper := session.NewSweeper(
		b.Sessions,
		time.Duration(b.Config.Server.SweepIntervalSec)*time.Second,
		time.Duration(b.Config.Server.SessionIdleMin)*time.Minute,
	)
	go sweeper.Start(ctx)
	go b.SyncAssets(ctx)

	if b.Bot != nil {
		go b.Bot.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	slog.Info("👋 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.Server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", slog.Any("error", err))
	}
	if b.Bot != nil {
		b.Bot.Stop()
	}
	b.Env.Tasks.Wait()
	if err := b.Store.Close(); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	return serveErr
}

// SyncAssets prefetches token icons in the background so the first market
// page is served from the icon cache
func (b *Bootstrap) SyncAssets(ctx context.Context) {
	slog.Info("🔄 Starting asset synchronization...")

	tokens, err := service.NewMarketService(b.Env).LoadMarket(ctx)
	if err != nil {
		slog.Warn("Asset sync skipped", slog.Any("error", err))
		return
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, 5) // Limit concurrent downloads

	for _, token := range tokens {
		wg.Add(1)
		go func(t domain.MarketToken) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			_, err := b.Icons.Fetch(ctx, t.ID, t.Image)
			if errors.Is(err, infra.ErrNotRemoteImage) {
				return // Bundled with the frontend
			}
			if err != nil {
				slog.Warn("Failed to download icon", slog.String("symbol", t.ID), slog.Any("error", err))
			}
		}(token)
	}

	wg.Wait()
	slog.Info("✨ Asset synchronization completed")
}
