package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"server/internal/adapter/repo"
	"server/internal/domain"
	"server/internal/http/handlers"
	httpapi "server/internal/http/httpapi"
	"server/internal/infra"
	"server/internal/jobs"
	"server/internal/media"
	"server/internal/provider"
	"server/internal/provider/dashscope"
	"server/internal/provider/kling"
	"server/internal/storage"
	"server/internal/workflow"
)

// notifierRelay breaks the construction cycle between the tracker and
// the composer: the tracker is built first with the relay, the
// composer is attached afterwards.
type notifierRelay struct {
	target jobs.Notifier
}

func (n *notifierRelay) GenerationFinished(rec *domain.GenerationRecord) {
	if n.target != nil {
		n.target.GenerationFinished(rec)
	}
}

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	files, err := storage.NewFileStore(cfg.UploadsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare uploads directory")
	}
	resolver := media.NewResolver(files, nil, logger)

	// Record store: Postgres when configured, in-memory otherwise.
	var store jobs.RecordStore
	if cfg.DatabaseURL != "" {
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()
		store = repo.NewGenerationRepository(dbpool)
		logger.Info().Msg("using postgres record store")
	} else {
		store = jobs.NewMemoryStore()
		logger.Info().Msg("using in-memory record store")
	}

	adapters := provider.Registry{}
	klingClient := kling.NewClient(kling.Options{
		AccessKey:    cfg.KlingAccessKey,
		SecretKey:    cfg.KlingSecretKey,
		APIKey:       cfg.KlingAPIKey,
		BaseURL:      cfg.KlingBaseURL,
		CallbackURL:  cfg.WebhookCallbackURL,
		Resolver:     resolver,
		Logger:       logger,
		CallInterval: 500 * time.Millisecond,
	})
	if klingClient.IsConfigured() {
		adapters[kling.ProviderName] = klingClient
	}
	dashscopeClient := dashscope.NewClient(dashscope.Options{
		APIKey:   cfg.DashScopeAPIKey,
		BaseURL:  cfg.DashScopeBaseURL,
		Resolver: resolver,
		Logger:   logger,
	})
	if dashscopeClient.IsConfigured() {
		adapters[dashscope.ProviderName] = dashscopeClient
	}
	if len(adapters) == 0 {
		logger.Warn().Msg("no provider credentials configured, submissions will fail")
	}

	relay := &notifierRelay{}
	tracker := jobs.NewTracker(jobs.Options{
		Store:             store,
		Adapters:          adapters,
		PollInterval:      cfg.PollInterval,
		MaxAttempts:       cfg.PollMaxAttempts,
		WebhookConfigured: cfg.WebhookCallbackURL != "",
		Notifier:          relay,
		Logger:            logger,
	})

	stitcher := workflow.NewFFmpegStitcher(nil, files, "/static")
	merger := workflow.NewMerger(tracker, stitcher, logger)
	composer := workflow.NewComposer(tracker, merger, cfg.StageVideoConcurrency, logger)
	relay.target = composer

	app := handlers.NewApp(tracker, composer, merger, files, cfg, logger)
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != os.ErrClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
