package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/Engagement/pipeline/internal/automation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/config"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/discovery"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/documents"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/events"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/generation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/generator"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/httpserver"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/logging"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/models"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/moderation"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/platform"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/platform/reddit"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/runner"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/scheduler"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/service"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/store"
	"github.com/ILLUVRSE/Engagement/pipeline/internal/vault"
)

func main() {
	noWorkers := flag.Bool("no-workers", false, "serve the API without the discovery runner and dispatch scheduler")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: !cfg.Production()})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, cfg.RunWorkers && !*noWorkers); err != nil {
		logger.Fatal("pipeline service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger, runWorkers bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	states, closeStates, err := openStateStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStates()

	publisher, closePublisher, err := openPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	docs, err := openDocuments(ctx, cfg)
	if err != nil {
		return err
	}

	gen, err := openGenerator(cfg)
	if err != nil {
		return err
	}

	// The reddit adapter resolves tokens through the vault, and the vault identifies
	// accounts through the adapter, so the identity hook is bound after both exist.
	var redditAdapter *reddit.Adapter
	v, err := vault.New(vault.Config{
		Store:       st,
		States:      states,
		StateSecret: []byte(cfg.StateSecret),
		Providers: map[models.Platform]vault.Provider{
			models.PlatformReddit: {
				AuthURL:     cfg.RedditAuthURL,
				TokenURL:    cfg.RedditTokenURL,
				RevokeURL:   cfg.RedditRevokeURL,
				RedirectURL: cfg.OAuthRedirectURL,
				Scopes:      cfg.RedditScopes,
				UserAgent:   cfg.RedditUserAgent,
				AuthParams:  map[string]string{"duration": "permanent"},
				Identify: func(ctx context.Context, accessToken string) (string, error) {
					return redditAdapter.Identify(ctx, accessToken)
				},
			},
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("vault init: %w", err)
	}
	redditAdapter, err = reddit.New(reddit.Config{
		APIBase:           cfg.RedditAPIBase,
		UserAgent:         cfg.RedditUserAgent,
		RequestsPerMinute: cfg.RedditRequestsPerM,
		Timeout:           cfg.AdapterTimeout,
		Logger:            logger,
	}, v)
	if err != nil {
		return fmt.Errorf("reddit adapter init: %w", err)
	}
	adapters := platform.NewRegistry(platform.WithAuthRetry(redditAdapter, v, logger))

	tracker := automation.NewTracker()
	engine := discovery.NewEngine(adapters, st, discovery.Config{
		Concurrency: cfg.ScanConcurrency,
		Tracker:     tracker,
		Logger:      logger,
	})
	queue := moderation.NewQueue(st, publisher, logger)
	drafts := generation.NewWorker(st, gen, queue, generation.Config{
		Tracker: tracker,
		Logger:  logger,
	})
	dispatch := scheduler.New(st, adapters, scheduler.Config{
		Tick:          cfg.DispatchTick,
		CooldownFloor: cfg.CooldownFloor,
		CallTimeout:   cfg.AdapterTimeout,
		Publisher:     publisher,
		Archiver:      docs,
		Tracker:       tracker,
		Logger:        logger,
	})

	svc := service.New(st, engine, dispatch, docs, tracker, logger)
	server := httpserver.New(httpserver.Config{
		APISecret:       cfg.APISecret,
		AllowDebugToken: cfg.AllowDebugToken,
		Publisher:       publisher,
		Logger:          logger,
	}, svc, queue, v, st)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var workers sync.WaitGroup
	if runWorkers {
		logger.Info("starting discovery runner and dispatch scheduler")
		campaigns := runner.New(st, engine, drafts, runner.Config{
			PollInterval: cfg.ScanInterval,
			Logger:       logger,
		})
		workers.Add(2)
		go func() {
			defer workers.Done()
			campaigns.Run(ctx)
		}()
		go func() {
			defer workers.Done()
			dispatch.Run(ctx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("pipeline service listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	err = waitForShutdown(cancel, httpServer, serveErr, logger)
	workers.Wait()
	return err
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, serveErr <-chan error, logger *zap.Logger) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	var err error
	select {
	case <-stop:
	case err = <-serveErr:
		err = fmt.Errorf("http server: %w", err)
	}

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
		logger.Warn("graceful shutdown failed", zap.Error(shutdownErr))
	}
	return err
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.MemoryStore {
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	pg := store.NewPGStore(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("db schema: %w", err)
	}
	return pg, func() { db.Close() }, nil
}

func openStateStore(ctx context.Context, cfg config.Config) (vault.StateStore, func(), error) {
	if cfg.RedisAddr == "" {
		return vault.NewMemoryStateStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return vault.NewRedisStateStore(client), func() { client.Close() }, nil
}

func openPublisher(cfg config.Config, logger *zap.Logger) (events.Publisher, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("no kafka brokers configured, events are dropped")
		return events.Nop{}, func() {}, nil
	}
	p, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := p.Close(); err != nil {
			logger.Warn("close kafka writer", zap.Error(err))
		}
	}, nil
}

type documentStore interface {
	documents.Verifier
	documents.Archiver
}

func openDocuments(ctx context.Context, cfg config.Config) (documentStore, error) {
	if cfg.S3Bucket == "" {
		return documents.Disabled{}, nil
	}
	s3Store, err := documents.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix)
	if err != nil {
		return nil, fmt.Errorf("s3 init: %w", err)
	}
	return s3Store, nil
}

func openGenerator(cfg config.Config) (generator.Generator, error) {
	if cfg.GeneratorURL == "" {
		return generator.Static{Confidence: 0.5}, nil
	}
	client, err := generator.NewHTTPClient(generator.HTTPClientConfig{
		BaseURL: cfg.GeneratorURL,
		Timeout: cfg.GeneratorTimeout,
		Retries: cfg.GeneratorRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("generator client init: %w", err)
	}
	return client, nil
}
