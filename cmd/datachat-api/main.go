package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datachat/datachat/internal/api"
	"github.com/datachat/datachat/internal/catalog"
	"github.com/datachat/datachat/internal/completion"
	"github.com/datachat/datachat/internal/config"
	"github.com/datachat/datachat/internal/dictionary"
	"github.com/datachat/datachat/internal/guard"
	"github.com/datachat/datachat/internal/intent"
	"github.com/datachat/datachat/internal/observability"
	"github.com/datachat/datachat/internal/resolve"
	"github.com/datachat/datachat/internal/router"
	"github.com/datachat/datachat/internal/session"
	"github.com/datachat/datachat/internal/store"
	duckdbstore "github.com/datachat/datachat/internal/store/duckdb"
	postgresstore "github.com/datachat/datachat/internal/store/postgres"
	"github.com/datachat/datachat/internal/synth"
)

func main() {
	cfg, err := config.LoadFromEnv("datachat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	local, err := duckdbstore.Open(startupCtx, duckdbstore.Config{
		Path:       cfg.LocalStore.Path,
		SampleRows: cfg.LocalStore.SampleRows,
	})
	if err != nil {
		logger.Error("failed to open local store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = local.Close() }()

	stores := []store.Store{local}
	storeMap := map[store.Kind]store.Store{store.KindLocal: local}
	if cfg.RemoteStore.DSN != "" {
		remote, err := postgresstore.Open(startupCtx, postgresstore.Config{
			DSN:             cfg.RemoteStore.DSN,
			MaxOpenConns:    cfg.RemoteStore.MaxOpenConns,
			MaxIdleConns:    cfg.RemoteStore.MaxIdleConns,
			ConnMaxIdleTime: cfg.RemoteStore.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.RemoteStore.ConnMaxLifetime,
			SampleRows:      cfg.RemoteStore.SampleRows,
		})
		if err != nil {
			// The engine degrades to local-only rather than refusing to
			// start; remote tables surface as unavailable.
			logger.Warn("failed to open remote store", slog.Any("error", err))
		} else {
			defer func() { _ = remote.Close() }()
			stores = append(stores, remote)
			storeMap[store.KindRemote] = remote
		}
	}

	catalogService := catalog.NewService(logger, stores...)
	if _, err := catalogService.Refresh(startupCtx); err != nil {
		logger.Warn("initial catalog refresh incomplete", slog.Any("error", err))
	}

	dictionaryService := dictionary.NewService(logger, dictionarySource(cfg))
	if err := dictionaryService.Reload(startupCtx); err != nil {
		logger.Warn("initial dictionary load failed", slog.Any("error", err))
	}

	var completer completion.Completer
	if cfg.AI.Enabled {
		client, err := completion.NewOpenAIClient(completion.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize completion client", slog.Any("error", err))
			os.Exit(1)
		}
		completer = client
	}

	sessions := session.NewRegistry()
	engine := router.NewEngine(router.Config{
		ExecutionTimeout:  cfg.Router.ExecutionTimeout,
		CompletionTimeout: cfg.Router.CompletionTimeout,
	}, router.Dependencies{
		Logger:      logger,
		Catalog:     catalogService,
		Classifier:  intent.NewClassifier(logger, dictionaryService, completer),
		Resolver:    resolve.NewResolver(logger, dictionaryService, cfg.Router.FuzzyThreshold),
		Synthesizer: synth.NewSynthesizer(logger, completer),
		Guard: guard.New(logger, guard.Config{
			DefaultRowLimit:  cfg.Router.DefaultRowLimit,
			MaxRowLimit:      cfg.Router.MaxRowLimit,
			ScanRowThreshold: cfg.Router.ScanRowThreshold,
		}),
		Sessions: sessions,
		Stores:   storeMap,
	})

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:     logger,
		Engine:     engine,
		Catalog:    catalogService,
		Dictionary: dictionaryService,
		Sessions:   sessions,
		Readiness: api.CombineReadinessChecks(
			api.CheckCatalogSnapshot(catalogService),
			api.CheckDictionaryLoaded(dictionaryService),
		),
		DependencyTimeout: time.Second,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func dictionarySource(cfg config.Config) dictionary.Source {
	if cfg.Dictionary.Bucket != "" {
		source, err := dictionary.NewObjectSource(dictionary.ObjectSourceConfig{
			Endpoint:        cfg.Dictionary.Endpoint,
			Region:          cfg.Dictionary.Region,
			Bucket:          cfg.Dictionary.Bucket,
			ObjectKey:       cfg.Dictionary.ObjectKey,
			AccessKeyID:     cfg.Dictionary.AccessKeyID,
			SecretAccessKey: cfg.Dictionary.SecretAccessKey,
			UseSSL:          cfg.Dictionary.UseSSL,
		})
		if err != nil {
			slog.Error("failed to initialize dictionary object source", slog.Any("error", err))
			os.Exit(1)
		}
		return source
	}
	return dictionary.FileSource{Path: cfg.Dictionary.Path}
}
