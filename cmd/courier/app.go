package main

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"courier/internal/config"
	"courier/internal/migration"
	"courier/internal/repository"
	"courier/internal/service"

	_ "modernc.org/sqlite"
)

// app holds the wired services shared by every command.
type app struct {
	cfg              *config.Config
	logger           *zap.Logger
	db               *sql.DB
	queries          *repository.Queries
	fileStorage      *service.FileStorage
	variableResolver *service.VariableResolver
	oauth            *service.OAuth2Manager
	requestRunner    *service.RequestRunner
	collectionRunner *service.CollectionRunner
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	db, err := openDB(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	if err := migration.Run(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	queries := repository.New(db)

	fileStorage, err := service.NewFileStorage(cfg.Uploads.Dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare upload directory: %w", err)
	}

	tokenCache, err := service.NewTokenCache(cfg.OAuth.CacheSize, queries, logger.Named("oauth2"))
	if err != nil {
		db.Close()
		return nil, err
	}
	oauth := service.NewOAuth2Manager(tokenCache, logger.Named("oauth2"),
		service.WithCallbackTimeout(cfg.OAuth.CallbackTimeout),
	)

	variableResolver := service.NewVariableResolver()
	requestRunner := service.NewRequestRunner(
		variableResolver,
		service.NewJSScriptExecutor(variableResolver, cfg.Script.Timeout, logger.Named("script")),
		service.NewRequestExecutor(httpSettings(cfg.HTTP), fileStorage, logger.Named("dispatch")),
		service.NewAssertionEngine(logger.Named("assert")),
		oauth,
		logger.Named("runner"),
	)

	return &app{
		cfg:              cfg,
		logger:           logger,
		db:               db,
		queries:          queries,
		fileStorage:      fileStorage,
		variableResolver: variableResolver,
		oauth:            oauth,
		requestRunner:    requestRunner,
		collectionRunner: service.NewCollectionRunner(requestRunner, cfg.Runner.Rate, logger.Named("collection")),
	}, nil
}

func (a *app) Close() error {
	a.oauth.CancelAuthorization()
	return a.db.Close()
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transactions from
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return db, nil
}

func httpSettings(c config.HTTPConfig) service.HTTPSettings {
	return service.HTTPSettings{
		Timeout:         c.Timeout,
		FollowRedirects: c.FollowRedirects,
		MaxRedirects:    c.MaxRedirects,
		ValidateTLS:     c.ValidateTLS,
		Proxy:           c.Proxy,
		UserAgent:       c.UserAgent,
	}
}
