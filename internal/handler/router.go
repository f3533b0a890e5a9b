package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"courier/internal/middleware"
	"courier/internal/repository"
	"courier/internal/service"
)

// Services is everything the HTTP API serves.
type Services struct {
	Queries          *repository.Queries
	VariableResolver *service.VariableResolver
	RequestRunner    *service.RequestRunner
	CollectionRunner *service.CollectionRunner
	OAuth            *service.OAuth2Manager
	FileStorage      *service.FileStorage
	Logger           *zap.Logger
}

func NewRouter(s Services) http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	executeHandler := NewExecuteHandler(s.Queries, s.RequestRunner, s.CollectionRunner, s.Logger)
	environmentHandler := NewEnvironmentHandler(s.Queries, s.VariableResolver)
	oauthHandler := NewOAuthHandler(s.OAuth)
	fileHandler := NewFileHandler(s.Queries, s.FileStorage, s.Logger)
	historyHandler := NewHistoryHandler(s.Queries)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.RequestLogger(s.Logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS)
	r.Use(middleware.EnvironmentID)

	r.Route("/api", func(r chi.Router) {
		// Execution
		r.Post("/execute", executeHandler.Execute)
		r.Get("/execute/stream", executeHandler.Stream)
		r.Post("/collections/run", executeHandler.RunCollection)

		// Environments
		r.Get("/environments", environmentHandler.List)
		r.Post("/environments", environmentHandler.Create)
		r.Get("/environments/{id}", environmentHandler.Get)
		r.Put("/environments/{id}", environmentHandler.Update)
		r.Delete("/environments/{id}", environmentHandler.Delete)
		r.Post("/environments/{id}/changes", environmentHandler.ApplyChanges)
		r.Get("/environments/{id}/unresolved", environmentHandler.Unresolved)

		// OAuth2
		r.Post("/oauth/authorize", oauthHandler.Authorize)
		r.Post("/oauth/cancel", oauthHandler.Cancel)
		r.Post("/oauth/token", oauthHandler.Token)
		r.Get("/oauth/tokens/{key}", oauthHandler.GetToken)
		r.Delete("/oauth/tokens/{key}", oauthHandler.DeleteToken)
		r.Post("/oauth/tokens/{key}/refresh", oauthHandler.Refresh)

		// Files
		r.Get("/files", fileHandler.List)
		r.Post("/files", fileHandler.Upload)
		r.Post("/files/cleanup", fileHandler.Cleanup)
		r.Get("/files/{id}", fileHandler.Get)
		r.Delete("/files/{id}", fileHandler.Delete)

		// History
		r.Get("/history", historyHandler.List)
		r.Delete("/history", historyHandler.DeleteAll)
		r.Get("/history/{id}", historyHandler.Get)
		r.Delete("/history/{id}", historyHandler.Delete)
	})

	return r
}
