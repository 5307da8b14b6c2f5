package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agrolink/realtime/internal/config"
	"github.com/agrolink/realtime/internal/database"
	"github.com/agrolink/realtime/internal/server"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/teris-io/shortid"
	"github.com/unrolled/secure"
	"go.uber.org/zap"
)

type App struct {
	log            *zap.Logger
	repo           database.Repository
	cs             *server.ChatServer
	srv            *http.Server
	validate       *validator.Validate
	signingKey     []byte
	allowedOrigins []string

	generateShortId func() (string, error)
}

func NewApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, repo database.Repository, cfg *config.Config) *App {
	s := &App{
		log:             logger,
		repo:            repo,
		cs:              cs,
		validate:        validator.New(),
		signingKey:      cfg.SigningKey,
		allowedOrigins:  cfg.AllowedOrigins,
		generateShortId: shortid.Generate,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.Handle("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms/{id}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/notifications", s.authMiddleware(s.listNotifications))
	mux.Handle("GET /api/users/{id}/presence", s.authMiddleware(s.getPresence))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "same-origin",
		IsDevelopment:      cfg.DevMode,
	}).Handler(h)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *App) Handler() http.Handler {
	return s.srv.Handler
}

func (s *App) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
