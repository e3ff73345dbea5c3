package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/acuervo/go-watchparty/internal/chat"
	"github.com/acuervo/go-watchparty/internal/config"
	"github.com/acuervo/go-watchparty/internal/database"
	"github.com/acuervo/go-watchparty/internal/party"
)

type Server struct {
	log            *log.Logger
	db             database.Store
	mux            *http.Server
	party          *party.PartyServer
	chat           *chat.ChatServer
	signingKey     []byte
	allowedOrigins []string
}

func NewServer(mux *http.ServeMux, logger *log.Logger, ps *party.PartyServer, cs *chat.ChatServer, db database.Store, cfg *config.Config) *Server {
	s := &Server{
		log:            logger,
		db:             db,
		party:          ps,
		chat:           cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /watch-party", s.serveWatchParty)
	mux.HandleFunc("GET /chat", s.serveChat)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /public-rooms", s.publicRooms)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *Server) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
