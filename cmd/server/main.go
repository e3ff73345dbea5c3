package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/acuervo/go-watchparty/internal/api"
	"github.com/acuervo/go-watchparty/internal/chat"
	"github.com/acuervo/go-watchparty/internal/config"
	"github.com/acuervo/go-watchparty/internal/database"
	"github.com/acuervo/go-watchparty/internal/party"
	"github.com/acuervo/go-watchparty/internal/stats"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// a local .env is a convenience, not a requirement
	_ = godotenv.Load()

	var cfg config.Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := log.New(os.Stderr, "[watchparty] ", log.LstdFlags)

	db, err := database.NewPgStore(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	partyServer, err := party.NewPartyServer(logger, db, statsUpdater)
	if err != nil {
		return fmt.Errorf("new party server: %w", err)
	}

	chatServer, err := chat.NewChatServer(logger, db, statsUpdater)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewServer(mux, logger, partyServer, chatServer, db, &cfg)

	go partyServer.Run()
	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	logger.Println("shutting down session engines...")
	if err := partyServer.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("party server shutdown: %w", err)
	}
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	if err := srv.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	logger.Println("shutdown complete")
	return nil
}
