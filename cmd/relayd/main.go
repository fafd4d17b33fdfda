package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/llmrelay/llmrelay/internal/adapter/ollama"
	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/config"
	"github.com/llmrelay/llmrelay/internal/httpserver"
	"github.com/llmrelay/llmrelay/internal/ledger"
	ledgerpg "github.com/llmrelay/llmrelay/internal/ledger/postgres"
	ledgersqlite "github.com/llmrelay/llmrelay/internal/ledger/sqlite"
	"github.com/llmrelay/llmrelay/internal/logging"
	"github.com/llmrelay/llmrelay/internal/modelmeta"
	"github.com/llmrelay/llmrelay/internal/userstore"
	userpg "github.com/llmrelay/llmrelay/internal/userstore/postgres"
	usersqlite "github.com/llmrelay/llmrelay/internal/userstore/sqlite"
)

const (
	maxLogFileBytes = 300 * 1024 * 1024

	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logPath := cfg.LogFileDaemon
	if logPath == "" {
		logPath = "log/relayd.log"
	}
	rot, err := logging.NewRollingWriter(logPath, maxLogFileBytes)
	if err != nil {
		log.Fatalf("open log file: %v", err)
	}
	defer rot.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, rot))
	log.SetPrefix("[relayd] ")
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	log.Printf("starting env=%s addr=%s", cfg.Environment, cfg.ListenAddr)

	identity, err := openIdentityStore(cfg)
	if err != nil {
		log.Fatalf("open identity store: %v", err)
	}
	defer identity.Close()

	ctx := context.Background()
	rootUser, err := identity.EnsureRootAdmin(ctx, cfg.AdminEmail)
	if err != nil {
		log.Fatalf("ensure root admin: %v", err)
	}

	store, err := openLedgerStore(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer store.Close()

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		authManager = auth.NewManager(cfg.AuthSecret)
	}

	meta, err := modelmeta.Load(cfg.ModelCatalogPath)
	if err != nil {
		log.Fatalf("load model catalog: %v", err)
	}
	if cfg.ModelCatalogPath != "" {
		log.Printf("model catalog loaded path=%s aliases=%d", cfg.ModelCatalogPath, meta.Len())
	}

	backend, err := ollama.New(ollama.Config{
		BaseURL:              cfg.OllamaBaseURL,
		Token:                cfg.OllamaToken,
		FirstResponseTimeout: cfg.RequestTimeout,
		Logger:               log.New(log.Writer(), "[relayd/ollama] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		log.Fatalf("configure backend: %v", err)
	}
	log.Printf("backend base_url=%s", backend.BaseURL())

	srv := httpserver.New(backend, store, authManager, identity, rootUser)
	srv.SetAuthDisabled(cfg.AuthDisabled)
	srv.SetModelsEnabled(cfg.ModelsEnabled)
	srv.SetModelCatalog(meta)
	srv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[relayd/http] ", log.LstdFlags|log.Lmicroseconds))

	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Router(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays zero: completions stream for as long as the
		// backend keeps producing.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		log.Fatalf("server error: %v", err)
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("stopped")
}

func isPostgresDSN(path string) bool {
	return strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://")
}

func openIdentityStore(cfg config.RelayConfig) (userstore.Store, error) {
	if isPostgresDSN(cfg.IdentityPath) {
		return userpg.New(cfg.IdentityPath, 10, 5, 30*time.Minute)
	}
	return usersqlite.New(cfg.IdentityPath)
}

func openLedgerStore(cfg config.RelayConfig) (ledger.Store, error) {
	if isPostgresDSN(cfg.LedgerPath) {
		return ledgerpg.New(cfg.LedgerPath, 10, 5, 30*time.Minute)
	}
	return ledgersqlite.New(cfg.LedgerPath)
}
