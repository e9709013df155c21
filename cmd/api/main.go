package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"depot/api/internal/app"
	"depot/api/internal/cache"
	"depot/api/internal/config"
	"depot/api/internal/search"
	"depot/api/internal/store"
	"depot/api/internal/token"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	cacheCfg := cache.DefaultConfig()
	if strings.TrimSpace(cfg.CacheConfigPath) != "" {
		cacheCfg, err = cache.LoadConfig(cfg.CacheConfigPath)
		if err != nil {
			log.Fatalf("cache config failed: %v", err)
		}
	}
	if cfg.CacheDisabled {
		cacheCfg.Disabled = true
	}

	solr := search.NewSolr(cfg.SolrURL, cfg.SolrCore, cfg.SearchTimeout)
	defer solr.Close()
	searchService := search.NewService(solr, search.NewPgFTS(db))

	var tokenStore token.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for token storage")
		redisStore, err := token.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		tokenStore = redisStore
	} else {
		log.Printf("Using in-memory token storage")
		tokenStore = token.NewMemoryStore()
	}

	var attachments *store.AttachmentStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		attachments, err = store.NewAttachmentStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("attachment store failed: %v", err)
		}
	} else {
		log.Printf("No attachment store configured; content streams disabled")
	}

	service := app.New(cfg, db, searchService, tokenStore, attachments, cacheCfg)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Depot API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
