package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"codecollab/server/internal/auth"
	"codecollab/server/internal/authority"
	"codecollab/server/internal/config"
	"codecollab/server/internal/httpapi"
	"codecollab/server/internal/relay"
	"codecollab/server/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("storage error: %v", err)
	}
	defer store.Close()

	var bus relay.Relay
	if cfg.RedisAddr != "" {
		redisRelay, err := relay.NewRedisRelay(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatalf("redis error: %v", err)
		}
		defer redisRelay.Close()
		bus = redisRelay
		log.Printf("room relay redis addr=%s", cfg.RedisAddr)
	}

	registry := authority.NewRegistry(store, bus, cfg.Authority)
	defer registry.Close()

	api := httpapi.NewServer(registry)
	router := api.Router()

	var handler http.Handler
	if cfg.Auth.Enabled() {
		manager, err := auth.NewManager(cfg.Auth)
		if err != nil {
			log.Fatalf("auth error: %v", err)
		}
		router.Handle("/auth/callback", manager.CallbackHandler())
		router.Handle("/auth/logout", manager.LogoutHandler())
		skip := func(r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/auth/callback"
		}
		handler = manager.Middleware(skip)(manager.WithIdentity(router))
		log.Printf("oidc enabled issuer=%s", cfg.Auth.IssuerURL)
	} else {
		handler = auth.DevIdentityMiddleware(cfg.DevUser)(router)
		log.Printf("oidc disabled, using dev identity user=%s", cfg.DevUser)
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("server listening on %s", cfg.Addr())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	if cfg.DatabaseURL != "" {
		store, err = storage.OpenPostgres(ctx, cfg.DatabaseURL)
		log.Printf("storage postgres")
	} else {
		store, err = storage.OpenSQLite(cfg.DatabasePath)
		log.Printf("storage sqlite path=%s", cfg.DatabasePath)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
