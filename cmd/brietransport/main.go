package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/admin"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/api"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/breaker"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/cache"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/config"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/dispatch"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/resilient"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/stream"
	"github.com/brie-expense-tracker/client-mobile-sub007/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "transport_config.yaml", "path to transport config YAML")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Cache backend: redis when configured, in-process otherwise.
	var backingCache cache.Cache
	switch cfg.Cache.Type {
	case "redis":
		rc, err := cache.NewRedisCacheFromURL(ctx, cfg.Cache.RedisURL)
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer rc.Close()
		backingCache = rc
		log.Printf("cache: redis")
	default:
		mem := cache.NewMemoryCache()
		defer mem.Close()
		backingCache = mem
		log.Printf("cache: in-memory")
	}

	var tokens api.TokenProvider
	if token := os.Getenv("BRIE_API_TOKEN"); token != "" {
		tokens = api.StaticToken(token)
	}

	client := api.New(api.Options{
		BaseURL:       cfg.API.BaseURL,
		Timeout:       cfg.API.Timeout.Std(),
		Tokens:        tokens,
		SigningSecret: cfg.API.SigningSecret,
	})

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		SuccessThreshold:  cfg.Breaker.SuccessThreshold,
		CallTimeout:       cfg.Breaker.CallTimeout.Std(),
		ResetTimeout:      cfg.Breaker.ResetTimeout.Std(),
		MaxRetries:        cfg.Breaker.MaxRetries,
		RetryBaseDelay:    cfg.Breaker.RetryBaseDelay.Std(),
		RetryMaxDelay:     cfg.Breaker.RetryMaxDelay.Std(),
		BackoffMultiplier: cfg.Breaker.BackoffMultiplier,
	})

	dispatcher := dispatch.New(dispatch.Config{
		MaxRetries:    cfg.Dispatch.MaxRetries,
		BaseDelay:     cfg.Dispatch.BaseDelay.Std(),
		MaxDelay:      cfg.Dispatch.MaxDelay.Std(),
		Multiplier:    cfg.Dispatch.Multiplier,
		JitterFactor:  cfg.Dispatch.JitterFactor,
		InFlightTTL:   cfg.Dispatch.InFlightTTL.Std(),
		SweepInterval: cfg.Dispatch.SweepInterval.Std(),
	})
	defer dispatcher.Close()

	metrics := telemetry.New()
	snapshots := cache.NewSnapshotStore(backingCache, cfg.Cache.SnapshotTTL.Std())

	service := resilient.NewService(resilient.Options{
		Client:          client,
		Breakers:        breakers,
		Dispatcher:      dispatcher,
		Fallback:        snapshots,
		ResponseCache:   backingCache,
		ResponseTTL:     cfg.Cache.ResponseTTL.Std(),
		FallbackEnabled: cfg.Fallback.FallbackEnabled(),
		Metrics:         metrics,
	})

	transport := stream.New(stream.Options{
		Client:        client,
		Service:       service,
		NoDataTimeout: cfg.Stream.NoDataTimeout.Std(),
		TotalTimeout:  cfg.Stream.TotalTimeout.Std(),
		Metrics:       metrics,
	})

	adminSrv := admin.NewServer(admin.Config{
		Service:   service,
		Transport: transport,
		Metrics:   metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- adminSrv.ListenAndServe(ctx, cfg.Admin.Port)
	}()

	log.Printf("transport layer up: backend=%s admin=%s", cfg.API.BaseURL, cfg.Admin.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("admin server: %v", err)
		}
	}

	cancel()
	cancelled := service.CancelAllRequests()
	if cancelled > 0 {
		log.Printf("cancelled %d in-flight requests", cancelled)
	}

	// give the admin server a moment to drain
	time.Sleep(100 * time.Millisecond)
	log.Println("shutdown complete")
}
