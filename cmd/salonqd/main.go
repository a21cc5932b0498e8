package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"salonq/internal/cache"
	"salonq/internal/config"
	"salonq/internal/httpapi"
	"salonq/internal/notify"
	"salonq/internal/store"
	"salonq/internal/store/memory"
	"salonq/internal/store/postgres"
	"salonq/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type appStore interface {
	store.EntryStore
	notify.Store
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	shutdownTelemetry := telemetry.Setup(ctx, "salonq", os.Getenv("SERVICE_VERSION"))

	var st appStore
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, using in-memory store")
		st = memory.NewStore(memory.Options{AverageServiceMinutes: cfg.AvgServiceMinutes})
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		st = postgres.NewStore(pool, postgres.Options{AverageServiceMinutes: cfg.AvgServiceMinutes})
	}

	waitCache := cache.NewWaitCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.WaitCacheTTL)
	defer func() {
		if err := waitCache.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()

	handler := httpapi.NewHandler(st, httpapi.Options{WaitCache: waitCache})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		SalonPerMinute: cfg.SalonRateLimitPerMinute,
		SalonBurst:     cfg.SalonRateLimitBurst,
	})

	routes := httpapi.AuthMiddleware(st, handler.Routes())
	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(routes)), "salonq")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("salonq listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	go func() {
		if cfg.PromoteInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.PromoteInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(workerCtx, 10*time.Second)
				count, err := st.PromoteDueEntries(tickCtx, time.Now().UTC(), cfg.PromoteBatchSize)
				cancel()
				if err != nil {
					log.Printf("promote sweep error: %v", err)
					continue
				}
				if count > 0 {
					log.Printf("promote sweep moved %d bookings into the queue", count)
				}
			}
		}
	}()

	go func() {
		if cfg.NotifyInterval <= 0 {
			return
		}
		worker := notify.New(st, notify.Config{
			BatchSize:     cfg.NotifyBatchSize,
			SMSProvider:   cfg.SMSProvider,
			EmailProvider: cfg.EmailProvider,
		})
		notify.Start(workerCtx, cfg.NotifyInterval, worker)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown error: %v", err)
	}
}
