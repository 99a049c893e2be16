package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"queueless/api/internal/config"
	"queueless/api/internal/httpapi"
	"queueless/api/internal/queue"
	"queueless/api/internal/store/postgres"
	"queueless/api/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	shutdownTracing := telemetry.Setup("queueless-api")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool, postgres.Options{
		SessionTTL: cfg.SessionTTL,
	})
	controller := queue.NewController(st, queue.Options{
		NearThreshold: cfg.NotifyPositionNear,
	})
	handler := httpapi.NewHandler(st, controller)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		UserPerMinute: cfg.UserRateLimitPerMinute,
		UserBurst:     cfg.UserRateLimitBurst,
	})

	chain := limiter.Middleware(httpapi.LoggingMiddleware(httpapi.AuthMiddleware(st, handler.Routes())))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(chain, "queueless-api"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queueless-api listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
