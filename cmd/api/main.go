package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"locksmith-dispatch/internal/api"
	"locksmith-dispatch/internal/config"
	"locksmith-dispatch/internal/dispatch"
	"locksmith-dispatch/internal/inbound"
	"locksmith-dispatch/internal/lease"
	"locksmith-dispatch/internal/notify"
	"locksmith-dispatch/internal/payments"
	"locksmith-dispatch/internal/photos"
	"locksmith-dispatch/internal/ratelimit"
	"locksmith-dispatch/internal/store"
	"locksmith-dispatch/internal/timers"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	notifier, err := notify.FromConfig(cfg)
	if err != nil {
		log.Fatalf("init notifier: %v", err)
	}

	var pay *payments.Client
	if cfg.StripeSecretKey != "" {
		pay = payments.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	} else if cfg.Env != "dev" {
		log.Fatalf("STRIPE_SECRET_KEY is required outside dev")
	}

	photoProc, err := photos.NewProcessor(ctx, cfg)
	if err != nil {
		log.Fatalf("init photo storage: %v", err)
	}

	locks := lease.New(redisClient, cfg.AssignLeaseTTL)
	waveTimers := timers.New(redisClient)
	limiter := ratelimit.New(redisClient, "ratelimit:sessions", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	orch := dispatch.NewOrchestrator(st, waveTimers, locks, notifier, refunderOrNil(pay), cfg.WaveSize, cfg.OfferTimeout)
	arbiter := dispatch.NewArbiter(st, locks, waveTimers, notifier, cfg.OfferTimeout)
	promoter := dispatch.NewPromoter(st, orch, notifier, verifierOrNil(pay))
	gateway := inbound.NewGateway(st, arbiter, orch, promoter)

	server := api.New(cfg, st, gateway, orch, arbiter, promoter, pay, photoProc, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// Typed nil inside a non-nil interface would dodge the orchestrator's nil
// checks, so a missing client maps to a nil interface here.
func refunderOrNil(pay *payments.Client) dispatch.Refunder {
	if pay == nil {
		return nil
	}
	return pay
}

func verifierOrNil(pay *payments.Client) dispatch.PaymentVerifier {
	if pay == nil {
		return nil
	}
	return pay
}
