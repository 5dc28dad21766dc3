package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"locksmith-dispatch/internal/config"
	"locksmith-dispatch/internal/dispatch"
	"locksmith-dispatch/internal/lease"
	"locksmith-dispatch/internal/notify"
	"locksmith-dispatch/internal/payments"
	"locksmith-dispatch/internal/store"
	"locksmith-dispatch/internal/telemetry"
	"locksmith-dispatch/internal/timers"
	workerproc "locksmith-dispatch/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	var refunder dispatch.Refunder
	if cfg.StripeSecretKey != "" {
		refunder = payments.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}

	locks := lease.New(redisClient, cfg.AssignLeaseTTL)
	waveTimers := timers.New(redisClient)
	orch := dispatch.NewOrchestrator(st, waveTimers, locks, notifier, refunder, cfg.WaveSize, cfg.OfferTimeout)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	runner := workerproc.NewRunner(cfg, st, waveTimers, orch)
	log.Printf("worker started with poll=%s wave_size=%d offer_timeout=%s", cfg.TimerPoll, cfg.WaveSize, cfg.OfferTimeout)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker stopped: %v", err)
	}
}
