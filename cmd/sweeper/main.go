package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"hivesync-jobs/internal/config"
	"hivesync-jobs/internal/queue"
	"hivesync-jobs/internal/store"
	"hivesync-jobs/internal/sweeper"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	broker := queue.NewBroker(rdb, cfg.ConsumeBlock)

	sw := sweeper.New(st, cfg.StaleWorkerAfter, cfg.StuckJobAfter)
	queues := []string{cfg.PreviewQueue, cfg.AIQueue, cfg.MapQueue, cfg.BillingQueue, cfg.DeletionQueue}

	c := cron.New()
	_, err = c.AddFunc(fmt.Sprintf("@every %s", cfg.SweepInterval), func() {
		sw.Sweep(ctx)
		// Reclaim deliveries held by crashed consumers so the broker keeps
		// its at-least-once promise.
		for _, q := range queues {
			if n, err := broker.RequeueStale(ctx, q, 100); err != nil {
				log.Printf("sweeper: requeue stale on %s: %v", q, err)
			} else if n > 0 {
				log.Printf("sweeper: requeued %d stale deliveries on %s", n, q)
			}
		}
	})
	if err != nil {
		log.Fatalf("schedule sweep: %v", err)
	}

	log.Printf("sweeper started interval=%s stale_worker_after=%s stuck_job_after=%s",
		cfg.SweepInterval, cfg.StaleWorkerAfter, cfg.StuckJobAfter)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
}
