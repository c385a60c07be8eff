package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"hivesync-jobs/internal/config"
	"hivesync-jobs/internal/queue"
	"hivesync-jobs/internal/store"
	"hivesync-jobs/internal/telemetry"
	workerproc "hivesync-jobs/internal/worker"
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

	var runner workerproc.Runner
	var jobs workerproc.JobStore
	switch cfg.WorkerKind {
	case "ai":
		runner = workerproc.NewAIRunner(cfg)
		jobs = st.AIJobs()
	case "preview":
		pr, err := workerproc.NewPreviewRunner(ctx, cfg)
		if err != nil {
			log.Fatalf("init preview runner: %v", err)
		}
		runner = pr
		jobs = st.PreviewJobs()
	default:
		log.Fatalf("unknown WORKER_KIND %q (want preview or ai)", cfg.WorkerKind)
	}

	heartbeater := workerproc.NewHeartbeater(st, cfg.WorkerKind, cfg.HeartbeatInterval)
	go heartbeater.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	processor := workerproc.NewProcessor(broker, jobs, st, runner, cfg.DLQQueue, cfg.MaxRetries, cfg.RetryDelays)

	log.Printf("worker %s started kind=%s queue=%s max_retries=%d",
		heartbeater.WorkerID(), cfg.WorkerKind, runner.Queue(), cfg.MaxRetries)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
