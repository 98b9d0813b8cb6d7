// Command worker runs the poll-claim-heartbeat-ack loop of spec.md §4.5
// against the durable queue_tasks table. Concrete actor implementations
// (media generation providers, etc.) are out of scope (spec.md §1); this
// binary wires whatever actors the deployment registers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lyzr/workflow-orchestrator/internal/config"
	"github.com/lyzr/workflow-orchestrator/internal/logger"
	"github.com/lyzr/workflow-orchestrator/internal/queue"
	"github.com/lyzr/workflow-orchestrator/internal/store/pg"
	"github.com/lyzr/workflow-orchestrator/internal/worker"
)

func main() {
	verbose := flag.Bool("v", false, "verbose (debug) logging")
	flag.Parse()

	cfg, err := config.Load("worker")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config: "+err.Error())
		os.Exit(1)
	}
	if *verbose {
		cfg.Service.LogLevel = "debug"
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pg.New(ctx, cfg.Database, log)
	if err != nil {
		log.Error("connect to postgres", "error", err)
		os.Exit(1)
	}

	q := queue.New(db)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, heartbeat/progress fan-out disabled", "error", err)
	} else {
		q = q.WithRedis(rdb)
	}

	if cfg.Telemetry.EnableMetrics {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			log.Info("metrics listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	actors := map[string]worker.Actor{
		// Concrete actors (e.g. "media") are registered by the deployment
		// that wires this binary together.
	}

	pool := worker.New(q, actors, worker.Config{
		PollInterval:      cfg.Queue.PollInterval,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		StaleThreshold:    cfg.Queue.StaleThreshold,
		ShutdownGrace:     cfg.Queue.ShutdownGrace,
		ConcurrencyCaps:   cfg.Queue.ConcurrencyCaps,
	}, log.Logger)

	log.Info("worker starting", "concurrency_caps", cfg.Queue.ConcurrencyCaps)
	if err := pool.Run(ctx); err != nil {
		log.Error("worker pool exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped cleanly")
}
