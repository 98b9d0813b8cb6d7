// Command orchestrator serves spec.md §6's external interfaces over HTTP:
// the engine's Start/Respond/Retry/GetState/GetInteractionHistory/
// SubAction calls, plus the virtual preview sandbox.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/workflow-orchestrator/internal/addons"
	"github.com/lyzr/workflow-orchestrator/internal/condition"
	"github.com/lyzr/workflow-orchestrator/internal/config"
	"github.com/lyzr/workflow-orchestrator/internal/engine"
	"github.com/lyzr/workflow-orchestrator/internal/logger"
	"github.com/lyzr/workflow-orchestrator/internal/moduleiface"
	"github.com/lyzr/workflow-orchestrator/internal/queue"
	"github.com/lyzr/workflow-orchestrator/internal/sandbox"
	"github.com/lyzr/workflow-orchestrator/internal/store/pg"
	httptransport "github.com/lyzr/workflow-orchestrator/internal/transport/http"
)

func main() {
	host := flag.String("host", "0.0.0.0", "listen host")
	port := flag.Int("port", 0, "listen port (overrides PORT env if set)")
	verbose := flag.Bool("v", false, "verbose (debug) logging")
	flag.Parse()

	cfg, err := config.Load("orchestrator")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config: "+err.Error())
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Service.Port = *port
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

	registry := moduleiface.NewRegistry()
	// Concrete module implementations are registered by the deployment that
	// wires this binary together (spec.md §1: out of scope here).

	celEnv, err := condition.NewEnv()
	if err != nil {
		log.Error("build cel environment", "error", err)
		os.Exit(1)
	}
	addonPipe := addons.NewPipeline([]addons.Addon{
		addons.NewPopularityAddon(db, condition.New(celEnv)),
	})

	eng := engine.New(db, registry, addonPipe, celEnv, log.Logger)
	sb := sandbox.New(db, registry, addonPipe, celEnv)
	q := queue.New(db)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	server := httptransport.NewServer(eng, sb, q, log.Logger)
	server.Register(e)

	addr := fmt.Sprintf("%s:%d", *host, cfg.Service.Port)
	httpServer := &http.Server{Addr: addr, Handler: e}

	go func() {
		log.Info("orchestrator listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}
