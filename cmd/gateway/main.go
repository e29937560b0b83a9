// Command gateway starts the Local Model Gateway HTTP front end,
// wiring config, registry, scheduler, router and request logger
// together: a zap logger, then signal-driven graceful shutdown.
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

	"go.uber.org/zap"

	"github.com/localforge/modelgateway/internal/config"
	"github.com/localforge/modelgateway/internal/gatewaylog"
	"github.com/localforge/modelgateway/internal/httpapi"
	"github.com/localforge/modelgateway/internal/registry"
	"github.com/localforge/modelgateway/internal/router"
	"github.com/localforge/modelgateway/internal/scheduler"
)

func main() {
	configDir := flag.String("config-dir", ".", "directory containing config.yaml, routes.yaml, models.yaml and providers/")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	loader := config.NewLoader(*configDir)
	appCfg, err := loader.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	reqLog, err := gatewaylog.New(appCfg.Logging, log)
	if err != nil {
		log.Fatal("failed to initialize request logger", zap.Error(err))
	}
	defer reqLog.Close()

	reg := registry.New(loader)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := reg.Refresh(ctx, 0, true); err != nil {
		log.Warn("initial registry build reported problems", zap.Error(err))
	}
	cancel()

	sched := scheduler.New(reg, reqLog)
	defer sched.Close()

	rt := router.New(sched, reg)
	server := httpapi.New(reg, sched, rt, reqLog)

	addr := fmt.Sprintf("%s:%d", appCfg.Server.Host, appCfg.Server.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: server.Engine(),
	}

	go func() {
		log.Info("gateway listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
