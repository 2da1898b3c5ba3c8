// Command engine runs one StormStack Engine Node: the per-container ECS,
// module runtime, tick scheduler, and shared registry/fanout/gate,
// exposed over HTTP and WebSocket. Flag parsing, config loading,
// service wiring, then startup under a lifecycle manager with
// signal-triggered graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stormstack/engine/internal/app/engine"
	"github.com/stormstack/engine/internal/app/httpapi"
	"github.com/stormstack/engine/internal/platform/system"
	"github.com/stormstack/engine/pkg/config"
	"github.com/stormstack/engine/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "path to a JSON or YAML configuration file")
	nodeIDFlag := flag.Uint64("node-id", 1, "this node's cluster id")
	operatorTokensFlag := flag.String("operator-tokens", "", "comma-separated bearer tokens accepted on /api/cluster/*")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output, Component: "engine"})

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = cfg.Node.Addr()
	}

	node := engine.New(*nodeIDFlag, engine.Options{
		TickInterval:       cfg.Scheduler.TickInterval(),
		TickBudget:         cfg.Scheduler.TickBudget(),
		MaxCommandsPerTick: cfg.Scheduler.MaxCommandsPerTick,
		QueueCapacity:      cfg.Scheduler.QueueCapacity,
		GateSecret:         cfg.Auth.JWTSecret,
		GateIssuer:         cfg.Auth.JWTAudience,
	}, log_)

	operatorTokens := splitTokens(*operatorTokensFlag)
	operatorTokens = append(operatorTokens, cfg.Auth.StaticTokens...)

	handler := httpapi.NewNodeHandler(node, operatorTokens, log_)
	httpService := httpapi.NewNodeService(listenAddr, handler, log_)

	manager := system.NewManager()
	if err := manager.Register(httpService); err != nil {
		log.Fatalf("register http service: %v", err)
	}

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("start engine node: %v", err)
	}
	log_.WithField("addr", listenAddr).WithField("node_id", *nodeIDFlag).Info("engine node listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func splitTokens(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
