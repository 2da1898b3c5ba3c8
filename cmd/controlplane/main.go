// Command controlplane runs the StormStack control plane: the cluster
// node registry and match router exposed over HTTP.
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

	"github.com/stormstack/engine/internal/app/controlplane"
	"github.com/stormstack/engine/internal/app/httpapi"
	"github.com/stormstack/engine/internal/platform/system"
	"github.com/stormstack/engine/pkg/config"
	"github.com/stormstack/engine/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "", "path to a JSON or YAML configuration file")
	operatorTokensFlag := flag.String("operator-tokens", "", "comma-separated bearer tokens accepted on the control surface")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output, Component: "controlplane"})

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = cfg.ControlPlane.Addr()
	}

	operatorTokens := splitTokens(*operatorTokensFlag)
	operatorTokens = append(operatorTokens, cfg.Auth.StaticTokens...)
	var operatorToken string
	if len(operatorTokens) > 0 {
		operatorToken = operatorTokens[0]
	}

	plane := controlplane.New(controlplane.Options{
		OfflineAfter:         cfg.Cluster.OfflineAfter(),
		ReattachWindow:       cfg.Cluster.ReattachWindow(),
		SweepInterval:        cfg.Cluster.HeartbeatInterval(),
		MaxPlacementAttempts: cfg.Cluster.MaxPlacementAttempts,
		GateSecret:           cfg.Auth.JWTSecret,
		GateIssuer:           cfg.Auth.JWTAudience,
		OperatorToken:        operatorToken,
	}, log_)

	handler := httpapi.NewControlPlaneHandler(plane, operatorTokens, log_)
	httpService := httpapi.NewControlPlaneService(listenAddr, handler, log_)

	manager := system.NewManager()
	if err := manager.Register(plane); err != nil {
		log.Fatalf("register cluster sweep: %v", err)
	}
	if err := manager.Register(httpService); err != nil {
		log.Fatalf("register http service: %v", err)
	}

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("start control plane: %v", err)
	}
	log_.WithField("addr", listenAddr).Info("control plane listening")

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
