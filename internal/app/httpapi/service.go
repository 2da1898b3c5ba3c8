package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/stormstack/engine/internal/platform/system"
	"github.com/stormstack/engine/pkg/logger"
)

// Service wraps an http.Server so it fits into system.Manager's lifecycle,
// used for both the engine node and the control plane's listeners.
type Service struct {
	name   string
	addr   string
	server *http.Server
	log    *logger.Logger
}

var _ system.Service = (*Service)(nil)

// NewNodeService wraps n's HTTP/WS handler for the system lifecycle.
func NewNodeService(addr string, handler http.Handler, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("httpapi.node")
	}
	return &Service{name: "engine-http", addr: addr, log: log, server: &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}}
}

// NewControlPlaneService wraps the control plane's REST handler for the
// system lifecycle.
func NewControlPlaneService(addr string, handler http.Handler, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("httpapi.controlplane")
	}
	return &Service{name: "controlplane-http", addr: addr, log: log, server: &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}}
}

func (s *Service) Name() string { return s.name }

func (s *Service) Start(ctx context.Context) error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server exited unexpectedly")
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
