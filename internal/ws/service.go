package ws

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Service ties the registry, its heartbeat and the upgrade handler together
// and exposes the callback the upstream IRC session forwards lines through.
type Service struct {
	registry *Registry
	handler  *Handler
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a Service.
func NewService(auth Authorizer, regCfg RegistryConfig, handlerCfg HandlerConfig) *Service {
	registry := NewRegistry(regCfg)
	return &Service{
		registry: registry,
		handler:  NewHandler(registry, auth, handlerCfg),
		logger:   registry.logger,
	}
}

// Registry returns the connection registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Handler returns the upgrade handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Start runs the heartbeat until Close or ctx ends. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.registry.RunHeartbeat(ctx)
	}()
}

// ForwardLine broadcasts one IRC line, terminated with CRLF, to every tab.
func (s *Service) ForwardLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	if err := s.registry.BroadcastString(line + "\r\n"); err != nil {
		s.logger.Warn("dropping upstream line", "error", err)
	}
}

// ClientCount returns the number of attached tabs.
func (s *Service) ClientCount() int {
	return s.registry.Count()
}

// Close stops the heartbeat and closes every connection.
func (s *Service) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.registry.Close()
}
