// Package web exposes the engine over HTTP: the OpenAI-compatible
// chat-completion endpoint plus the conversation-control and health routes.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flujo-ai/flujo/internal/executor"
	"github.com/flujo-ai/flujo/internal/mcp"
	"github.com/flujo-ai/flujo/internal/store"
)

// ServerStatusReporter is the slice of the MCP manager the health endpoint
// uses.
type ServerStatusReporter interface {
	GetAllServerStatuses(ctx context.Context) []mcp.ServerStatus
}

// Server hosts the HTTP API.
type Server struct {
	httpServer *http.Server
	store      store.Store
	executor   *executor.Executor
	mcpStatus  ServerStatusReporter

	// OnShutdown runs after the HTTP listener has drained, before Start
	// returns. Used to disconnect MCP servers.
	OnShutdown func(ctx context.Context)
}

// NewServer wires the routes and returns an unstarted server.
func NewServer(port int, s store.Store, exec *executor.Executor, mcpStatus ServerStatusReporter) *Server {
	srv := &Server{
		store:     s,
		executor:  exec,
		mcpStatus: mcpStatus,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", srv.handleChatCompletions)
	mux.HandleFunc("GET /v1/chat/completions", srv.handleChatCompletionsGet)
	mux.HandleFunc("GET /v1/models", srv.handleListModels)
	mux.HandleFunc("GET /v1/conversations/{id}", srv.handleGetConversation)
	mux.HandleFunc("POST /v1/conversations/{id}/cancel", srv.handleCancel)
	mux.HandleFunc("POST /v1/conversations/{id}/approve", srv.handleApprove)
	mux.HandleFunc("GET /health", srv.handleHealth)

	srv.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start runs the server until SIGINT/SIGTERM, then drains connections and
// runs the shutdown hook.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Web] Listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("[Web] Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[Web] Shutdown did not complete cleanly: %v", err)
	}
	if s.OnShutdown != nil {
		s.OnShutdown(ctx)
	}
	return nil
}
