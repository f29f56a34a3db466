// Package server exposes the orchestrator over HTTP: inbound webhook
// triggers, a JSON API, and a websocket event stream.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/schedule"
	"github.com/loomworks/loom/stream"
	"github.com/loomworks/loom/webhook"
	"github.com/loomworks/loom/workflow"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// Server wires the HTTP surface to the orchestration core.
type Server struct {
	cfg config.ServerConfig

	workflows   *workflow.Store
	webhooks    *webhook.Store
	executions  *engine.Store
	cronJobs    *schedule.Store
	dispatcher  *engine.Dispatcher
	machine     *engine.Machine
	ticker      *schedule.Ticker
	broadcaster *stream.Broadcaster
	health      *agent.HealthMonitor

	httpServer *http.Server
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles everything the server serves.
type Deps struct {
	DB          *sql.DB
	Workflows   *workflow.Store
	Webhooks    *webhook.Store
	Executions  *engine.Store
	CronJobs    *schedule.Store
	Dispatcher  *engine.Dispatcher
	Machine     *engine.Machine
	Ticker      *schedule.Ticker
	Broadcaster *stream.Broadcaster
	Health      *agent.HealthMonitor
	Logger      *zap.SugaredLogger
}

// NewServer creates the HTTP server. It does not start listening.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		workflows:   deps.Workflows,
		webhooks:    deps.Webhooks,
		executions:  deps.Executions,
		cronJobs:    deps.CronJobs,
		dispatcher:  deps.Dispatcher,
		machine:     deps.Machine,
		ticker:      deps.Ticker,
		broadcaster: deps.Broadcaster,
		health:      deps.Health,
		logger:      deps.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections outlive any fixed write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /hooks/{fragment}", s.handleInboundHook)
	mux.HandleFunc("GET /ws/stream", s.handleStream)

	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/archive", s.handleArchiveWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/executions", s.handleTriggerWorkflow)

	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/logs", s.handleExecutionLogs)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)

	mux.HandleFunc("GET /api/webhooks", s.handleListWebhooks)
	mux.HandleFunc("POST /api/webhooks", s.handleCreateWebhook)
	mux.HandleFunc("GET /api/webhooks/{id}", s.handleGetWebhook)
	mux.HandleFunc("DELETE /api/webhooks/{id}", s.handleDeleteWebhook)
	mux.HandleFunc("POST /api/webhooks/{id}/activate", s.handleSetWebhookActive(true))
	mux.HandleFunc("POST /api/webhooks/{id}/deactivate", s.handleSetWebhookActive(false))

	mux.HandleFunc("GET /api/cron-jobs", s.handleListCronJobs)
	mux.HandleFunc("POST /api/cron-jobs", s.handleCreateCronJob)
	mux.HandleFunc("GET /api/cron-jobs/{id}", s.handleGetCronJob)
	mux.HandleFunc("PUT /api/cron-jobs/{id}", s.handleUpdateCronJob)
	mux.HandleFunc("DELETE /api/cron-jobs/{id}", s.handleDeleteCronJob)

	return mux
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http server")
}

// Shutdown drains the listener and live websocket pumps.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return errors.Wrap(err, "http shutdown")
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates websocket origins against the configured allow
// list. No origin header means a non-browser client and is allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
