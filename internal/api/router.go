package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"agentcrew/internal/core"
	"agentcrew/internal/credentials"
	"agentcrew/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Store     *store.Store
	Lifecycle *core.TaskLifecycle
	Ledger    *core.Ledger
	Scheduler *core.Scheduler
	// Cipher seals credentials. Without it the credential routes answer 503.
	Cipher *credentials.Cipher
	// MCP, when set, is mounted at /mcp.
	MCP       http.Handler
	Logger    *slog.Logger
	Location  *time.Location
	AuthToken string
	// PollInterval is how often log followers look for new rows.
	PollInterval time.Duration
	// AttachDelay is passed to task dispatches so log viewers can attach.
	AttachDelay time.Duration
}

// Server holds the HTTP server state.
type Server struct {
	httpServer   *http.Server
	router       *chi.Mux
	store        *store.Store
	lifecycle    *core.TaskLifecycle
	ledger       *core.Ledger
	scheduler    *core.Scheduler
	cipher       *credentials.Cipher
	mcp          http.Handler
	logger       *slog.Logger
	location     *time.Location
	authToken    string
	pollInterval time.Duration
	attachDelay  time.Duration
}

// NewServer constructs the HTTP API server.
func NewServer(addr string, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:       router,
		store:        deps.Store,
		lifecycle:    deps.Lifecycle,
		ledger:       deps.Ledger,
		scheduler:    deps.Scheduler,
		cipher:       deps.Cipher,
		mcp:          deps.MCP,
		logger:       deps.Logger,
		location:     deps.Location,
		authToken:    deps.AuthToken,
		pollInterval: deps.PollInterval,
		attachDelay:  deps.AttachDelay,
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 500 * time.Millisecond
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.mcp != nil {
		var mcpHandler http.Handler = s.mcp
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}
		r.Use(UserMiddleware)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleCreateAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Patch("/", s.handleUpdateAgent)
				r.Delete("/", s.handleDeleteAgent)
			})
		})

		r.Route("/routines", func(r chi.Router) {
			r.Get("/", s.handleListRoutines)
			r.Post("/", s.handleCreateRoutine)
			r.Route("/{routineID}", func(r chi.Router) {
				r.Get("/", s.handleGetRoutine)
				r.Patch("/", s.handleUpdateRoutine)
				r.Delete("/", s.handleDeleteRoutine)
				r.Post("/run", s.handleRunRoutine)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Post("/propose", s.handleProposeTask)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/status", s.handleUpdateTaskStatus)
				r.Get("/history", s.handleTaskHistory)
				r.Post("/reissue", s.handleReissueTask)
				r.Post("/dispatch", s.handleDispatchTask)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Route("/{executionID}", func(r chi.Router) {
				r.Get("/", s.handleGetExecution)
				r.Get("/logs", s.handleExecutionLogs)
				r.Get("/stream", s.handleExecutionStream)
				r.Get("/ws", s.handleExecutionSocket)
			})
		})

		r.Route("/brain", func(r chi.Router) {
			r.Post("/run", s.handleRunBrain)
			r.Get("/decisions", s.handleListDecisions)
			r.Get("/memory", s.handleListMemory)
			r.Put("/schedule", s.handleSetBrainSchedule)
			r.Post("/schedule/preview", s.handleCronPreview)
		})

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.handleListCredentials)
			r.Put("/{service}", s.handlePutCredential)
			r.Delete("/{service}", s.handleDeleteCredential)
		})
	})
}
