package httpapi

import (
	"net/http"

	"conduit/internal/auth"
	"conduit/internal/config"
	"conduit/internal/jobs"
	"conduit/internal/rag"
	"conduit/internal/runtime"
	"conduit/internal/store"
	"conduit/internal/stream"
	"conduit/internal/tools"
)

// Server exposes the REST, SSE and WebSocket surface over the runtime.
type Server struct {
	mux *http.ServeMux
	cfg config.Settings

	rt         *runtime.Runtime
	threads    store.Threads
	messages   store.Messages
	agents     store.Agents
	documents  store.Documents
	workspaces store.Workspaces
	jobsStore  store.Jobs
	analytics  store.Analytics
	jobClient  *jobs.Client
	relay      *stream.Relay
	registry   *tools.Registry
	searcher   *rag.Searcher

	authMW    *auth.Middleware
	streamSem chan struct{}
}

// Deps carries server wiring from bootstrap.
type Deps struct {
	Config     config.Settings
	Runtime    *runtime.Runtime
	Threads    store.Threads
	Messages   store.Messages
	Agents     store.Agents
	Documents  store.Documents
	Workspaces store.Workspaces
	Jobs       store.Jobs
	Analytics  store.Analytics
	JobClient  *jobs.Client
	Relay      *stream.Relay
	Registry   *tools.Registry
	Searcher   *rag.Searcher
	Auth       *auth.Middleware
}

func NewServer(d Deps) *Server {
	maxStreams := d.Config.MaxConcurrentStreams
	if maxStreams <= 0 {
		maxStreams = 128
	}
	s := &Server{
		mux:        http.NewServeMux(),
		cfg:        d.Config,
		rt:         d.Runtime,
		threads:    d.Threads,
		messages:   d.Messages,
		agents:     d.Agents,
		documents:  d.Documents,
		workspaces: d.Workspaces,
		jobsStore:  d.Jobs,
		analytics:  d.Analytics,
		jobClient:  d.JobClient,
		relay:      d.Relay,
		registry:   d.Registry,
		searcher:   d.Searcher,
		authMW:     d.Auth,
		streamSem:  make(chan struct{}, maxStreams),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authed := func(h http.HandlerFunc) http.Handler { return s.authMW.Wrap(h) }

	// Agents
	s.mux.Handle("POST /agents", authed(s.handleCreateAgent))
	s.mux.Handle("GET /agents", authed(s.handleListAgents))
	s.mux.Handle("GET /agents/{id}", authed(s.handleGetAgent))
	s.mux.Handle("PATCH /agents/{id}", authed(s.handlePatchAgent))
	s.mux.Handle("DELETE /agents/{id}", authed(s.handleDeleteAgent))
	s.mux.Handle("POST /agents/{id}/clone", authed(s.handleCloneAgent))
	s.mux.Handle("GET /agents/{id}/full-prompt", authed(s.handleAgentFullPrompt))

	// Threads
	s.mux.Handle("POST /threads", authed(s.handleCreateThread))
	s.mux.Handle("GET /threads", authed(s.handleListThreads))
	s.mux.Handle("GET /threads/{id}", authed(s.handleGetThread))
	s.mux.Handle("PATCH /threads/{id}", authed(s.handlePatchThread))
	s.mux.Handle("DELETE /threads/{id}", authed(s.handleDeleteThread))
	s.mux.Handle("POST /threads/{id}/fork", authed(s.handleForkThread))

	// Chat
	s.mux.Handle("POST /chat/{thread_id}", authed(s.handleChat))
	s.mux.Handle("POST /chat/{thread_id}/stream", authed(s.handleChatStream))
	s.mux.Handle("GET /chat/{thread_id}/ws", authed(s.handleChatWS))
	s.mux.Handle("GET /chat/{thread_id}/subscribe/{channel}", authed(s.handleSubscribe))

	// Documents
	s.mux.Handle("POST /documents", authed(s.handleUploadDocument))
	s.mux.Handle("GET /documents", authed(s.handleListDocuments))
	s.mux.Handle("POST /documents/search", authed(s.handleSearchDocuments))

	// Workspaces
	s.mux.Handle("GET /workspaces", authed(s.handleListWorkspaces))
	s.mux.Handle("POST /workspaces", authed(s.handleCreateWorkspace))

	// Analytics
	s.mux.Handle("GET /analytics/metrics", authed(s.handleMetrics))
	s.mux.Handle("GET /analytics/usage", authed(s.handleUsage))
	s.mux.Handle("GET /analytics/llm-calls", authed(s.handleLLMCalls))

	// Jobs
	s.mux.Handle("GET /jobs/{id}", authed(s.handleGetJob))
	s.mux.Handle("POST /jobs/{id}/cancel", authed(s.handleCancelJob))
}

// ServeHTTP applies CORS and dispatches.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// acquireStream caps concurrent streaming connections.
func (s *Server) acquireStream() bool {
	select {
	case s.streamSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseStream() { <-s.streamSem }
