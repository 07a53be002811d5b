// Package httpapi is the HTTP control plane: a thin chi surface over the
// task manager, the runtime config provider, and the external-service
// health probes. Handlers translate between the JSON wire envelope and the
// domain packages and hold no state of their own.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jadechjin/zotero-mineru-dify/internal/runtimecfg"
	"github.com/jadechjin/zotero-mineru-dify/internal/task"
)

// Options tunes the server surface.
type Options struct {
	// AllowedOrigins restricts CORS and websocket origins. Empty allows
	// any origin.
	AllowedOrigins []string
}

// Server exposes the control-plane API. Create one with NewServer and mount
// Handler on an http.Server.
type Server struct {
	manager    *task.Manager
	provider   *runtimecfg.Provider
	run        task.RunFunc
	httpClient *http.Client
	logger     *slog.Logger
	opts       Options
}

// NewServer wires the control plane. run is invoked for every created task;
// httpClient serves the health probes and may be nil for the default.
func NewServer(manager *task.Manager, provider *runtimecfg.Provider, run task.RunFunc, httpClient *http.Client, logger *slog.Logger, opts Options) *Server {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		manager:    manager,
		provider:   provider,
		run:        run,
		httpClient: httpClient,
		logger:     logger,
		opts:       opts,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(cors.Handler(s.corsOptions()))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Route("/config", func(r chi.Router) {
			r.Get("/", s.getConfig)
			r.Put("/", s.updateConfig)
			r.Get("/schema", s.getConfigSchema)
			r.Post("/import-env", s.importEnv)
			r.Post("/reset", s.resetConfig)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/", s.listTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/events", s.getTaskEvents)
				r.Get("/events/ws", s.streamTaskEvents)
				r.Get("/files", s.getTaskFiles)
				r.Post("/cancel", s.cancelTask)
				r.Post("/skip-file", s.skipTaskFile)
			})
		})

		r.Get("/zotero/health", s.zoteroHealth)
		r.Get("/zotero/collections", s.zoteroCollections)
		r.Get("/mineru/health", s.mineruHealth)
		r.Get("/dify/health", s.difyHealth)
		r.Get("/image-summary/health", s.imageSummaryHealth)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"success": true, "status": "ok"})
}

func (s *Server) corsOptions() cors.Options {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			s.logger.Error("handler panic",
				slog.String("path", r.URL.Path),
				slog.Any("panic", rec),
			)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}()

		next.ServeHTTP(w, r)
	})
}

// envelope is a response body. Success bodies carry "success": true plus
// endpoint-specific keys; errors flow through writeError instead.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{"success": false, "error": message})
}
