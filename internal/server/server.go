package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/supportdesk/internal/auth"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/handoff"
)

// Dependencies are the collaborators the HTTP surface drives.
type Dependencies struct {
	Controller    *handoff.Controller
	Authenticator *auth.Authenticator
	Sessions      *auth.Sessions
	Events        ports.EventSubscriber

	AllowedOrigins []string
	RequestTimeout time.Duration

	// KeepAlive is the comment interval on event streams.
	KeepAlive time.Duration
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

func New(port int, logger *slog.Logger, deps Dependencies) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(deps.RequestTimeout))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "supportdesk")
	})

	keepAlive := deps.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	h := &handlers{
		controller: deps.Controller,
		sessions:   deps.Sessions,
		events:     deps.Events,
		logger:     logger,
		keepAlive:  keepAlive,
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Route("/api/widget", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))

		r.Post("/{client_id}/conversations", h.startConversation)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Use(SessionMiddleware(deps.Sessions, func(r *http.Request) string {
				return chi.URLParam(r, "id")
			}))
			r.Get("/", h.widgetConversation)
			r.Get("/messages", h.widgetMessages)
			r.Post("/messages", h.customerMessage)
			r.Post("/request-agent", h.requestAgent)
			r.Get("/stream", h.widgetStream)
		})
	})

	r.Route("/api/agent", func(r chi.Router) {
		r.Use(AgentAuthMiddleware(deps.Authenticator))

		r.Get("/me", h.me)
		r.Get("/conversations", h.listActive)
		r.Get("/stream", h.agentStream)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", h.agentConversation)
			r.Get("/messages", h.agentMessages)
			r.Post("/accept", h.accept)
			r.Post("/take-over", h.takeOver)
			r.Post("/messages", h.agentReply)
			r.Post("/resolve", h.resolve)
			r.Post("/reevaluate", h.reevaluate)
		})
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
