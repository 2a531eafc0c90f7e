package apiserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	api "github.com/zumen-connect/drawing-worker/api/v1alpha1"
	"github.com/zumen-connect/drawing-worker/internal/config"
	handlers "github.com/zumen-connect/drawing-worker/internal/handlers/v1alpha1"
	"github.com/zumen-connect/drawing-worker/internal/service"
	"github.com/zumen-connect/drawing-worker/pkg/log"
	"github.com/zumen-connect/drawing-worker/pkg/metrics"
	"github.com/zumen-connect/drawing-worker/pkg/middleware"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	jobs     *service.JobService
	listener net.Listener
	logger   *zap.Logger
}

// New returns a new instance of the drawing worker API server.
func New(cfg *config.Config, jobs *service.JobService, listener net.Listener, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		listener: listener,
		logger:   logger,
	}
}

// apiKeyAuth rejects requests without the configured worker API key. An empty
// configured key disables the check, which is the local development setup.
func apiKeyAuth(key string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" {
				provided := r.Header.Get("X-Worker-Api-Key")
				if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
					render.Status(r, http.StatusUnauthorized)
					render.JSON(w, r, api.Error{Message: "invalid or missing api key"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}),
		middleware.RequestID,
		log.Logger(s.logger, "api"),
		chiMiddleware.Recoverer,
	)

	healthHandler := handlers.NewHealthHandler(s.jobs)
	router.Get("/health", healthHandler.Health)

	jobHandler := handlers.NewJobHandler(s.jobs)
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(apiKeyAuth(s.cfg.Service.WorkerAPIKey))
		jobHandler.Routes(r)
	})

	srv := http.Server{Addr: s.cfg.Service.Address, Handler: router}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
