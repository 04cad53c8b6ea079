// Package httpapi is the management surface of a running daemon: plan
// submission, run and phase inspection, the approval decision ingress,
// metrics and health. Everything is JSON over a versioned /api/v1 prefix;
// errors come back as {error, detail}.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/net/netutil"

	"autopack/internal/approval"
	"autopack/internal/config"
	"autopack/internal/logging"
	"autopack/internal/metrics"
	"autopack/internal/plan"
	"autopack/internal/run"
	"autopack/internal/store"
)

// Scheduler is the slice of the orchestrator the API mutates through. The
// serve command adapts the orchestrator and its manager; Launch must not
// tie execution to the request context.
type Scheduler interface {
	Submit(p *plan.Plan) (*run.Run, error)
	Launch(runID string) error
	Abort(runID string) error
}

// Server holds the API's dependencies. Reads go straight to the store;
// mutations go through the scheduler and the approval broker.
type Server struct {
	cfg    *config.Config
	st     *store.Store
	broker *approval.Broker
	sched  Scheduler
	val    *plan.Validator
}

// NewServer wires the API server. The plan validator carries the same
// global protected set the orchestrator enforces.
func NewServer(cfg *config.Config, st *store.Store, broker *approval.Broker, sched Scheduler) (*Server, error) {
	val, err := plan.NewValidator(cfg.GetProtectedPaths())
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, st: st, broker: broker, sched: sched, val: val}, nil
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if len(s.cfg.API.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.API.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleSubmitRun)
			r.Get("/", s.handleListRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/abort", s.handleAbortRun)
				r.Get("/phases/{phaseID}", s.handleGetPhase)
			})
		})
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", s.handleListApprovals)
			r.Post("/{requestID}", s.handleDecideApproval)
		})
	})
	return r
}

// Listen opens the configured address with the connection cap applied.
// Split from Serve so callers can learn the bound address first.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.API.Addr)
	if err != nil {
		return nil, fmt.Errorf("api listen on %s: %w", s.cfg.API.Addr, err)
	}
	if s.cfg.API.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.API.MaxConns)
	}
	return ln, nil
}

// Serve runs the HTTP server on ln until ctx is canceled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.APIError("api shutdown: %v", err)
		}
	}()

	logging.API("listening on %s", ln.Addr())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.API("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}
