// Package api exposes the operator HTTP surface: the perpetual mode toggle,
// market condition, strategy toggles, paper orders and a websocket stream of
// gate state changes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"perpetual-mode-bot/internal/exec"
	"perpetual-mode-bot/internal/gate"
	"perpetual-mode-bot/internal/metrics"
	"perpetual-mode-bot/internal/score"
	"perpetual-mode-bot/internal/state"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Gate interface {
	Snapshot() gate.Snapshot
	SetOperatorEnabled(enabled bool) gate.Result
	Toggle() gate.Result
	Watch(o gate.Observer)
}

type Strategies interface {
	Snapshot() map[string]bool
	Toggle(ctx context.Context, name string) (bool, error)
}

type Orders interface {
	PlaceOrder(ctx context.Context, order exec.Order) (exec.Fill, error)
	Recent() []exec.Fill
}

type Deps struct {
	Gate       Gate
	Strategies Strategies
	Orders     Orders
	Store      state.Store
	Metrics    *metrics.Metrics
	// Breakdown returns the components behind the last computed score, when
	// the score source provides them.
	Breakdown func() (score.Breakdown, bool)
}

type Options struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

type Server struct {
	router  *mux.Router
	server  *http.Server
	deps    Deps
	hub     *Hub
	log     *zap.Logger
	version string
}

func New(opts Options, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		hub:     NewHub(log),
		log:     log.Named("api"),
		version: opts.Version,
	}
	if deps.Gate != nil {
		deps.Gate.Watch(s.hub)
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         opts.Address,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	trading := s.router.PathPrefix("/api/trading").Subrouter()
	trading.HandleFunc("/perpetual-mode", s.handleGetPerpetualMode).Methods(http.MethodGet)
	trading.HandleFunc("/perpetual-mode", s.handleSetPerpetualMode).Methods(http.MethodPut)
	trading.HandleFunc("/perpetual-mode/toggle", s.handleTogglePerpetualMode).Methods(http.MethodPost)
	trading.HandleFunc("/perpetual-mode/stream", s.handleStream).Methods(http.MethodGet)
	trading.HandleFunc("/market-condition", s.handleMarketCondition).Methods(http.MethodGet)
	trading.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)
	trading.HandleFunc("/strategies/{strategy}/toggle", s.handleToggleStrategy).Methods(http.MethodPost)
	trading.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	trading.HandleFunc("/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	trading.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", zap.String("addr", s.server.Addr))
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
