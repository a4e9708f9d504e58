// Package dashboard serves a read-only JSON status API for the running bot:
// open position, order ledgers, breaker state and risk counters.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/gateway"
	"github.com/eddiefleurent/sensex_straddler/internal/models"
	"github.com/eddiefleurent/sensex_straddler/internal/risk"
)

// PositionSource is the strategy surface the dashboard reads.
type PositionSource interface {
	Name() string
	InPosition() bool
	OpenLegs() []models.Leg
}

// OrderSource is the gateway surface the dashboard reads.
type OrderSource interface {
	PendingOrders() map[string]gateway.Record
	FilledOrders() map[string]gateway.Record
	PendingCount() int
	FilledCount() int
	BreakerState() string
}

// RiskSource exposes the risk manager's current counters.
type RiskSource interface {
	Snapshot(now time.Time) risk.State
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	position  PositionSource
	orders    OrderSource
	riskState RiskSource
	logger    *logrus.Logger
	loc       *time.Location
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
	Location  *time.Location
}

// PositionView is the JSON shape of /api/position.
type PositionView struct {
	Strategy   string       `json:"strategy"`
	InPosition bool         `json:"in_position"`
	Legs       []models.Leg `json:"legs"`
	TotalMTM   float64      `json:"total_mtm"`
}

func NewServer(cfg Config, position PositionSource, orders OrderSource, riskState RiskSource, logger *logrus.Logger) *Server {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Server{
		router:    chi.NewRouter(),
		position:  position,
		orders:    orders,
		riskState: riskState,
		logger:    logger,
		loc:       loc,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/position", s.handlePosition)
	s.router.Get("/api/orders/pending", s.handlePendingOrders)
	s.router.Get("/api/orders/filled", s.handleFilledOrders)
	s.router.Get("/api/breaker", s.handleBreaker)
	s.router.Get("/api/risk", s.handleRisk)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"market_open": s.isMarketOpen(),
	}
	s.writeJSON(w, health)
}

func (s *Server) handlePosition(w http.ResponseWriter, _ *http.Request) {
	legs := s.position.OpenLegs()
	total := 0.0
	for _, leg := range legs {
		total += leg.MTM
	}
	s.writeJSON(w, PositionView{
		Strategy:   s.position.Name(),
		InPosition: s.position.InPosition(),
		Legs:       legs,
		TotalMTM:   total,
	})
}

func (s *Server) handlePendingOrders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"count":  s.orders.PendingCount(),
		"orders": s.orders.PendingOrders(),
	})
}

func (s *Server) handleFilledOrders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"count":  s.orders.FilledCount(),
		"orders": s.orders.FilledOrders(),
	})
}

func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"state": s.orders.BreakerState()})
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.riskState.Snapshot(time.Now()))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// isMarketOpen checks the SENSEX cash session, 09:15-15:30 IST on weekdays.
func (s *Server) isMarketOpen() bool {
	now := time.Now().In(s.loc)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}

	totalMinutes := now.Hour()*60 + now.Minute()

	marketOpen := 9*60 + 15
	marketClose := 15*60 + 30

	return totalMinutes >= marketOpen && totalMinutes < marketClose
}
