// Package api serves the HTTP and WebSocket surface of the exchange.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cosmossdk.io/log"

	clobkeeper "github.com/openalpha/simperp/clob/keeper"
	"github.com/openalpha/simperp/api/middleware"
	"github.com/openalpha/simperp/api/websocket"
	"github.com/openalpha/simperp/candle"
	clobtypes "github.com/openalpha/simperp/clob/types"
	"github.com/openalpha/simperp/config"
	"github.com/openalpha/simperp/metrics"
	perpkeeper "github.com/openalpha/simperp/perp/keeper"
)

// HistoryStore serves settled order and trade history straight from the
// store; the keepers only hold live state.
type HistoryStore interface {
	LoadOrderHistory(address, symbol string, limit int) ([]*clobtypes.Order, error)
	LoadTradeHistory(address, symbol string, limit int) ([]*clobtypes.Trade, error)
}

// Server wires the engine keepers to HTTP routes and the websocket hub.
type Server struct {
	logger     log.Logger
	cfg        config.ServerConfig
	auth       *Authenticator
	perp       *perpkeeper.Keeper
	clob       *clobkeeper.Keeper
	candles    *candle.Aggregator
	hub        *websocket.Hub
	history    HistoryStore
	limiter    *middleware.RateLimiter
	collector  *metrics.Collector
	httpServer *http.Server
}

// NewServer assembles the API server. The hub must already be running; a
// nil history store serves empty histories.
func NewServer(
	logger log.Logger,
	cfg config.ServerConfig,
	auth *Authenticator,
	perp *perpkeeper.Keeper,
	clob *clobkeeper.Keeper,
	candles *candle.Aggregator,
	hub *websocket.Hub,
	history HistoryStore,
) *Server {
	return &Server{
		logger:    logger.With("module", "api"),
		cfg:       cfg,
		auth:      auth,
		perp:      perp,
		clob:      clob,
		candles:   candles,
		hub:       hub,
		history:   history,
		limiter:   middleware.NewRateLimiter(middleware.DefaultRateLimitConfig()),
		collector: metrics.GetCollector(),
	}
}

// routes builds the full middleware-wrapped handler chain.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/v1/auth/login", s.handleLogin)

	mux.HandleFunc("/v1/markets", s.handleMarkets)
	mux.HandleFunc("/v1/markets/", s.handleMarket)
	mux.HandleFunc("/v1/orderbook/", s.handleOrderbook)
	mux.HandleFunc("/v1/trades/", s.handleTrades)
	mux.HandleFunc("/v1/candles/", s.handleCandles)
	mux.HandleFunc("/v1/ticker/", s.handleTicker)

	mux.HandleFunc("/v1/orders", s.requireAuth(s.handleOrders))
	mux.HandleFunc("/v1/orders/", s.requireAuth(s.handleOrderByID))
	mux.HandleFunc("/v1/orders/history", s.requireAuth(s.handleOrderHistory))
	mux.HandleFunc("/v1/trades/history", s.requireAuth(s.handleTradeHistory))
	mux.HandleFunc("/v1/positions", s.requireAuth(s.handlePositions))
	mux.HandleFunc("/v1/positions/", s.requireAuth(s.handlePositionBySymbol))
	mux.HandleFunc("/v1/balance", s.requireAuth(s.handleBalance))
	mux.HandleFunc("/v1/faucet/claim", s.requireAuth(s.handleFaucetClaim))
	mux.HandleFunc("/v1/faucet/status", s.requireAuth(s.handleFaucetStatus))

	mux.HandleFunc("/ws", s.hub.ServeWS)

	return corsMiddleware(s.limiter.Handler(s.instrument(mux)))
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("api server listening", "addr", s.cfg.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"clients":   s.hub.ClientCount(),
	})
}

// requireAuth resolves the bearer token and passes the address through.
func (s *Server) requireAuth(next func(w http.ResponseWriter, r *http.Request, address string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		address, err := s.auth.VerifyToken(header[len(prefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next(w, r, address)
	}
}

// instrument records request counts and latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.collector.ObserveRequest(r.URL.Path, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
