package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/efreitasn/p2psettle/internal/domain"
	"github.com/efreitasn/p2psettle/internal/metrics"
	"github.com/efreitasn/p2psettle/internal/store"
)

// LedgerReader is the read side of the ledger node.
type LedgerReader interface {
	GetTrade(ctx context.Context, id domain.TradeID) (domain.Trade, error)
	BalanceAt(ctx context.Context, addr common.Address) (uint256.Int, error)
}

// RunReader lists journal rows of a settlement run.
type RunReader interface {
	ListRun(ctx context.Context, runID string) ([]store.SettlementRecord, error)
}

// Directory resolves participant labels in both directions.
type Directory interface {
	Lookup(label string) (common.Address, error)
	Label(addr common.Address) (string, bool)
}

// NewRouter creates a chi router with all routes registered, request logging
// and request metrics.
func NewRouter(
	ledger LedgerReader,
	runs RunReader,
	dir Directory,
	m *metrics.Metrics,
	logger *zap.Logger,
) chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogging(logger, m))

	tradeH := NewTradeHandler(ledger, dir)
	accountH := NewAccountHandler(ledger, dir)
	runH := NewRunHandler(runs)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Get("/trades/{trade_id}", tradeH.GetTrade)
	r.Get("/accounts/{address}/balance", accountH.GetBalance)
	r.Get("/runs/{run_id}", runH.GetRun)

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration, and records it in the HTTP metrics.
func requestLogging(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", elapsed),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}
