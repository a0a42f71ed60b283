// Package rest provides the HTTP admin and operations surface.
//
// Endpoints:
//
//	GET  /v1/orgs/{id}/balance   - shadow balance (Redis read-through)
//	POST /v1/orgs/{id}/reconcile - fast reconcile for one organization
//	GET  /health                 - liveness
//	GET  /ready                  - readiness (database reachability)
//	GET  /metrics                - Prometheus metrics
//
// The product request path does not live here; this surface exists for
// operators and for collaborators that need to trigger a fast reconcile
// after a payment event.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tollgate-dev/tollgate/internal/ledger"
)

// Balances is the balance read surface.
type Balances interface {
	Balance(ctx context.Context, orgID string) (decimal.Decimal, error)
}

// FastReconciler triggers the on-demand reconcile path.
type FastReconciler interface {
	ReconcileOrg(ctx context.Context, orgID string) error
}

// Pinger reports database reachability for the readiness probe.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler serves the admin HTTP API.
type Handler struct {
	balances   Balances
	reconciler FastReconciler
	db         Pinger
	log        zerolog.Logger
}

// NewHandler creates the admin handler.
func NewHandler(balances Balances, reconciler FastReconciler, db Pinger, logger zerolog.Logger) *Handler {
	return &Handler{
		balances:   balances,
		reconciler: reconciler,
		db:         db,
		log:        logger.With().Str("component", "rest").Logger(),
	}
}

// Mux returns the configured request multiplexer.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/orgs/{id}/balance", h.handleBalance)
	mux.HandleFunc("POST /v1/orgs/{id}/reconcile", h.handleReconcile)
	return mux
}

// Server wraps the mux in an http.Server with sane timeouts.
func (h *Handler) Server(port string) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      h.Mux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.log.Warn().Err(err).Msg("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("id")

	balance, err := h.balances.Balance(r.Context(), orgID)
	if errors.Is(err, ledger.ErrOrgNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "organization not found"})
		return
	} else if err != nil {
		h.log.Error().Err(err).Str("organization_id", orgID).Msg("balance lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"organization_id": orgID,
		"shadow_balance":  balance.String(),
	})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("id")

	if err := h.reconciler.ReconcileOrg(r.Context(), orgID); err != nil {
		if errors.Is(err, ledger.ErrOrgNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "organization not found"})
			return
		}
		h.log.Error().Err(err).Str("organization_id", orgID).Msg("fast reconcile failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"organization_id": orgID,
		"status":          "reconciled",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
