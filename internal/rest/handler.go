// Package rest provides the HTTP/JSON API over the billing core.
//
// Endpoints:
//
//	POST /v1/predictions                     - submit a billed prediction
//	GET  /v1/predictions/{uuid}              - poll one prediction
//	GET  /v1/accounts/{id}/predictions       - list an account's predictions
//	GET  /v1/accounts/{id}/balance           - current balance
//	GET  /v1/accounts/{id}/ledger            - audit trail, newest first
//	POST /v1/accounts/{id}/topup             - record a top-up (admin)
//	POST /v1/accounts                        - provision an account (admin)
//	GET  /v1/accounts                        - list accounts (admin)
//	GET  /health, /ready                     - liveness and readiness
//	GET  /metrics                            - prometheus metrics
//
// Authentication is an X-API-Key header. Business rejections map to
// distinct status codes: 401 invalid key, 403 account mismatch or
// missing admin role, 402 zero or insufficient balance (the response
// body carries the required and available amounts), 503 no active
// pricing tier, 404 unknown resource.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/keplerhq/kepler/internal/billing"
)

const apiKeyHeader = "X-API-Key"

// BalanceCache serves balance snapshots that may lag the store.
// The sync package's Syncer implements it.
type BalanceCache interface {
	CachedBalance(ctx context.Context, accountID int64) (billing.Amount, error)
}

// Handler serves the REST API.
type Handler struct {
	svc   *billing.Service
	store billing.Store
	cache BalanceCache
	log   zerolog.Logger
}

func NewHandler(svc *billing.Service, store billing.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:   svc,
		store: store,
		log:   logger.With().Str("component", "rest_handler").Logger(),
	}
}

// WithBalanceCache enables ?cached=true on the balance endpoint, for
// dashboards that poll frequently and tolerate staleness.
func (h *Handler) WithBalanceCache(cache BalanceCache) *Handler {
	h.cache = cache
	return h
}

// RegisterRoutes registers all routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/predictions", h.handleSubmit)
	mux.HandleFunc("GET /v1/predictions/{uuid}", h.handleGetPrediction)
	mux.HandleFunc("GET /v1/accounts/{id}/predictions", h.handleListPredictions)
	mux.HandleFunc("GET /v1/accounts/{id}/balance", h.handleBalance)
	mux.HandleFunc("GET /v1/accounts/{id}/ledger", h.handleLedger)
	mux.HandleFunc("POST /v1/accounts/{id}/topup", h.handleTopUp)
	mux.HandleFunc("POST /v1/accounts", h.handleCreateAccount)
	mux.HandleFunc("GET /v1/accounts", h.handleListAccounts)

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
}

type submitRequest struct {
	billing.InputDescriptor
	AccountID int64  `json:"account_id"`
	Tier      string `json:"tier,omitempty"`
	Epochs    int    `json:"epochs"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Input() == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_data is required"})
		return
	}
	if req.Epochs < 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "epochs must be non-negative"})
		return
	}
	applyDefaults(&req)

	rec, err := h.svc.Submit(r.Context(), billing.SubmitRequest{
		APIKey:    r.Header.Get(apiKeyHeader),
		AccountID: req.AccountID,
		TierName:  req.Tier,
		Epochs:    req.Epochs,
		Input:     req.InputDescriptor,
	})
	if err != nil && rec == nil {
		h.writeError(w, err)
		return
	}
	if err != nil {
		// Settlement-time insufficiency: the record exists and is
		// failed, but the caller still gets the 402 with amounts.
		h.log.Warn().Err(err).Str("uuid", rec.UUID).Msg("prediction rejected at settlement")
		h.writeError(w, err)
		return
	}

	h.log.Info().
		Str("uuid", rec.UUID).
		Str("status", string(rec.Status)).
		Dur("duration_ms", time.Since(start)).
		Msg("prediction request completed")
	h.writeJSON(w, http.StatusOK, rec)
}

// Input returns the raw problem data; split out so the emptiness check
// reads as intent rather than field access on an embedded struct.
func (r *submitRequest) Input() string { return r.InputDescriptor.Data }

func applyDefaults(req *submitRequest) {
	if req.Epochs == 0 {
		req.Epochs = 50
	}
	if req.TargetName == "" {
		req.TargetName = "y"
	}
	if req.RunConfig == "" {
		req.RunConfig = "config0"
	}
	if req.StopReward == 0 {
		req.StopReward = 0.999
	}
}

func (h *Handler) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.WorkRecordByUUID(r.Context(), r.PathValue("uuid"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authorizeAccountPath(w, r)
	if !ok {
		return
	}
	records, err := h.svc.ListWorkRecords(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []billing.WorkRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authorizeAccountPath(w, r)
	if !ok {
		return
	}
	var balance billing.Amount
	var err error
	if h.cache != nil && r.URL.Query().Get("cached") == "true" {
		balance, err = h.cache.CachedBalance(r.Context(), accountID)
	} else {
		balance, err = h.svc.Balance(r.Context(), accountID)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]billing.Amount{"balance": balance})
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.authorizeAccountPath(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	entries, err := h.svc.LedgerHistory(r.Context(), accountID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []billing.LedgerEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

type topUpRequest struct {
	Amount      billing.Amount `json:"amount"`
	Description string         `json:"description,omitempty"`
}

func (h *Handler) handleTopUp(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	accountID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Amount <= 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
		return
	}

	entry, err := h.svc.TopUp(r.Context(), accountID, req.Amount, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

type createAccountRequest struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

type accountResponse struct {
	*billing.Account
	APIKey string `json:"api_key,omitempty"`
}

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "identity is required"})
		return
	}

	account, err := h.svc.EnsureAccount(r.Context(), req.Identity, req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// The key is returned on provisioning only; reads never expose it.
	h.writeJSON(w, http.StatusOK, accountResponse{Account: account, APIKey: account.APIKey})
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	accounts, err := h.svc.ListAccounts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// Any answer from the store, including "no active tier", means
	// persistence is reachable.
	if _, err := h.store.ActiveTier(ctx); err != nil && !errors.Is(err, billing.ErrNotFound) {
		h.log.Warn().Err(err).Msg("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// authorizeAccountPath resolves the caller and checks it may read the
// account in the path: either it owns the account or it is an admin.
func (h *Handler) authorizeAccountPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	accountID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
		return 0, false
	}

	caller, err := h.svc.Authenticate(r.Context(), r.Header.Get(apiKeyHeader))
	if err != nil {
		h.writeError(w, err)
		return 0, false
	}
	if caller.ID != accountID && caller.Role != billing.RoleAdmin {
		h.writeError(w, billing.ErrAccountMismatch)
		return 0, false
	}
	return accountID, true
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	caller, err := h.svc.Authenticate(r.Context(), r.Header.Get(apiKeyHeader))
	if err != nil {
		h.writeError(w, err)
		return false
	}
	if caller.Role != billing.RoleAdmin {
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var insufficient *billing.InsufficientBalanceError
	switch {
	case errors.Is(err, billing.ErrInvalidCredential):
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case errors.Is(err, billing.ErrAccountMismatch):
		h.writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, billing.ErrZeroBalance):
		h.writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	case errors.As(err, &insufficient):
		h.writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     insufficient.Error(),
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case errors.Is(err, billing.ErrNoTierAvailable):
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, billing.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		h.log.Error().Err(err).Msg("internal error")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}
