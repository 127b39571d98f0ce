package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keplerhq/kepler/internal/billing"
	"github.com/keplerhq/kepler/internal/rest"
	"github.com/keplerhq/kepler/internal/store"
)

type stubEngine struct {
	result *billing.WorkResult
	err    error
}

func (e *stubEngine) Train(ctx context.Context, in billing.InputDescriptor, epochs int) (*billing.WorkResult, error) {
	return e.result, e.err
}

// stubCache is a rest.BalanceCache returning a fixed snapshot.
type stubCache billing.Amount

func (c stubCache) CachedBalance(ctx context.Context, accountID int64) (billing.Amount, error) {
	return billing.Amount(c), nil
}

type testAPI struct {
	mem    *store.Memory
	server *httptest.Server
	user   *billing.Account
	admin  *billing.Account
}

// newTestAPI wires the full handler stack against the memory store:
// one active tier, one user account holding 10.0 credits, one admin.
func newTestAPI(t *testing.T, eng billing.Engine) *testAPI {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.CreateTier(ctx, &billing.PricingTier{
		Name: "config0", BasePrice: 100, EpochPrice: 10, Active: true,
	}))

	svc := billing.NewService(mem, mem, eng, nil, billing.Credits(10), zerolog.Nop())
	user, err := svc.EnsureAccount(ctx, "tg:100", "Ada")
	require.NoError(t, err)
	admin, err := svc.EnsureAccount(ctx, "tg:101", "Root")
	require.NoError(t, err)
	require.NoError(t, mem.SetRole(ctx, admin.ID, billing.RoleAdmin))
	admin.Role = billing.RoleAdmin

	mux := http.NewServeMux()
	rest.NewHandler(svc, mem, zerolog.Nop()).
		WithBalanceCache(stubCache(billing.Credits(42))).
		RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testAPI{mem: mem, server: server, user: user, admin: admin}
}

func (a *testAPI) do(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func submitBody(epochs int) map[string]any {
	return map[string]any{
		"input_data": "x0,y\n1,2\n2,4\n",
		"epochs":     epochs,
	}
}

func TestHandler_SubmitSuccess(t *testing.T) {
	api := newTestAPI(t, &stubEngine{result: &billing.WorkResult{Formula: "2*x0", R2: 0.99}})

	resp := api.do(t, http.MethodPost, "/v1/predictions", api.user.APIKey, submitBody(50))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec billing.WorkRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, billing.StatusCompleted, rec.Status)
	assert.Equal(t, "2*x0", rec.Formula)
	require.NotNil(t, rec.TotalCost)
	assert.Equal(t, billing.Amount(600), *rec.TotalCost)

	// Poll it back by UUID.
	resp = api.do(t, http.MethodGet, "/v1/predictions/"+rec.UUID, api.user.APIKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_SubmitStatusCodes(t *testing.T) {
	api := newTestAPI(t, &stubEngine{result: &billing.WorkResult{Formula: "x0"}})

	// 401: unknown key.
	resp := api.do(t, http.MethodPost, "/v1/predictions", "kp_wrong", submitBody(50))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// 403: claimed account differs from the key's account.
	body := submitBody(50)
	body["account_id"] = api.admin.ID
	resp = api.do(t, http.MethodPost, "/v1/predictions", api.user.APIKey, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// 503: named tier does not exist.
	body = submitBody(50)
	body["tier"] = "config9"
	resp = api.do(t, http.MethodPost, "/v1/predictions", api.user.APIKey, body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// 400: no input data.
	resp = api.do(t, http.MethodPost, "/v1/predictions", api.user.APIKey, map[string]any{"epochs": 50})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// 404: unknown prediction.
	resp = api.do(t, http.MethodGet, "/v1/predictions/no-such-uuid", api.user.APIKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_InsufficientBalance(t *testing.T) {
	api := newTestAPI(t, &stubEngine{result: &billing.WorkResult{Formula: "x0"}})

	// 10.0 credits cover 166 runs at 0.06; ask for a quote the balance
	// cannot cover instead: 10_000 epochs costs 0.01 + 10.0 = 10.01.
	resp := api.do(t, http.MethodPost, "/v1/predictions", api.user.APIKey, submitBody(10_000))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	var payload struct {
		Required  billing.Amount `json:"required"`
		Available billing.Amount `json:"available"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, billing.Amount(100_100), payload.Required)
	assert.Equal(t, billing.Credits(10), payload.Available)
}

func TestHandler_BalanceAndLedger(t *testing.T) {
	api := newTestAPI(t, &stubEngine{result: &billing.WorkResult{Formula: "x0"}})

	resp := api.do(t, http.MethodGet, fmt.Sprintf("/v1/accounts/%d/balance", api.user.ID), api.user.APIKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balance map[string]billing.Amount
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&balance))
	assert.Equal(t, billing.Credits(10), balance["balance"])

	// The cached read serves the snapshot, not the store.
	resp = api.do(t, http.MethodGet, fmt.Sprintf("/v1/accounts/%d/balance?cached=true", api.user.ID), api.user.APIKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&balance))
	assert.Equal(t, billing.Credits(42), balance["balance"])

	resp = api.do(t, http.MethodGet, fmt.Sprintf("/v1/accounts/%d/ledger", api.user.ID), api.user.APIKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []billing.LedgerEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "signup grant", entries[0].Description)

	// Another user's account is off limits; an admin may read it.
	resp = api.do(t, http.MethodGet, fmt.Sprintf("/v1/accounts/%d/balance", api.admin.ID), api.user.APIKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = api.do(t, http.MethodGet, fmt.Sprintf("/v1/accounts/%d/balance", api.user.ID), api.admin.APIKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_AdminSurface(t *testing.T) {
	api := newTestAPI(t, nil)

	// Top-ups and provisioning require the admin role.
	topup := map[string]any{"amount": "5.0"}
	resp := api.do(t, http.MethodPost, fmt.Sprintf("/v1/accounts/%d/topup", api.user.ID), api.user.APIKey, topup)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = api.do(t, http.MethodPost, fmt.Sprintf("/v1/accounts/%d/topup", api.user.ID), api.admin.APIKey, topup)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry billing.LedgerEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	assert.Equal(t, billing.Credits(5), entry.Amount)

	resp = api.do(t, http.MethodPost, "/v1/accounts", api.admin.APIKey, map[string]any{"identity": "tg:200"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created struct {
		ID     int64  `json:"id"`
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.APIKey)

	resp = api.do(t, http.MethodGet, "/v1/accounts", api.user.APIKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = api.do(t, http.MethodGet, "/v1/accounts", api.admin.APIKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_HealthAndReady(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = api.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
