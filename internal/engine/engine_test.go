package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keplerhq/kepler/internal/billing"
	"github.com/keplerhq/kepler/internal/engine"
)

var trainInput = billing.InputDescriptor{
	Data:       "x0,y\n1,2\n2,4\n",
	TargetName: "y",
	RunConfig:  "config0",
	StopReward: 0.999,
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *engine.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return engine.NewClient(server.URL, time.Second, 5*time.Second, zerolog.Nop())
}

func TestClient_Train(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/train", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "y", req["y_name"])
		assert.Equal(t, float64(50), req["epochs"])

		json.NewEncoder(w).Encode(map[string]any{
			"success":      true,
			"best_formula": "2*x0",
			"best_r2":      0.99,
			"pareto_count": 4,
		})
	})

	result, err := client.Train(context.Background(), trainInput, 50)
	require.NoError(t, err)
	assert.Equal(t, "2*x0", result.Formula)
	assert.InDelta(t, 0.99, result.R2, 1e-9)
	assert.Equal(t, 4, result.ParetoCount)
}

func TestClient_TrainEngineFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   "search did not converge",
		})
	})

	_, err := client.Train(context.Background(), trainInput, 50)
	var workErr *billing.WorkError
	require.ErrorAs(t, err, &workErr)
	assert.Equal(t, "search did not converge", workErr.Reason)
}

func TestClient_TrainBadStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine overloaded", http.StatusBadGateway)
	})

	_, err := client.Train(context.Background(), trainInput, 50)
	var workErr *billing.WorkError
	require.ErrorAs(t, err, &workErr)
	assert.Contains(t, workErr.Reason, "502")
	assert.Contains(t, workErr.Reason, "engine overloaded")
}

func TestClient_TrainContextCanceled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Train(ctx, trainInput, 50)
	require.Error(t, err)
	var workErr *billing.WorkError
	assert.False(t, errors.As(err, &workErr), "transport errors are not work errors")
}
