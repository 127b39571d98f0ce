// Package engine is the HTTP client for the symbolic-regression
// service, the costed-work collaborator the billing core charges for.
// The engine is opaque: a run can take minutes, so the client uses a
// short dial timeout and a long response deadline, and it reports
// engine-side failures as billing.WorkError so they settle as failed
// work rather than surfacing as transport errors.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/keplerhq/kepler/internal/billing"
)

// Client calls the regression service over HTTP/JSON.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

var _ billing.Engine = (*Client)(nil)

// NewClient builds a client for the engine at baseURL. readTimeout
// bounds the whole training call and should be generous; dialTimeout
// only bounds connection establishment so a dead engine fails fast.
func NewClient(baseURL string, dialTimeout, readTimeout time.Duration, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     time.Minute,
		TLSHandshakeTimeout: dialTimeout,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: transport,
			Timeout:   readTimeout,
		},
		log: logger.With().Str("component", "engine_client").Logger(),
	}
}

type trainRequest struct {
	billing.InputDescriptor
	Epochs int `json:"epochs"`
}

type trainResponse struct {
	Success     bool    `json:"success"`
	BestFormula string  `json:"best_formula"`
	BestR2      float64 `json:"best_r2"`
	ParetoCount int     `json:"pareto_count"`
	Error       string  `json:"error"`
}

// Train submits the regression problem and blocks until the engine
// finishes or ctx is done. Engine-reported failures come back as
// *billing.WorkError; transport and decoding problems as plain errors.
// Either way the coordinator settles the record as failed, unchanged.
func (c *Client) Train(ctx context.Context, in billing.InputDescriptor, epochs int) (*billing.WorkResult, error) {
	body, err := json.Marshal(trainRequest{InputDescriptor: in, Epochs: epochs})
	if err != nil {
		return nil, fmt.Errorf("encode train request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/train", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build train request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &billing.WorkError{
			Reason: fmt.Sprintf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
		}
	}

	var out trainResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode train response: %w", err)
	}

	c.log.Debug().
		Bool("success", out.Success).
		Int("epochs", epochs).
		Dur("duration_ms", time.Since(start)).
		Msg("engine call completed")

	if !out.Success {
		reason := out.Error
		if reason == "" {
			reason = "engine reported failure without detail"
		}
		return nil, &billing.WorkError{Reason: reason}
	}

	return &billing.WorkResult{
		Formula:     out.BestFormula,
		R2:          out.BestR2,
		ParetoCount: out.ParetoCount,
	}, nil
}
