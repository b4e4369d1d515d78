// Package semantic provides clients for the external collaborators the engine
// consumes: the batched semantic-comparison service used by the change
// detector's second tier, and the embedding service used by the fuzzy entity
// resolver. Both are opaque HTTP services; their internals (prompting, models)
// are out of this repo's scope.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/statetrace/statetrace/internal/detect"
)

// Client handles communication with the semantic comparison service. All HTTP
// calls are wrapped with circuit breaker protection, and batch calls are rate
// limited so one noisy ingestion cannot starve concurrent events.
type Client struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	limiter        *rate.Limiter
	timeout        time.Duration
}

// Ensure Client satisfies the detector's collaborator contract.
var _ detect.Comparer = (*Client)(nil)

// ClientConfig holds semantic client configuration.
type ClientConfig struct {
	// BaseURL is the base URL for the comparison service (required).
	BaseURL string

	// Timeout is the per-request timeout (default: 10s). Callers may pass
	// a tighter deadline via context; the shorter of the two wins.
	Timeout time.Duration

	// RequestsPerSecond limits outgoing batch calls (default: 5).
	RequestsPerSecond float64

	// Burst is the rate limiter burst size (default: 2).
	Burst int
}

// compareRequest is the request body for the /v1/compare endpoint.
type compareRequest struct {
	Pairs []detect.ComparePair `json:"pairs"`
}

// compareResponse is the response body: one comparison per input pair, in
// input order.
type compareResponse struct {
	Comparisons []detect.Comparison `json:"comparisons"`
}

// NewClient creates a semantic comparison client.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}
	if config.Burst < 1 {
		config.Burst = 2
	}

	return &Client{
		baseURL: config.BaseURL,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		circuitBreaker: NewCircuitBreaker(),
		limiter:        rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		timeout:        config.Timeout,
	}
}

// CompareBatch sends all pairs to the comparison service in one call and
// returns one comparison per pair, in input order. Errors (rate-limit wait
// cancelled, circuit open, HTTP failure, short response) are returned to the
// caller, which is expected to fall back to its syntactic results.
func (c *Client) CompareBatch(ctx context.Context, pairs []detect.ComparePair) ([]detect.Comparison, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("semantic: rate limiter wait: %w", err)
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.compareBatch(ctx, pairs)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("semantic: circuit breaker open: %w", err)
		}
		return nil, err
	}

	return result.([]detect.Comparison), nil
}

// compareBatch is the internal implementation without circuit breaker wrapping.
func (c *Client) compareBatch(ctx context.Context, pairs []detect.ComparePair) ([]detect.Comparison, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	jsonData, err := json.Marshal(compareRequest{Pairs: pairs})
	if err != nil {
		return nil, fmt.Errorf("semantic: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/compare", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("semantic: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semantic: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("semantic: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var parsed compareResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("semantic: failed to decode response: %w", err)
	}

	if len(parsed.Comparisons) != len(pairs) {
		return nil, fmt.Errorf("semantic: got %d comparisons for %d pairs", len(parsed.Comparisons), len(pairs))
	}

	return parsed.Comparisons, nil
}

// BreakerState exposes the circuit breaker state for health reporting.
func (c *Client) BreakerState() string {
	return c.circuitBreaker.State()
}
