package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 120 * time.Second
)

// Client calls the generation gateway over HTTP. Failures are retried with
// exponential backoff + jitter; repeated failures trip a per-model circuit
// breaker so one misbehaving model does not burn the retry budget of every
// call in the run.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	logger     *slog.Logger
	sleepFn    func(context.Context, time.Duration) // injectable for tests

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*Result]
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the default gateway base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithSleepFunc overrides the retry sleep function (for testing).
func WithSleepFunc(fn func(context.Context, time.Duration)) ClientOption {
	return func(c *Client) { c.sleepFn = fn }
}

// defaultSleep respects context cancellation while waiting.
func defaultSleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// NewClient creates a gateway client with the given API key and options.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		logger:     slog.Default(),
		sleepFn:    defaultSleep,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*Result]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate performs one generation call, with retries and circuit breaking
// handled transparently.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	cb := c.breakerFor(req.Model)

	res, err := cb.Execute(func() (*Result, error) {
		return c.generateWithRetry(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &GatewayError{
				Kind:    KindOverloaded,
				Message: fmt.Sprintf("circuit breaker rejecting calls for model %s", req.Model),
			}
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) generateWithRetry(ctx context.Context, req Request) (*Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := c.doRequest(ctx, req)
		if err == nil {
			return res, nil
		}

		ge, ok := err.(*GatewayError)
		if !ok {
			// Context cancellation or a marshalling bug; not retryable here.
			return nil, err
		}
		if !ge.Retryable() || attempt >= ge.MaxRetries() {
			return nil, ge
		}

		delay := retryDelay(ge, attempt)
		c.logger.Warn("retrying generation call",
			"model", req.Model,
			"kind", ge.Kind.String(),
			"attempt", attempt+1,
			"delay", delay,
		)

		c.sleepFn(ctx, delay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// doRequest performs a single HTTP round trip and parses the response.
func (c *Client) doRequest(ctx context.Context, req Request) (*Result, error) {
	wire := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.Instructions},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: req.Options.Temperature,
		Seed:        req.Options.Seed,
		MaxTokens:   req.Options.MaxOutputTokens,
		WebSearch:   req.Options.SearchEnabled,
	}
	if req.Options.ResponseFormat == "json" {
		wire.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &GatewayError{Kind: KindTimeout, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Kind: KindMalformed, Message: fmt.Sprintf("read response body: %v", err)}
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, &GatewayError{Kind: KindMalformed, Message: fmt.Sprintf("parse response JSON: %v", err)}
	}
	if len(cr.Choices) == 0 {
		return nil, &GatewayError{Kind: KindMalformed, Message: "response contains no choices"}
	}

	res := &Result{Text: cr.Choices[0].Message.Content}
	if cr.Usage != nil {
		res.Usage = &Usage{InputTokens: cr.Usage.PromptTokens, OutputTokens: cr.Usage.CompletionTokens}
	}
	if len(cr.SearchQueries) > 0 || len(cr.SearchResults) > 0 {
		res.Search = &SearchMetadata{Queries: cr.SearchQueries, Sources: cr.SearchResults}
	}
	return res, nil
}

// retryDelay computes the backoff before the next attempt. Rate limits honor
// Retry-After; everything else backs off exponentially, capped at 16s.
func retryDelay(err *GatewayError, attempt int) time.Duration {
	if err.Kind == KindRateLimit && err.RetryAfter > 0 {
		return jitter(err.RetryAfter)
	}
	base := time.Second * time.Duration(1<<uint(attempt))
	if base > 16*time.Second {
		base = 16 * time.Second
	}
	return jitter(base)
}

// jitter spreads retries across [0.5, 1.5) of the base delay so sequential
// panel calls do not hammer the gateway in lockstep after an outage.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

// breakerFor returns the circuit breaker for the model, creating it lazily.
func (c *Client) breakerFor(model string) *gobreaker.CircuitBreaker[*Result] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[model]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        "genai-" + model,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Caller errors (bad key, oversized prompt) say nothing about
			// gateway health; tripping on them would mask the real cause.
			ge, ok := err.(*GatewayError)
			if !ok {
				return false
			}
			switch ge.Kind {
			case KindAuth, KindContextTooLong:
				return true
			default:
				return false
			}
		},
	})
	c.breakers[model] = cb
	return cb
}
