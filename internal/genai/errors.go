package genai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies gateway errors for retry/handling strategy.
type Kind int

const (
	KindRateLimit  Kind = iota // HTTP 429
	KindOverloaded             // HTTP 502, 503
	KindContextTooLong
	KindAuth
	KindMalformed // unparseable response
	KindTimeout   // transport failure or deadline
	KindUnknown
)

// String returns the human-readable name of the error kind.
func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindOverloaded:
		return "overloaded"
	case KindContextTooLong:
		return "context_too_long"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed_response"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// GatewayError wraps a generation-gateway failure with its classification.
type GatewayError struct {
	Kind       Kind
	StatusCode int
	Message    string
	RetryAfter time.Duration // only set for rate limits
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Retryable reports whether the client should retry this kind of failure.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindOverloaded, KindTimeout, KindMalformed:
		return true
	default:
		return false
	}
}

// MaxRetries returns the retry budget for this kind of failure.
func (e *GatewayError) MaxRetries() int {
	switch e.Kind {
	case KindRateLimit, KindOverloaded:
		return 5
	case KindMalformed:
		return 3
	case KindTimeout:
		return 1
	default:
		return 0
	}
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// classifyStatus maps a non-200 HTTP response to a GatewayError.
func classifyStatus(resp *http.Response) *GatewayError {
	body, _ := io.ReadAll(resp.Body)

	var eb errorBody
	json.Unmarshal(body, &eb) //nolint:errcheck // best-effort parse

	msg := eb.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	ge := &GatewayError{StatusCode: resp.StatusCode, Message: msg}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		ge.Kind = KindRateLimit
		ge.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		ge.Kind = KindOverloaded
	case http.StatusUnauthorized, http.StatusForbidden:
		ge.Kind = KindAuth
	case http.StatusBadRequest:
		combined := strings.ToLower(eb.Error.Code + " " + msg)
		if strings.Contains(combined, "context_length") ||
			strings.Contains(combined, "maximum context length") ||
			strings.Contains(combined, "too many tokens") {
			ge.Kind = KindContextTooLong
		} else {
			ge.Kind = KindUnknown
		}
	default:
		ge.Kind = KindUnknown
	}
	return ge
}

// parseRetryAfter parses the Retry-After header value as seconds.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}
