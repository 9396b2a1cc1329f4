package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) {}

func okBody(text string) string {
	b, _ := json.Marshal(chatResponse{
		Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: text}}},
		Usage:   &chatUsage{PromptTokens: 12, CompletionTokens: 34},
	})
	return string(b)
}

func TestGenerate_Success(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(okBody("the panel convenes")))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithSleepFunc(noSleep))
	res, err := c.Generate(context.Background(), Request{
		Model:        "test/model",
		Instructions: "You are an expert.",
		Prompt:       "Discuss.",
		Options:      Options{Temperature: 0.7, SearchEnabled: true, ResponseFormat: "json"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "the panel convenes" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Usage == nil || res.Usage.InputTokens != 12 || res.Usage.OutputTokens != 34 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if !gotReq.WebSearch {
		t.Error("web_search not set on wire request")
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_object" {
		t.Error("response_format not set for json output")
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("Messages = %+v", gotReq.Messages)
	}
}

func TestGenerate_RetriesRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(okBody("recovered")))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithSleepFunc(noSleep))
	res, err := c.Generate(context.Background(), Request{Model: "test/model", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate after retry: %v", err)
	}
	if res.Text != "recovered" {
		t.Errorf("Text = %q", res.Text)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestGenerate_AuthNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("bad-key", WithBaseURL(srv.URL), WithSleepFunc(noSleep))
	_, err := c.Generate(context.Background(), Request{Model: "test/model", Prompt: "hi"})
	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("err = %v, want GatewayError", err)
	}
	if ge.Kind != KindAuth {
		t.Errorf("Kind = %s, want auth", ge.Kind)
	}
	if calls != 1 {
		t.Errorf("auth failure retried: %d calls", calls)
	}
}

func TestGenerate_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest) // non-retryable, each call 1 failure
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithSleepFunc(noSleep))
	req := Request{Model: "flaky/model", Prompt: "hi"}
	for i := 0; i < 3; i++ {
		c.Generate(context.Background(), req) //nolint:errcheck
	}

	_, err := c.Generate(context.Background(), req)
	ge, ok := err.(*GatewayError)
	if !ok || ge.Kind != KindOverloaded {
		t.Errorf("after breaker trip err = %v, want overloaded GatewayError", err)
	}
}

func TestGenerate_CallerErrorsDoNotTripBreaker(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient("bad-key", WithBaseURL(srv.URL), WithSleepFunc(noSleep))
	req := Request{Model: "test/model", Prompt: "hi"}
	for i := 0; i < 5; i++ {
		_, err := c.Generate(context.Background(), req)
		ge, ok := err.(*GatewayError)
		if !ok || ge.Kind != KindAuth {
			t.Fatalf("call %d: err = %v, want auth GatewayError (breaker must stay closed)", i+1, err)
		}
	}
	if calls != 5 {
		t.Errorf("server saw %d calls, want 5 (auth failures rejected by breaker)", calls)
	}
}

func TestClassifyStatus_ContextTooLong(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadRequest)
	rec.Body.WriteString(`{"error":{"message":"maximum context length exceeded","code":"context_length"}}`)

	ge := classifyStatus(rec.Result())
	if ge.Kind != KindContextTooLong {
		t.Errorf("Kind = %s, want context_too_long", ge.Kind)
	}
	if ge.Retryable() {
		t.Error("context_too_long should not be retryable")
	}
}
