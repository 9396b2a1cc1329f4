// Package genai is the HTTP client for the external text-generation gateway
// (an OpenAI-compatible chat completions endpoint). It handles retries with
// exponential backoff + jitter and per-model circuit breakers; everything
// above this package treats generation as an opaque capability.
package genai

// Request describes one generation call.
type Request struct {
	Model        string
	Instructions string // system message; standing per-participant instructions
	Prompt       string // user message
	Options      Options
}

// Options carries the per-call policy knobs resolved by the invoker.
type Options struct {
	Temperature     float64
	Seed            *int64
	SearchEnabled   bool   // attach the gateway's web-search capability
	ResponseFormat  string // "text" or "json"
	MaxOutputTokens int
}

// Usage is the provider-reported token usage, when the gateway returns it.
// The pipeline's own accounting is heuristic and independent of this.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Source is one web source consulted by a search-enabled call.
type Source struct {
	Title   string `json:"title"`
	URI     string `json:"uri"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchMetadata describes the search activity of a single call.
type SearchMetadata struct {
	Queries []string
	Sources []Source
}

// Result is a successful generation: text plus optional metadata.
type Result struct {
	Text   string
	Usage  *Usage
	Search *SearchMetadata
}

// wire format ----------------------------------------------------------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"` // "json_object"
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Seed           *int64          `json:"seed,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	WebSearch      bool            `json:"web_search,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Choices       []chatChoice `json:"choices"`
	Usage         *chatUsage   `json:"usage,omitempty"`
	SearchQueries []string     `json:"search_queries,omitempty"`
	SearchResults []Source     `json:"search_results,omitempty"`
}
