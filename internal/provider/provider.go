// Package provider defines the uniform adapter contract over upstream
// providers: a narrow surface that forwards requests opaquely and reports
// Usage, without ever translating between dialects.
package provider

import (
	"context"

	"github.com/amerfu/llmgate/internal/models"
)

// Dialect identifies the wire format of an ingress endpoint. Routing to a
// dialect is static by endpoint; adapters never translate between
// dialects.
type Dialect string

const (
	DialectOpenAIChat      Dialect = "openai-chat"
	DialectOpenAIResponses Dialect = "openai-responses"
	DialectAnthropicMsgs   Dialect = "anthropic-messages"
)

// Chunk is one opaque protocol frame suitable for passthrough to the
// client. Data is the payload of the frame's "data:" line, including
// terminal sentinels like OpenAI's "[DONE]". Event carries the frame's
// "event:" field for dialects that use named events (Anthropic messages,
// OpenAI responses); empty for bare data-only frames. The ingress layer
// re-emits the frame with the provider's native framing intact.
type Chunk struct {
	Event string
	Data  []byte
	Err   error
}

// FinalUsagePromise resolves at most once, after the stream has ended,
// with the Usage reported in the stream's trailer. A stream that ends
// cleanly but without a trailer resolves with the sentinel
// "usage unavailable" value (models.Usage{Unavailable: true}); a stream
// canceled or broken before any usage arrived closes the promise without
// a value, and nothing is billed.
type FinalUsagePromise <-chan models.Usage

// Result pairs the two outcome shapes, with exactly one of Unary or Stream
// non-nil. The Adapter methods return UnaryResult and StreamResult
// directly; no code here constructs a Result.
type Result struct {
	Unary  *UnaryResult
	Stream *StreamResult
}

// UnaryResult carries a complete response body plus its Usage.
type UnaryResult struct {
	Body  []byte
	Usage models.Usage
}

// StreamResult carries a channel of Chunks and a promise that resolves to
// the stream's Usage after it closes.
type StreamResult struct {
	Chunks     <-chan Chunk
	FinalUsage FinalUsagePromise
}

// Request is the opaque, forwarded-verbatim request the pipeline builds
// from the inbound HTTP call.
type Request struct {
	Dialect Dialect
	Model   string
	Body    []byte
	Stream  bool
}

// Credentials are the per-provider base URL and API key the adapter dials
// with.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// Adapter is the uniform contract over one upstream provider.
type Adapter interface {
	// Forward performs a unary call.
	Forward(ctx context.Context, req Request, creds Credentials) (UnaryResult, error)
	// ForwardStream performs a streaming call.
	ForwardStream(ctx context.Context, req Request, creds Credentials) (StreamResult, error)
	// Name identifies the adapter for logging/metrics.
	Name() string
	// IsHealthy reports the adapter's circuit-breaker health for model.
	IsHealthy(model string) bool
}
