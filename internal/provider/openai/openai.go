// Package openai implements the provider.Adapter contract for the
// OpenAI-compatible chat-completions and responses dialects. It never
// parses the request/response body beyond extracting the usage trailer;
// everything else is forwarded verbatim.
package openai

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

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/provider"
	"github.com/amerfu/llmgate/internal/provider/sseutil"
	"github.com/amerfu/llmgate/pkg/breaker"
)

const name = "openai"

// Client is a provider.Adapter for the OpenAI-compatible dialects.
type Client struct {
	http     *http.Client
	breakers *breaker.Registry
}

// New creates an OpenAI Client with a tuned http.Client. If resolver is
// non-nil, DNS lookups for upstream hosts are cached rather than
// performed on every dial.
func New(resolver *dnscache.Resolver, breakers *breaker.Registry) *Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = cachedDialContext(resolver)
	}
	return &Client{http: &http.Client{Transport: t}, breakers: breakers}
}

func cachedDialContext(resolver *dnscache.Resolver) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
}

func (c *Client) Name() string { return name }

func (c *Client) IsHealthy(model string) bool {
	return c.breakers.For(model).IsHealthy()
}

func endpointPath(d provider.Dialect) (string, error) {
	switch d {
	case provider.DialectOpenAIChat:
		return "/chat/completions", nil
	case provider.DialectOpenAIResponses:
		return "/responses", nil
	default:
		return "", fmt.Errorf("openai: unsupported dialect %q", d)
	}
}

// Forward sends a non-streaming request and returns the raw response
// body plus extracted Usage.
func (c *Client) Forward(ctx context.Context, req provider.Request, creds provider.Credentials) (provider.UnaryResult, error) {
	b := c.breakers.For(req.Model)
	path, err := endpointPath(req.Dialect)
	if err != nil {
		return provider.UnaryResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(creds.BaseURL, "/")+path, bytes.NewReader(req.Body))
	if err != nil {
		return provider.UnaryResult{}, fmt.Errorf("openai: create request: %w", err)
	}
	setHeaders(httpReq, creds.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		b.RecordFailure()
		return provider.UnaryResult{}, provider.ErrUpstreamUnavailable
	}
	defer resp.Body.Close()
	b.RecordSuccess()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.UnaryResult{}, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.UnaryResult{}, &provider.UpstreamHTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	usage := extractUsage(body)
	return provider.UnaryResult{Body: body, Usage: usage}, nil
}

// ForwardStream sends a streaming request and returns a channel of raw SSE
// data payloads plus a FinalUsagePromise resolved once the stream ends.
func (c *Client) ForwardStream(ctx context.Context, req provider.Request, creds provider.Credentials) (provider.StreamResult, error) {
	b := c.breakers.For(req.Model)
	path, err := endpointPath(req.Dialect)
	if err != nil {
		return provider.StreamResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(creds.BaseURL, "/")+path, bytes.NewReader(req.Body))
	if err != nil {
		return provider.StreamResult{}, fmt.Errorf("openai: create request: %w", err)
	}
	setHeaders(httpReq, creds.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		b.RecordFailure()
		return provider.StreamResult{}, provider.ErrUpstreamUnavailable
	}
	b.RecordSuccess()

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.StreamResult{}, &provider.UpstreamHTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	chunks := make(chan provider.Chunk, 8)
	usageCh := make(chan models.Usage, 1)
	go readSSEStream(ctx, resp, chunks, usageCh)

	return provider.StreamResult{Chunks: chunks, FinalUsage: usageCh}, nil
}

// readSSEStream scans SSE lines, forwarding each data payload as a Chunk
// and extracting the usage trailer from the final chunk that carries one,
// mirroring the corpus's "don't fully unmarshal the hot path" convention.
func readSSEStream(ctx context.Context, resp *http.Response, chunks chan<- provider.Chunk, usageCh chan<- models.Usage) {
	defer close(chunks)
	defer close(usageCh)
	defer resp.Body.Close()

	var lastUsage models.Usage
	sawUsage := false

	// The chat dialect sends bare "data:" frames, but the responses
	// dialect names its events ("response.output_text.delta", ...), so the
	// "event:" field is carried through rather than dropped.
	var eventName string

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		field, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if field == "event" {
			eventName = data
			continue
		}
		if field != "data" {
			continue
		}

		done := data == "[DONE]"
		if !done {
			if u, found := parseUsageChunk(data); found {
				lastUsage = u
				sawUsage = true
			}
		}

		select {
		case chunks <- provider.Chunk{Event: eventName, Data: []byte(data)}:
			eventName = ""
		case <-ctx.Done():
			// Canceled mid-stream. Resolve the promise only if a usage
			// chunk already arrived; otherwise nothing billable happened
			// and the promise closes empty.
			if sawUsage {
				usageCh <- lastUsage
			}
			return
		}
		if done {
			// The terminal sentinel has been forwarded; clients read until
			// they see it, so it must be the last frame on the wire.
			break
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case chunks <- provider.Chunk{Err: fmt.Errorf("openai: read stream: %w", err)}:
		case <-ctx.Done():
		}
		if sawUsage {
			usageCh <- lastUsage
		}
		return
	}

	if sawUsage {
		usageCh <- lastUsage
	} else {
		// Clean end with no usage trailer at all.
		usageCh <- models.Usage{Unavailable: true}
	}
}

func parseUsageChunk(data string) (models.Usage, bool) {
	u := gjson.Get(data, "usage")
	if !u.Exists() {
		return models.Usage{}, false
	}
	var raw struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	}
	if err := json.Unmarshal([]byte(u.Raw), &raw); err != nil {
		return models.Usage{}, false
	}
	return models.Usage{
		InputTokens:     raw.PromptTokens,
		OutputTokens:    raw.CompletionTokens,
		CacheReadTokens: raw.PromptTokensDetails.CachedTokens,
	}, true
}

func extractUsage(body []byte) models.Usage {
	u, found := parseUsageChunk(string(body))
	if !found {
		return models.Usage{Unavailable: true}
	}
	return u
}

func setHeaders(r *http.Request, apiKey string) {
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
}

var _ provider.Adapter = (*Client)(nil)
