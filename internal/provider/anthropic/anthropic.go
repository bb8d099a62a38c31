// Package anthropic implements the provider.Adapter contract for the
// Anthropic messages dialect. The adapter is a pure passthrough: the
// Anthropic wire format is never translated into the OpenAI shape or
// vice versa; only the trailing usage object is decoded.
package anthropic

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

const (
	name             = "anthropic"
	messagesPath     = "/v1/messages"
	anthropicVersion = "2023-06-01"
)

// Client is a provider.Adapter for the Anthropic messages dialect.
type Client struct {
	http     *http.Client
	breakers *breaker.Registry
}

func New(resolver *dnscache.Resolver, breakers *breaker.Registry) *Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
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
	return &Client{http: &http.Client{Transport: t}, breakers: breakers}
}

func (c *Client) Name() string { return name }

func (c *Client) IsHealthy(model string) bool {
	return c.breakers.For(model).IsHealthy()
}

func (c *Client) Forward(ctx context.Context, req provider.Request, creds provider.Credentials) (provider.UnaryResult, error) {
	b := c.breakers.For(req.Model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(creds.BaseURL, "/")+messagesPath, bytes.NewReader(req.Body))
	if err != nil {
		return provider.UnaryResult{}, fmt.Errorf("anthropic: create request: %w", err)
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
		return provider.UnaryResult{}, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.UnaryResult{}, &provider.UpstreamHTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	usage, found := parseMessageUsage(string(body))
	if !found {
		usage = models.Usage{Unavailable: true}
	}
	return provider.UnaryResult{Body: body, Usage: usage}, nil
}

// ForwardStream proxies the Anthropic SSE event stream verbatim. Usage
// arrives split across two events: message_start carries input_tokens
// (and often a near-zero output_tokens), message_delta carries the final
// cumulative output_tokens just before message_stop. The promise resolves
// once the stream closes, combining the two.
func (c *Client) ForwardStream(ctx context.Context, req provider.Request, creds provider.Credentials) (provider.StreamResult, error) {
	b := c.breakers.For(req.Model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(creds.BaseURL, "/")+messagesPath, bytes.NewReader(req.Body))
	if err != nil {
		return provider.StreamResult{}, fmt.Errorf("anthropic: create request: %w", err)
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
	go readEventStream(ctx, resp, chunks, usageCh)

	return provider.StreamResult{Chunks: chunks, FinalUsage: usageCh}, nil
}

func readEventStream(ctx context.Context, resp *http.Response, chunks chan<- provider.Chunk, usageCh chan<- models.Usage) {
	defer close(chunks)
	defer close(usageCh)
	defer resp.Body.Close()

	var usage models.Usage
	sawAny := false

	// Anthropic frames every SSE event as an "event: <type>" line followed
	// by its "data:" line; the event name must survive passthrough because
	// client SDKs dispatch on it.
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

		if in := gjson.Get(data, "message.usage.input_tokens"); in.Exists() {
			usage.InputTokens = in.Int()
			sawAny = true
		}
		if out := gjson.Get(data, "usage.output_tokens"); out.Exists() {
			usage.OutputTokens = out.Int()
			sawAny = true
		}
		if cr := gjson.Get(data, "message.usage.cache_read_input_tokens"); cr.Exists() {
			usage.CacheReadTokens = cr.Int()
		}
		if cw := gjson.Get(data, "message.usage.cache_creation_input_tokens"); cw.Exists() {
			usage.CacheWriteTokens = cw.Int()
		}

		select {
		case chunks <- provider.Chunk{Event: eventName, Data: []byte(data)}:
			eventName = ""
		case <-ctx.Done():
			// Canceled mid-stream. Resolve the promise only if usage
			// already arrived; otherwise the promise closes empty.
			if sawAny {
				usageCh <- usage
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case chunks <- provider.Chunk{Err: fmt.Errorf("anthropic: read stream: %w", err)}:
		case <-ctx.Done():
		}
		if sawAny {
			usageCh <- usage
		}
		return
	}

	if sawAny {
		usageCh <- usage
	} else {
		usageCh <- models.Usage{Unavailable: true}
	}
}

func parseMessageUsage(body string) (models.Usage, bool) {
	u := gjson.Get(body, "usage")
	if !u.Exists() {
		return models.Usage{}, false
	}
	var raw struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	}
	if err := json.Unmarshal([]byte(u.Raw), &raw); err != nil {
		return models.Usage{}, false
	}
	return models.Usage{
		InputTokens:      raw.InputTokens,
		OutputTokens:     raw.OutputTokens,
		CacheReadTokens:  raw.CacheReadInputTokens,
		CacheWriteTokens: raw.CacheCreationInputTokens,
	}, true
}

func setHeaders(r *http.Request, apiKey string) {
	r.Header.Set("x-api-key", apiKey)
	r.Header.Set("anthropic-version", anthropicVersion)
	r.Header.Set("Content-Type", "application/json")
}

var _ provider.Adapter = (*Client)(nil)
