// Package pipeline implements the per-request state machine,
// orchestrating Resolver, ProviderAdapter, and Ledger for one inbound
// call including the streaming tail.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/llmgate/internal/gatewayerr"
	"github.com/amerfu/llmgate/internal/ledger"
	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/provider"
	"github.com/amerfu/llmgate/internal/resolver"
)

// Pipeline wires together the shared Resolver and the shared Ledger for
// every endpoint; the adapter and credentials are passed in per call.
type Pipeline struct {
	resolver *resolver.Resolver
	ledger   *ledger.Ledger
	log      *zap.Logger

	// unaryTimeout bounds a single unary upstream call. Zero means no
	// bound beyond the inbound request's own deadline. Streams are not
	// bounded here; their idle behavior is governed by the client and the
	// upstream connection.
	unaryTimeout time.Duration
}

func New(r *resolver.Resolver, l *ledger.Ledger, log *zap.Logger, unaryTimeout time.Duration) *Pipeline {
	return &Pipeline{resolver: r, ledger: l, log: log, unaryTimeout: unaryTimeout}
}

// Inbound is everything the pipeline needs from the HTTP layer, already
// extracted.
type Inbound struct {
	BearerToken string
	Endpoint    string
	IPAddress   string
	Dialect     provider.Dialect
	Body        []byte
	Stream      bool
}

// inboundModel is the minimal shape needed to read the "model" field,
// common to all three dialects' request bodies.
type inboundModel struct {
	Model string `json:"model"`
}

func extractModel(body []byte) string {
	var m inboundModel
	_ = json.Unmarshal(body, &m)
	return m.Model
}

// UnaryOutcome is what the HTTP layer needs to write a unary response.
type UnaryOutcome struct {
	Body []byte
}

// Authorize runs the pre-dispatch half of a request: Resolver, then
// Ledger.Precheck on the resolved snapshot. Callers that need to
// prepare a response transport (e.g. committing SSE headers) before
// dispatch must call this first, so an auth/budget failure can still
// produce a normal JSON error status instead of a half-opened stream.
func (p *Pipeline) Authorize(ctx context.Context, in Inbound) (models.Principal, string, error) {
	model := extractModel(in.Body)

	principal, err := p.resolver.Resolve(ctx, in.BearerToken, model)
	if err != nil {
		return models.Principal{}, "", err
	}
	if err := p.ledger.Precheck(principal.Account); err != nil {
		return models.Principal{}, "", err
	}
	return principal, model, nil
}

// RunUnary executes a non-streaming call end to end: settlement
// completes before returning, so the caller never acknowledges a request
// whose debit has not landed.
func (p *Pipeline) RunUnary(ctx context.Context, in Inbound, adapter provider.Adapter, creds provider.Credentials) (UnaryOutcome, error) {
	principal, model, err := p.Authorize(ctx, in)
	if err != nil {
		return UnaryOutcome{}, err
	}

	req := provider.Request{Dialect: in.Dialect, Model: model, Body: in.Body, Stream: false}

	// The timeout covers only the upstream call, never settlement.
	fwdCtx := ctx
	if p.unaryTimeout > 0 {
		var cancel context.CancelFunc
		fwdCtx, cancel = context.WithTimeout(ctx, p.unaryTimeout)
		defer cancel()
	}
	result, err := adapter.Forward(fwdCtx, req, creds)
	if err != nil {
		return UnaryOutcome{}, classifyAdapterErr(err)
	}

	// Settle synchronously, before acknowledging the caller.
	settleErr := p.ledger.Settle(ctx, ledger.SettleInput{
		UserID:          principal.Account.UserID,
		APIKey:          principal.ApiKey.APIKey,
		ModelName:       model,
		Endpoint:        in.Endpoint,
		IPAddress:       in.IPAddress,
		Usage:           result.Usage,
		RequestPayload:  in.Body,
		ResponsePayload: result.Body,
	})
	if settleErr != nil {
		p.log.Error("pipeline: settlement failed after a successful unary call", zap.Error(settleErr))
	}

	return UnaryOutcome{Body: result.Body}, nil
}

// StreamSink receives chunks as they arrive; the HTTP layer implements it
// over a flushing http.ResponseWriter, re-emitting each chunk with its
// native framing.
type StreamSink interface {
	WriteChunk(chunk provider.Chunk) error
}

// RunStream proxies chunks to sink as they arrive, then settles in the
// background once the upstream stream closes, so the client connection
// is not held open for settlement.
// The caller must have already run Authorize and committed
// to opening the stream transport on its success — RunStream never
// produces an auth/budget error itself.
func (p *Pipeline) RunStream(ctx context.Context, principal models.Principal, model string, in Inbound, adapter provider.Adapter, creds provider.Credentials, sink StreamSink) error {
	req := provider.Request{Dialect: in.Dialect, Model: model, Body: in.Body, Stream: true}
	result, err := adapter.ForwardStream(ctx, req, creds)
	if err != nil {
		return classifyAdapterErr(err)
	}

	for chunk := range result.Chunks {
		if chunk.Err != nil {
			p.log.Warn("pipeline: stream error before close", zap.Error(chunk.Err))
			break
		}
		if err := sink.WriteChunk(chunk); err != nil {
			// Client disconnected; stop reading further chunks. If usage
			// already arrived on the promise it will still settle below.
			break
		}
	}

	// Settle in the background, so this method returns (and the caller
	// closes the client connection) without waiting for settlement.
	// context.WithoutCancel detaches settlement from the inbound request's
	// context so a client disconnect never cancels the debit/log write.
	settleCtx := context.WithoutCancel(ctx)
	go p.settleStream(settleCtx, principal.Account.UserID, principal.ApiKey.APIKey, model, in, result.FinalUsage)

	return nil
}

func (p *Pipeline) settleStream(ctx context.Context, userID, apiKey, model string, in Inbound, finalUsage provider.FinalUsagePromise) {
	usage, ok := <-finalUsage
	if !ok {
		// The stream was canceled or failed before any usage arrived:
		// nothing billable happened, so no debit and no usage log.
		p.log.Warn("pipeline: stream ended without usage, skipping settlement",
			zap.String("user_id", userID), zap.String("model", model))
		return
	}

	err := p.ledger.Settle(ctx, ledger.SettleInput{
		UserID:         userID,
		APIKey:         apiKey,
		ModelName:      model,
		Endpoint:       in.Endpoint,
		IPAddress:      in.IPAddress,
		Usage:          usage,
		RequestPayload: in.Body,
	})
	if err != nil {
		p.log.Error("pipeline: background stream settlement failed", zap.Error(err))
	}
}

func classifyAdapterErr(err error) error {
	switch e := err.(type) {
	case *provider.UpstreamHTTPError:
		return gatewayerr.Upstream(e.StatusCode, e.Body)
	default:
		if err == provider.ErrUpstreamUnavailable {
			return gatewayerr.Wrap(gatewayerr.KindUpstreamUnavailable, "could not reach upstream provider", err)
		}
		return gatewayerr.Wrap(gatewayerr.KindInternal, "adapter dispatch failed", err)
	}
}
