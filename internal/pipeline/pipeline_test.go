package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/llmgate/internal/authcache"
	"github.com/amerfu/llmgate/internal/gatewayerr"
	"github.com/amerfu/llmgate/internal/ledger"
	"github.com/amerfu/llmgate/internal/models"
	"github.com/amerfu/llmgate/internal/pricing"
	"github.com/amerfu/llmgate/internal/provider"
	"github.com/amerfu/llmgate/internal/resolver"
	"github.com/amerfu/llmgate/internal/store"
)

// fakeAdapter is a recording provider.Adapter double used to assert that
// rejected auth never dispatches upstream, and to script unary/streaming
// outcomes.
type fakeAdapter struct {
	mu           sync.Mutex
	forwardCalls int

	unaryResult provider.UnaryResult
	unaryErr    error

	streamChunks  []provider.Chunk
	streamUsage   models.Usage
	streamNoUsage bool
	streamErr     error
}

func (f *fakeAdapter) Forward(ctx context.Context, req provider.Request, creds provider.Credentials) (provider.UnaryResult, error) {
	f.mu.Lock()
	f.forwardCalls++
	f.mu.Unlock()
	return f.unaryResult, f.unaryErr
}

func (f *fakeAdapter) ForwardStream(ctx context.Context, req provider.Request, creds provider.Credentials) (provider.StreamResult, error) {
	f.mu.Lock()
	f.forwardCalls++
	f.mu.Unlock()
	if f.streamErr != nil {
		return provider.StreamResult{}, f.streamErr
	}

	chunks := make(chan provider.Chunk, len(f.streamChunks))
	usage := make(chan models.Usage, 1)
	for _, c := range f.streamChunks {
		chunks <- c
	}
	close(chunks)
	if !f.streamNoUsage {
		usage <- f.streamUsage
	}
	close(usage)

	return provider.StreamResult{Chunks: chunks, FinalUsage: usage}, nil
}

func (f *fakeAdapter) Name() string          { return "fake" }
func (f *fakeAdapter) IsHealthy(string) bool { return true }
func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwardCalls
}

type fakeSink struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *fakeSink) WriteChunk(chunk provider.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte{}, chunk.Data...)
	s.chunks = append(s.chunks, cp)
	return nil
}

func (s *fakeSink) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.MemoryStore) {
	t.Helper()
	cache, err := authcache.New(authcache.Config{TTL: time.Minute, MaxEntries: 100}, zap.NewNop())
	require.NoError(t, err)
	st := store.NewMemoryStore()
	pr := pricing.New(cache, st)
	led := ledger.New(st, pr, cache, zap.NewNop())
	res := resolver.New(cache, st)
	return New(res, led, zap.NewNop(), 0), st
}

func reqBody(model string, stream bool) []byte {
	b, _ := json.Marshal(map[string]interface{}{"model": model, "stream": stream})
	return b
}

// An inactive account never causes an upstream dispatch.
func TestRunUnaryAuthShortCircuit(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	_ = st.UpsertApiKey(ctx, models.ApiKey{APIKey: "sk-a", UserID: "u1", IsActive: true})
	_ = st.UpsertAccount(ctx, models.Account{UserID: "u1", IsActive: false, BudgetMicros: 10_000_000})

	adapter := &fakeAdapter{}
	in := Inbound{BearerToken: "sk-a", Endpoint: "/v1/chat/completions", Body: reqBody("m1", false)}

	_, err := p.RunUnary(ctx, in, adapter, provider.Credentials{})
	require.Error(t, err, "expected an error for a disabled account")
	assert.Equal(t, 0, adapter.callCount())
	assert.Len(t, st.UsageLogs(), 0, "no settlement before dispatch")
}

func TestRunUnaryBudgetShortCircuit(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	_ = st.UpsertApiKey(ctx, models.ApiKey{APIKey: "sk-a", UserID: "u1", IsActive: true})
	_ = st.UpsertAccount(ctx, models.Account{UserID: "u1", IsActive: true, BudgetMicros: 10_000_000, SpentMicros: 10_000_000})

	adapter := &fakeAdapter{}
	in := Inbound{BearerToken: "sk-a", Endpoint: "/v1/chat/completions", Body: reqBody("m1", false)}

	_, err := p.RunUnary(ctx, in, adapter, provider.Credentials{})
	require.Error(t, err, "expected BudgetExceeded")
	e, ok := err.(*gatewayerr.Error)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindBudgetExceeded, e.Kind)
	assert.Equal(t, 0, adapter.callCount())
}

func TestRunUnaryHappyPathSettlesExactlyOnce(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	_ = st.UpsertApiKey(ctx, models.ApiKey{APIKey: "sk-a", UserID: "u1", IsActive: true})
	_ = st.UpsertAccount(ctx, models.Account{UserID: "u1", IsActive: true, BudgetMicros: 10_000_000})
	_ = st.UpsertModelCost(ctx, models.ModelCost{ModelName: "m1", InputRateMicros: 3_000_000, OutputRateMicros: 15_000_000})

	adapter := &fakeAdapter{unaryResult: provider.UnaryResult{
		Body:  []byte(`{"ok":true}`),
		Usage: models.Usage{InputTokens: 1000, OutputTokens: 500},
	}}
	in := Inbound{BearerToken: "sk-a", Endpoint: "/v1/chat/completions", Body: reqBody("m1", false)}

	outcome, err := p.RunUnary(ctx, in, adapter, provider.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(outcome.Body), "Body should be upstream body verbatim")

	account, _ := st.GetAccount(ctx, "u1")
	assert.EqualValues(t, 10_500, account.SpentMicros)
	assert.Len(t, st.UsageLogs(), 1)
}

func TestRunUnaryUpstreamErrorPassesThroughNoSettlement(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	_ = st.UpsertApiKey(ctx, models.ApiKey{APIKey: "sk-a", UserID: "u1", IsActive: true})
	_ = st.UpsertAccount(ctx, models.Account{UserID: "u1", IsActive: true, BudgetMicros: 10_000_000})

	adapter := &fakeAdapter{unaryErr: &provider.UpstreamHTTPError{StatusCode: 429, Body: []byte(`{"error":"rate limited"}`)}}
	in := Inbound{BearerToken: "sk-a", Endpoint: "/v1/chat/completions", Body: reqBody("m1", false)}

	_, err := p.RunUnary(ctx, in, adapter, provider.Credentials{})
	require.Error(t, err, "expected an upstream error")
	gerr, ok := err.(*gatewayerr.Error)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindUpstreamError, gerr.Kind)
	assert.Equal(t, 429, gerr.UpstreamStatus)
	assert.Len(t, st.UsageLogs(), 0, "no settlement for upstream errors")
}

func TestRunUnaryUpstreamUnavailable(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	_ = st.UpsertApiKey(ctx, models.ApiKey{APIKey: "sk-a", UserID: "u1", IsActive: true})
	_ = st.UpsertAccount(ctx, models.Account{UserID: "u1", IsActive: true, BudgetMicros: 10_000_000})

	adapter := &fakeAdapter{unaryErr: provider.ErrUpstreamUnavailable}
	in := Inbound{BearerToken: "sk-a", Endpoint: "/v1/chat/completions", Body: reqBody("m1", false)}

	_, err := p.RunUnary(ctx, in, adapter, provider.Credentials{})
	gerr, ok := err.(*gatewayerr.Error)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindUpstreamUnavailable, gerr.Kind)
}

// Chunks are forwarded in order, then exactly one UsageLog is written
// from the stream trailer.
func TestRunStreamSettlesAfterClose(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	_ = st.UpsertApiKey(ctx, models.ApiKey{APIKey: "sk-a", UserID: "u1", IsActive: true})
	_ = st.UpsertAccount(ctx, models.Account{UserID: "u1", IsActive: true, BudgetMicros: 10_000_000})
	_ = st.UpsertModelCost(ctx, models.ModelCost{ModelName: "m1", InputRateMicros: 3_000_000, OutputRateMicros: 15_000_000})

	adapter := &fakeAdapter{
		streamChunks: []provider.Chunk{{Data: []byte("a")}, {Data: []byte("b")}, {Data: []byte("c")}},
		streamUsage:  models.Usage{InputTokens: 200, OutputTokens: 800},
	}
	in := Inbound{BearerToken: "sk-a", Endpoint: "/v1/messages", Body: reqBody("m1", true)}

	principal, model, err := p.Authorize(ctx, in)
	require.NoError(t, err)
	sink := &fakeSink{}
	require.NoError(t, p.RunStream(ctx, principal, model, in, adapter, provider.Credentials{}, sink))

	got := sink.written()
	require.Len(t, got, 3)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got, "chunks should arrive in order")

	waitFor(t, func() bool { return len(st.UsageLogs()) == 1 })
	account, _ := st.GetAccount(ctx, "u1")
	assert.EqualValues(t, 12_600, account.SpentMicros)
}

// The background settle still runs to completion even though the sink
// stopped accepting writes, because the usage promise already resolved
// before the disconnect was observed.
func TestRunStreamClientDisconnectSettlesIfUsageArrived(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	_ = st.UpsertApiKey(ctx, models.ApiKey{APIKey: "sk-a", UserID: "u1", IsActive: true})
	_ = st.UpsertAccount(ctx, models.Account{UserID: "u1", IsActive: true, BudgetMicros: 10_000_000})
	_ = st.UpsertModelCost(ctx, models.ModelCost{ModelName: "m1", InputRateMicros: 1_000_000})

	adapter := &fakeAdapter{
		streamChunks: []provider.Chunk{{Data: []byte("a")}},
		streamUsage:  models.Usage{InputTokens: 1_000_000},
	}
	in := Inbound{BearerToken: "sk-a", Endpoint: "/v1/messages", Body: reqBody("m1", true)}

	principal, model, err := p.Authorize(ctx, in)
	require.NoError(t, err)
	sink := &disconnectingSink{}
	require.NoError(t, p.RunStream(ctx, principal, model, in, adapter, provider.Credentials{}, sink))

	waitFor(t, func() bool { return len(st.UsageLogs()) == 1 })
}

// A stream whose usage promise closes without ever resolving (canceled
// upstream before any usage chunk) must not debit or write a UsageLog.
func TestRunStreamNoUsageSkipsSettlement(t *testing.T) {
	p, st := newTestPipeline(t)
	ctx := context.Background()
	_ = st.UpsertApiKey(ctx, models.ApiKey{APIKey: "sk-a", UserID: "u1", IsActive: true})
	_ = st.UpsertAccount(ctx, models.Account{UserID: "u1", IsActive: true, BudgetMicros: 10_000_000})
	_ = st.UpsertModelCost(ctx, models.ModelCost{ModelName: "m1", InputRateMicros: 1_000_000})

	adapter := &fakeAdapter{
		streamChunks:  []provider.Chunk{{Data: []byte("a")}},
		streamNoUsage: true,
	}
	in := Inbound{BearerToken: "sk-a", Endpoint: "/v1/messages", Body: reqBody("m1", true)}

	principal, model, err := p.Authorize(ctx, in)
	require.NoError(t, err)
	sink := &fakeSink{}
	require.NoError(t, p.RunStream(ctx, principal, model, in, adapter, provider.Credentials{}, sink))

	// Settlement is asynchronous; give it a moment to (not) run.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, st.UsageLogs(), 0)
	account, _ := st.GetAccount(ctx, "u1")
	assert.EqualValues(t, 0, account.SpentMicros)
}

type disconnectingSink struct{}

func (disconnectingSink) WriteChunk(provider.Chunk) error { return context.Canceled }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(time.Millisecond):
		}
	}
}
