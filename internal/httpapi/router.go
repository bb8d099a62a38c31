// Package httpapi wires the ingress endpoints (plus the minimal
// admin-invalidation mount) onto a chi router: request-id, real-ip,
// panic recovery, access logging, CORS, then the route table.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amerfu/llmgate/internal/bus"
	"github.com/amerfu/llmgate/internal/gatewayerr"
	"github.com/amerfu/llmgate/internal/pipeline"
	"github.com/amerfu/llmgate/internal/provider"
	"github.com/amerfu/llmgate/internal/store"
)

// Pinger is satisfied by anything /health needs to reach (store, bus).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server composes the pipeline, admin-invalidation sink, and health
// checks into one chi-mounted HTTP surface.
type Server struct {
	pipeline *pipeline.Pipeline
	log      *zap.Logger

	store Pinger
	bus   Pinger

	adminAPIKey string
	sink        bus.EventSink

	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
}

// Routes bundles the three static dialect-to-adapter bindings.
type Routes struct {
	OpenAIChat      route
	OpenAIResponses route
	AnthropicMsgs   route
}

func NewRoutes(openaiAdapter, anthropicAdapter provider.Adapter, openaiCreds, anthropicCreds provider.Credentials) Routes {
	return Routes{
		OpenAIChat:      route{dialect: provider.DialectOpenAIChat, adapter: openaiAdapter, creds: openaiCreds},
		OpenAIResponses: route{dialect: provider.DialectOpenAIResponses, adapter: openaiAdapter, creds: openaiCreds},
		AnthropicMsgs:   route{dialect: provider.DialectAnthropicMsgs, adapter: anthropicAdapter, creds: anthropicCreds},
	}
}

func NewServer(p *pipeline.Pipeline, log *zap.Logger, st Pinger, b interface {
	Pinger
	bus.EventSink
}, adminAPIKey string) *Server {
	registry := prometheus.NewRegistry()
	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmgate_requests_total",
		Help: "Total ingress requests by route and status class.",
	}, []string{"route", "status_class"})
	registry.MustRegister(requestsTotal)

	return &Server{
		pipeline:      p,
		log:           log,
		store:         st,
		bus:           b,
		sink:          b,
		adminAPIKey:   adminAPIKey,
		registry:      registry,
		requestsTotal: requestsTotal,
	}
}

// Mount builds the chi router with the full middleware stack and route
// table.
func (s *Server) Mount(routes Routes) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Post("/v1/chat/completions", s.ingressHandler(routes.OpenAIChat))
	r.Post("/v1/responses", s.ingressHandler(routes.OpenAIResponses))
	r.Post("/v1/messages", s.ingressHandler(routes.AnthropicMsgs))

	r.Post("/admin/invalidate", s.handleAdminInvalidate)

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		s.requestsTotal.WithLabelValues(req.URL.Path, statusClass(ww.Status())).Inc()
		s.log.Info("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// handleHealth returns 200 only when both Store and Bus are reachable.
func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, string(gatewayerr.KindInternal), "store unreachable")
		return
	}
	if err := s.bus.Ping(ctx); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, string(gatewayerr.KindInternal), "bus unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleAdminInvalidate is the one concrete admin endpoint: it lets the
// external admin surface publish a cache-invalidation event after its
// store write commits. The CRUD routes themselves live elsewhere.
func (s *Server) handleAdminInvalidate(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Authorization") != "Bearer "+s.adminAPIKey {
		writeJSONError(w, http.StatusUnauthorized, string(gatewayerr.KindUnauthenticated), "invalid admin api key")
		return
	}

	var ev bus.Event
	if err := json.NewDecoder(req.Body).Decode(&ev); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(gatewayerr.KindInternal), "invalid invalidation event body")
		return
	}

	if err := s.sink.Publish(req.Context(), ev); err != nil {
		s.log.Error("httpapi: failed to publish invalidation event", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, string(gatewayerr.KindInternal), "failed to publish invalidation event")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

var _ Pinger = (store.Store)(nil)
