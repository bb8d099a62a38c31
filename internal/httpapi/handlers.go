package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/amerfu/llmgate/internal/gatewayerr"
	"github.com/amerfu/llmgate/internal/pipeline"
	"github.com/amerfu/llmgate/internal/provider"
)

// route bundles one ingress endpoint's dialect, adapter, and credentials.
type route struct {
	dialect provider.Dialect
	adapter provider.Adapter
	creds   provider.Credentials
}

func (s *Server) ingressHandler(r route) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, gatewayerr.Wrap(gatewayerr.KindInternal, "read request body", err))
			return
		}

		token := extractBearerToken(req)
		in := pipeline.Inbound{
			BearerToken: token,
			Endpoint:    req.URL.Path,
			IPAddress:   req.RemoteAddr,
			Dialect:     r.dialect,
			Body:        body,
			Stream:      requestWantsStream(body),
		}

		if in.Stream {
			s.serveStream(w, req, in, r)
			return
		}
		s.serveUnary(w, req, in, r)
	}
}

func (s *Server) serveUnary(w http.ResponseWriter, req *http.Request, in pipeline.Inbound, r route) {
	outcome, err := s.pipeline.RunUnary(req.Context(), in, r.adapter, r.creds)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(outcome.Body)
}

func (s *Server) serveStream(w http.ResponseWriter, req *http.Request, in pipeline.Inbound, r route) {
	// Authorize before committing to the streaming transport, so an
	// auth/budget failure still returns a normal JSON error status
	// instead of a half-opened SSE response.
	principal, model, err := s.pipeline.Authorize(req.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	flushW, openErr := newFlushingWriter(w)
	if openErr != nil {
		writeError(w, gatewayerr.Wrap(gatewayerr.KindInternal, "streaming unsupported", openErr))
		return
	}
	if err := s.pipeline.RunStream(req.Context(), principal, model, in, r.adapter, r.creds, flushW); err != nil {
		// Headers are already committed (200 + event-stream) by this
		// point; the error is only logged, and the stream closes without
		// an error frame.
		s.log.Warn("httpapi: stream ended with error", zap.Error(err))
	}
}

func extractBearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

type streamFlagBody struct {
	Stream bool `json:"stream"`
}

func requestWantsStream(body []byte) bool {
	var b streamFlagBody
	_ = json.Unmarshal(body, &b)
	return b.Stream
}

func writeError(w http.ResponseWriter, err error) {
	var gerr *gatewayerr.Error
	if errors.As(err, &gerr) {
		if gerr.Kind == gatewayerr.KindUpstreamError {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(gerr.UpstreamStatus)
			_, _ = w.Write(gerr.UpstreamBody)
			return
		}
		status := gatewayerr.HTTPStatus(gerr.Kind)
		writeJSONError(w, status, string(gerr.Kind), gerr.Message)
		return
	}
	writeJSONError(w, http.StatusInternalServerError, string(gatewayerr.KindInternal), "internal error")
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"kind": kind, "message": message},
	})
}
