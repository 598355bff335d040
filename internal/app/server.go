package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/florianilch/revos/internal/extractor"
	"github.com/florianilch/revos/internal/tokenmanager"
)

const maxRequestBytes = 1 << 20 // 1 MiB

// ReadinessChecker reports whether the process is ready to serve.
type ReadinessChecker interface {
	IsReady() bool
}

// Server is the introspection and extraction HTTP server: health probes,
// token status, forced refresh, and structured extraction endpoints.
type Server struct {
	server     *http.Server
	manager    *tokenmanager.Manager
	extractors *extractor.Set
}

// NewServer creates the server. The extractor set may be nil when no model
// profiles are configured; the extraction endpoint then answers 404.
func NewServer(manager *tokenmanager.Manager, extractors *extractor.Set, checker ReadinessChecker) *Server {
	s := &Server{
		manager:    manager,
		extractors: extractors,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", livenessHandler())
	mux.HandleFunc("GET /readyz", readinessHandler(checker))
	mux.HandleFunc("GET /v1/token/info", s.tokenInfoHandler)
	mux.HandleFunc("POST /v1/token/refresh", s.tokenRefreshHandler)
	mux.HandleFunc("POST /v1/extract", s.extractHandler)

	// requestLogging must wrap requestID and traceContext: httplog.SetAttrs
	// only works once RequestLogger has installed its attrs container.
	handler := applyMiddlewares(mux,
		recovery,
		requestLogging(slog.Default()),
		requestID,
		traceContext,
		requestSizeLimit(maxRequestBytes),
	)

	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: extraction calls are bounded by the LLM client.
	}
	return s
}

// Start begins serving on addr. Runtime errors after successful startup are
// delivered on the returned channel.
func (s *Server) Start(ctx context.Context, addr string) (<-chan error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	slog.InfoContext(ctx, "introspection server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// livenessHandler always returns 200 to signal the process is alive.
func livenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
	}
}

// readinessHandler returns 200 once the app holds a usable token, 503 before.
func readinessHandler(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		if checker.IsReady() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
}

// tokenStatus is the token info response shape.
type tokenStatus struct {
	tokenmanager.TokenInfo
	ConsecutiveFailures int  `json:"consecutive_failures"`
	BackgroundRunning   bool `json:"background_running"`
}

func (s *Server) status() tokenStatus {
	return tokenStatus{
		TokenInfo:           s.manager.Info(),
		ConsecutiveFailures: s.manager.ConsecutiveFailures(),
		BackgroundRunning:   s.manager.BackgroundRunning(),
	}
}

func (s *Server) tokenInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, s.status(), http.StatusOK)
}

func (s *Server) tokenRefreshHandler(w http.ResponseWriter, r *http.Request) {
	if !s.manager.ForceRefresh(r.Context()) {
		writeJSON(r.Context(), w, map[string]any{
			"refreshed": false,
			"status":    s.status(),
		}, http.StatusBadGateway)
		return
	}

	writeJSON(r.Context(), w, map[string]any{
		"refreshed": true,
		"status":    s.status(),
	}, http.StatusOK)
}

// extractRequest is the extraction endpoint's request shape.
type extractRequest struct {
	Profile      string `json:"profile"`
	Instructions string `json:"instructions"`
	Input        string `json:"input"`
}

func (s *Server) extractHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.extractors == nil {
		http.NotFound(w, r)
		return
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			slog.WarnContext(ctx, "request exceeds size limit", "limit_bytes", maxBytesErr.Limit)
			writeJSONError(ctx, w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(ctx, w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if req.Instructions == "" || req.Input == "" {
		writeJSONError(ctx, w, "instructions and input are required", http.StatusBadRequest)
		return
	}

	ext, ok := s.extractors.Get(req.Profile)
	if !ok {
		writeJSONError(ctx, w, fmt.Sprintf("unknown extraction profile %q", req.Profile), http.StatusNotFound)
		return
	}

	var result json.RawMessage
	if err := ext.Extract(ctx, req.Instructions, req.Input, &result); err != nil {
		slog.ErrorContext(ctx, "extraction failed", "profile", req.Profile, "error", err)
		writeJSONError(ctx, w, "extraction failed", http.StatusBadGateway)
		return
	}

	writeJSON(ctx, w, map[string]any{
		"profile": req.Profile,
		"result":  result,
	}, http.StatusOK)
}

// writeJSON writes a JSON response with the given status code. Encoding
// failures are logged; headers are already written by then.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, map[string]any{"error": message}, status)
}
