// Package server frames the coordinator's (events, final) pair onto HTTP.
// POST /api/execute streams one server-sent event per progress event and a
// terminal "final" frame; POST /api/cancel/{request_id} requests cooperative
// abort. The engine knows nothing about this encoding.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/loupe-cli/api/schemas"
	"github.com/xkilldash9x/loupe-cli/internal/config"
)

// Server is the HTTP/SSE transport adapter over a schemas.Coordinator.
type Server struct {
	cfg         config.ServerConfig
	logger      *zap.Logger
	coordinator schemas.Coordinator
	httpServer  *http.Server
}

// executePayload is the request body of /api/execute.
type executePayload struct {
	RequestID  string   `json:"request_id,omitempty"`
	Paths      []string `json:"paths"`
	InsightIDs []string `json:"insight_ids"`
}

// frame is one SSE data payload: the event envelope with its variant tag.
type frame struct {
	Type schemas.EventType `json:"type"`
	Data any               `json:"data"`
}

// New builds the server around an already-constructed coordinator.
func New(cfg config.ServerConfig, logger *zap.Logger, coordinator schemas.Coordinator) (*Server, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("cannot initialize server with nil coordinator")
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "server")),
		coordinator: coordinator,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("POST /api/cancel/{request_id}", s.handleCancel)
	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s, nil
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP transport listening", zap.String("addr", s.cfg.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// handleExecute runs one request and streams its events until the summary.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var payload executePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if payload.RequestID == "" {
		// Assign the id here rather than inside the coordinator: the handler
		// needs it to cancel the request when the client goes away.
		payload.RequestID = uuid.New().String()
	}

	req := schemas.ExecutionRequest{
		RequestID:  payload.RequestID,
		Paths:      payload.Paths,
		InsightIDs: payload.InsightIDs,
	}

	// A dropped connection cancels the whole request; the jobs observe it
	// cooperatively.
	ctx := r.Context()
	events, final, err := s.coordinator.Execute(ctx, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	disconnected := false
	for ev := range events {
		if disconnected {
			// Keep draining so the workers are never blocked on the bus, but
			// stop writing to the dead connection.
			continue
		}
		if err := writeSSE(w, "progress", frame{Type: ev.Type(), Data: ev}); err != nil {
			s.logger.Warn("Client disconnected mid-stream, cancelling request",
				zap.String("request_id", req.RequestID), zap.Error(err))
			s.coordinator.Cancel(req.RequestID)
			disconnected = true
			continue
		}
		flusher.Flush()
	}

	summary := <-final
	if disconnected || summary == nil {
		return
	}
	if err := writeSSE(w, "final", summary); err != nil {
		s.logger.Warn("Failed to deliver final summary", zap.Error(err))
		return
	}
	flusher.Flush()
}

// handleCancel requests cooperative abort of one request.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	if requestID == "" {
		http.Error(w, "missing request_id", http.StatusBadRequest)
		return
	}
	s.coordinator.Cancel(requestID)
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, `{"request_id":%q,"status":"cancelling"}`, requestID)
}

// writeSSE emits one named SSE frame with a JSON data payload.
func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", event, err)
	}
	return nil
}
