// Package webhook implements the HTTP ingress: change notifications from
// either instance are verified, validated, and archived into the durable
// event queue for the worker pool to drain.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/turzo891/erpsync/internal/sync"
)

// signatureHeader carries the HMAC of the raw request body.
const signatureHeader = "X-Frappe-Webhook-Signature"

// maxBodyBytes caps the accepted payload size.
const maxBodyBytes = 1 << 20

// serviceName appears in the health response.
const serviceName = "erpsync-webhook-server"

// Server is the webhook ingress. It only writes to the event queue; all
// document I/O happens later in the worker pool.
type Server struct {
	store  sync.Store
	secret string
	logger *slog.Logger
}

// NewServer creates a Server. An empty secret leaves unsigned requests
// unverified; signed requests are always checked.
func NewServer(store sync.Store, secret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{store: store, secret: secret, logger: logger}
}

// Handler returns the HTTP routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/cloud", s.handleWebhook(sync.SideCloud))
	r.Post("/webhook/local", s.handleWebhook(sync.SideLocal))
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	return r
}

// webhookPayload is the subset of the notification body the ingress needs;
// the full body is archived verbatim alongside it.
type webhookPayload struct {
	Doctype string `json:"doctype"`
	Name    string `json:"name"`
	Action  string `json:"action"`
}

func (s *Server) handleWebhook(source sync.Side) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "reading request body failed")
			return
		}

		if signature := r.Header.Get(signatureHeader); signature != "" {
			if !VerifySignature(body, signature, s.secret) {
				s.logger.Warn("webhook signature mismatch",
					slog.String("source", string(source)),
					slog.String("remote", r.RemoteAddr),
				)

				s.writeError(w, http.StatusUnauthorized, "invalid signature")

				return
			}
		}

		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil || len(body) == 0 {
			s.writeError(w, http.StatusBadRequest, "no payload")
			return
		}

		if payload.Doctype == "" || payload.Name == "" {
			s.writeError(w, http.StatusBadRequest, "missing doctype or name")
			return
		}

		action := payload.Action
		if action == "" {
			action = "update"
		}

		id, err := s.store.EnqueueEvent(r.Context(), &sync.Event{
			Source:  source,
			Doctype: payload.Doctype,
			Docname: payload.Name,
			Action:  action,
			Payload: string(body),
		})
		if err != nil {
			s.logger.Error("enqueueing webhook event failed",
				slog.String("source", string(source)),
				slog.String("doctype", payload.Doctype),
				slog.String("docname", payload.Name),
				slog.String("error", err.Error()),
			)

			s.writeError(w, http.StatusInternalServerError, "queueing failed")

			return
		}

		s.logger.Info("webhook queued",
			slog.String("source", string(source)),
			slog.String("doctype", payload.Doctype),
			slog.String("docname", payload.Name),
			slog.String("action", action),
			slog.Int64("event_id", id),
		)

		s.writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"id":     id,
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, processing, err := s.store.CountEvents(r.Context())
	if err != nil {
		s.logger.Error("counting events failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "status query failed")

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":              "running",
		"pending_webhooks":    pending,
		"processing_webhooks": processing,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"status":  "error",
		"message": message,
	})
}
