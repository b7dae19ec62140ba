// Package httpapi mounts the operational HTTP surface: health and
// metrics endpoints, the admin event-intake endpoint used by tests and
// integrations, and channel-provider webhooks. It is deliberately NOT an
// admin/dashboard CRUD surface — there is no tenant/workflow/thread
// management here, only the boundary that turns an external event into
// an internal/ingress.Ingest call.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outreach-orchestrator/runtime/internal/ingress"
	"github.com/outreach-orchestrator/runtime/internal/infra"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// Pinger checks connectivity to one dependency; a nil error means healthy.
type Pinger func(ctx context.Context) error

// Server mounts the ingress intake routes plus health/metrics.
type Server struct {
	router  chi.Router
	ingress *ingress.Ingress
	health  *infra.HealthCheckRegistry
	logger  *slog.Logger
}

// New builds a Server. database and cache are the dependency pings the
// health endpoint reports.
func New(ing *ingress.Ingress, database, cache Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	health := infra.NewHealthCheckRegistry()
	health.RegisterSimple("database", func(ctx context.Context) error { return database(ctx) })
	health.RegisterSimple("cache", func(ctx context.Context) error { return cache(ctx) })

	s := &Server{ingress: ing, health: health, logger: logger.With("component", "httpapi")}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root http.Handler for ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/events", func(r chi.Router) {
		r.Post("/", s.handleAdminEvent)
	})
	r.Route("/v1/webhooks", func(r chi.Router) {
		r.Post("/email", s.handleEmailWebhook)
		r.Post("/whatsapp", s.handleWhatsAppWebhook)
	})
	return r
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		s.logger.Info("http request",
			"method", req.Method, "path", req.URL.Path,
			"request_id", middleware.GetReqID(req.Context()),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

// handleHealth reports per-subsystem status. Status is "healthy" only
// when every registered check is healthy, "unhealthy" if a critical check
// failed and "degraded" if only non-critical checks failed (every check this
// server registers is critical); the body always 200s so a load balancer can still read which subsystem
// is down rather than treating the probe itself as failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.CheckAll(r.Context())
	writeJSON(w, http.StatusOK, report)
}

type adminEventRequest struct {
	TenantID    string         `json:"tenant_id"`
	SubjectID   string         `json:"subject_id"`
	DistinctID  string         `json:"distinct_id"`
	HandleEmail string         `json:"handle_email"`
	Channel     string         `json:"channel"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload"`
}

// handleAdminEvent is the integration-test-facing surface names
// ("the admin API (for tests/integration)"): caller already knows tenant
// and subject (or enough to resolve one), ingress does the rest.
func (s *Server) handleAdminEvent(w http.ResponseWriter, r *http.Request) {
	var req adminEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	subjectID := req.SubjectID
	if subjectID == "" {
		subj, found, err := s.ingress.ResolveSubject(r.Context(), ingress.ResolveRequest{
			TenantID:    req.TenantID,
			DistinctID:  req.DistinctID,
			HandleEmail: req.HandleEmail,
			Channel:     models.ChannelType(req.Channel),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "resolve subject: "+err.Error())
			return
		}
		if !found {
			writeError(w, http.StatusUnprocessableEntity, "could not resolve subject")
			return
		}
		subjectID = subj.ID
	}

	result, err := s.ingress.Ingest(r.Context(), ingress.IngestRequest{
		TenantID:  req.TenantID,
		SubjectID: subjectID,
		Type:      models.EventType(req.Type),
		Source:    orDefault(req.Source, "admin-api"),
		Timestamp: req.Timestamp,
		Payload:   req.Payload,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":  result.Event.ID,
		"duplicate": result.Duplicate,
	})
}

type emailWebhookRequest struct {
	TenantID    string         `json:"tenant_id"`
	DistinctID  string         `json:"distinct_id"`
	HandleEmail string         `json:"recipient_email"`
	Status      string         `json:"status"`
	Payload     map[string]any `json:"payload"`
}

// handleEmailWebhook maps a provider's delivery-status callback onto the
// domain EventType set before ingesting.
func (s *Server) handleEmailWebhook(w http.ResponseWriter, r *http.Request) {
	var req emailWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	eventType, ok := ingress.WebhookStatusToEventType(req.Status)
	if !ok {
		w.WriteHeader(http.StatusOK) // ack with no event created
		return
	}

	subj, found, err := s.ingress.ResolveSubject(r.Context(), ingress.ResolveRequest{
		TenantID:    req.TenantID,
		DistinctID:  req.DistinctID,
		HandleEmail: req.HandleEmail,
		Channel:     models.ChannelEmail,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolve subject: "+err.Error())
		return
	}
	if !found {
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := s.ingress.Ingest(r.Context(), ingress.IngestRequest{
		TenantID:  req.TenantID,
		SubjectID: subj.ID,
		Type:      eventType,
		Source:    "email-webhook",
		Payload:   req.Payload,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

type whatsappWebhookRequest struct {
	TenantID   string         `json:"tenant_id"`
	DistinctID string         `json:"distinct_id"`
	Handle     string         `json:"from"`
	Status     string         `json:"status"`
	Payload    map[string]any `json:"payload"`
}

func (s *Server) handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	var req whatsappWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	eventType, ok := ingress.WhatsAppWebhookStatusToEventType(req.Status)
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	subj, found, err := s.ingress.ResolveSubject(r.Context(), ingress.ResolveRequest{
		TenantID:    req.TenantID,
		DistinctID:  req.DistinctID,
		HandleEmail: req.Handle,
		Channel:     models.ChannelWhatsApp,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolve subject: "+err.Error())
		return
	}
	if !found {
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := s.ingress.Ingest(r.Context(), ingress.IngestRequest{
		TenantID:  req.TenantID,
		SubjectID: subj.ID,
		Type:      eventType,
		Source:    "whatsapp-webhook",
		Payload:   req.Payload,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
