package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/appointment"
	"conversation-coordinator/pkg/assign"
	"conversation-coordinator/pkg/config"
	"conversation-coordinator/pkg/identity"
	"conversation-coordinator/pkg/models"
	"conversation-coordinator/pkg/pipeline"
	"conversation-coordinator/pkg/state"
	"conversation-coordinator/pkg/store"
)

// Leadership reports whether this instance runs the background sweeps.
type Leadership interface {
	IsLeader() bool
}

// Handlers is the HTTP surface: the inbound message endpoint, the operator
// panel session operations, and the appointment lifecycle. Transport
// verification (webhook signatures, platform envelopes) lives upstream;
// these endpoints consume parsed payloads.
type Handlers struct {
	pipeline     *pipeline.Pipeline
	coordinator  *state.Coordinator
	appointments *appointment.Store
	orphans      *assign.OrphanLog
	normalizer   *identity.Normalizer
	client       *store.Client
	leadership   Leadership
	config       *config.Config
	logger       *logrus.Logger
}

func New(p *pipeline.Pipeline, coordinator *state.Coordinator, appointments *appointment.Store, orphans *assign.OrphanLog, normalizer *identity.Normalizer, client *store.Client, leadership Leadership, cfg *config.Config, logger *logrus.Logger) *Handlers {
	return &Handlers{
		pipeline:     p,
		coordinator:  coordinator,
		appointments: appointments,
		orphans:      orphans,
		normalizer:   normalizer,
		client:       client,
		leadership:   leadership,
		config:       cfg,
		logger:       logger,
	}
}

// Router builds the full route table.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(h.loggingMiddleware)

	router.HandleFunc("/inbound", h.handleInbound).Methods("POST")

	router.HandleFunc("/sessions/{identity}/status", h.handleSessionStatus).Methods("GET")
	router.HandleFunc("/sessions/{identity}/handoff", h.handleHandoff).Methods("POST")
	router.HandleFunc("/sessions/{identity}/activate-human", h.handleActivateHuman).Methods("POST")
	router.HandleFunc("/sessions/{identity}/activate-bot", h.handleActivateBot).Methods("POST")
	router.HandleFunc("/sessions/{identity}/refresh", h.handleRefresh).Methods("POST")
	router.HandleFunc("/sessions/{identity}/close", h.handleClose).Methods("POST")

	router.HandleFunc("/appointments", h.handleBookAppointment).Methods("POST")
	router.HandleFunc("/appointments/upcoming", h.handleUpcomingAppointments).Methods("GET")
	router.HandleFunc("/appointments/{identity}/confirm", h.appointmentAction("confirm")).Methods("POST")
	router.HandleFunc("/appointments/{identity}/complete", h.appointmentAction("complete")).Methods("POST")
	router.HandleFunc("/appointments/{identity}/cancel", h.appointmentAction("cancel")).Methods("POST")
	router.HandleFunc("/appointments/{identity}/no-show", h.appointmentAction("no-show")).Methods("POST")

	router.HandleFunc("/orphan-leads", h.handleOrphanLeads).Methods("GET")

	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

func (h *Handlers) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Request handled")
	})
}

func (h *Handlers) handleInbound(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Identity    string            `json:"identity"`
		Channel     string            `json:"channel,omitempty"`
		Text        string            `json:"text"`
		DisplayName string            `json:"display_name,omitempty"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.pipeline.HandleInbound(r.Context(), models.InboundMessage{
		RawIdentity: request.Identity,
		ChannelHint: request.Channel,
		Text:        request.Text,
		DisplayName: request.DisplayName,
		Metadata:    request.Metadata,
		ReceivedAt:  time.Now(),
	})

	var verr *identity.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "invalid_identity",
			"kind":    verr.Kind,
		})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Inbound handling failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"identity":       result.Identity,
		"channel":        result.Channel,
		"status":         result.Status,
		"action":         result.Action,
		"should_respond": result.Action == pipeline.ActionAggregating || result.Action == pipeline.ActionProcessedNow,
		"queued":         result.Action == pipeline.ActionAggregating,
	})
}

func (h *Handlers) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	canonical, channel, ok := h.sessionParams(w, r, r.URL.Query().Get("channel"))
	if !ok {
		return
	}

	status, err := h.coordinator.Status(r.Context(), canonical, channel)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read session status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	meta, err := h.coordinator.Meta(r.Context(), canonical, channel)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read session metadata")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity": canonical,
		"channel":  channel,
		"status":   status,
		"meta":     meta,
	})
}

func (h *Handlers) handleHandoff(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Channel string `json:"channel,omitempty"`
		Reason  string `json:"reason"`
	}
	if !decodeBody(w, r, &request) {
		return
	}

	canonical, channel, ok := h.sessionParams(w, r, request.Channel)
	if !ok {
		return
	}

	if err := h.coordinator.RequestHandoff(r.Context(), canonical, channel, request.Reason); err != nil {
		h.logger.WithError(err).Error("Failed to request handoff")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"identity": canonical,
		"channel":  channel,
		"status":   models.StatusPendingHandoff,
	})
}

func (h *Handlers) handleActivateHuman(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Channel string `json:"channel,omitempty"`
		OwnerID string `json:"owner_id"`
		Reason  string `json:"reason,omitempty"`
	}
	if !decodeBody(w, r, &request) {
		return
	}

	canonical, channel, ok := h.sessionParams(w, r, request.Channel)
	if !ok {
		return
	}

	if err := h.coordinator.ActivateHuman(r.Context(), canonical, channel, request.OwnerID, request.Reason); err != nil {
		h.logger.WithError(err).Error("Failed to activate human")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"identity": canonical,
		"channel":  channel,
		"status":   models.StatusHumanActive,
		"owner_id": request.OwnerID,
	})
}

func (h *Handlers) handleActivateBot(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Channel string `json:"channel,omitempty"`
	}
	if !decodeBody(w, r, &request) {
		return
	}

	canonical, channel, ok := h.sessionParams(w, r, request.Channel)
	if !ok {
		return
	}

	if err := h.coordinator.ActivateBot(r.Context(), canonical, channel); err != nil {
		h.logger.WithError(err).Error("Failed to activate bot")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"identity": canonical,
		"channel":  channel,
		"status":   models.StatusBotActive,
	})
}

func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Channel string `json:"channel,omitempty"`
	}
	if !decodeBody(w, r, &request) {
		return
	}

	canonical, channel, ok := h.sessionParams(w, r, request.Channel)
	if !ok {
		return
	}

	refreshed, err := h.coordinator.RefreshHumanTTL(r.Context(), canonical, channel)
	if err != nil {
		h.logger.WithError(err).Error("Failed to refresh human TTL")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !refreshed {
		// Refresh on a non-human session is a conflict, not a server fault.
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]interface{}{
		"success":   refreshed,
		"refreshed": refreshed,
		"identity":  canonical,
		"channel":   channel,
	})
}

func (h *Handlers) handleClose(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Channel string `json:"channel,omitempty"`
	}
	if !decodeBody(w, r, &request) {
		return
	}

	canonical, channel, ok := h.sessionParams(w, r, request.Channel)
	if !ok {
		return
	}

	if err := h.coordinator.CloseConversation(r.Context(), canonical, channel); err != nil {
		h.logger.WithError(err).Error("Failed to close conversation")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"identity": canonical,
		"channel":  channel,
		"status":   models.StatusClosed,
	})
}

func (h *Handlers) handleBookAppointment(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Identity    string    `json:"identity"`
		Channel     string    `json:"channel,omitempty"`
		ScheduledAt time.Time `json:"scheduled_at"`
		ContactName string    `json:"contact_name,omitempty"`
		ContactID   string    `json:"contact_id,omitempty"`
		Notes       string    `json:"notes,omitempty"`
	}
	if !decodeBody(w, r, &request) {
		return
	}

	canonical, err := h.normalizer.Normalize(request.Identity)
	if err != nil {
		http.Error(w, "Invalid identity", http.StatusBadRequest)
		return
	}
	if request.ScheduledAt.IsZero() {
		http.Error(w, "Missing scheduled_at", http.StatusBadRequest)
		return
	}

	channel := request.Channel
	if channel == "" {
		channel = h.config.DefaultChannel
	}

	appt := models.Appointment{
		Identity:    canonical,
		Channel:     channel,
		ScheduledAt: request.ScheduledAt,
		ContactName: request.ContactName,
		ContactID:   request.ContactID,
		Notes:       request.Notes,
	}

	if err := h.appointments.Book(r.Context(), appt); err != nil {
		h.logger.WithError(err).Error("Failed to book appointment")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":      true,
		"identity":     canonical,
		"channel":      channel,
		"scheduled_at": request.ScheduledAt,
	})
}

func (h *Handlers) handleUpcomingAppointments(w http.ResponseWriter, r *http.Request) {
	identityFilter := ""
	if raw := r.URL.Query().Get("identity"); raw != "" {
		canonical, err := h.normalizer.Normalize(raw)
		if err != nil {
			http.Error(w, "Invalid identity", http.StatusBadRequest)
			return
		}
		identityFilter = canonical
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	appts, err := h.appointments.Upcoming(r.Context(), time.Now(), identityFilter, limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list upcoming appointments")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"appointments": appts,
		"count":        len(appts),
	})
}

func (h *Handlers) appointmentAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Channel string `json:"channel,omitempty"`
		}
		if !decodeBody(w, r, &request) {
			return
		}

		canonical, channel, ok := h.sessionParams(w, r, request.Channel)
		if !ok {
			return
		}

		var err error
		switch action {
		case "confirm":
			err = h.appointments.Confirm(r.Context(), canonical, channel)
		case "complete":
			err = h.appointments.Complete(r.Context(), canonical, channel)
		case "cancel":
			err = h.appointments.Cancel(r.Context(), canonical, channel)
		case "no-show":
			err = h.appointments.NoShow(r.Context(), canonical, channel)
		}

		if err != nil {
			h.logger.WithError(err).WithField("action", action).Warn("Appointment action failed")
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"identity": canonical,
			"channel":  channel,
			"action":   action,
		})
	}
}

func (h *Handlers) handleOrphanLeads(w http.ResponseWriter, r *http.Request) {
	leads, err := h.orphans.Pending(r.Context(), 0)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list orphan leads")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leads": leads,
		"count": len(leads),
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"pod_id":    h.config.PodID,
		"is_leader": h.leadership.IsLeader(),
		"timestamp": time.Now(),
	})
}

// sessionParams resolves the path identity and the effective channel.
func (h *Handlers) sessionParams(w http.ResponseWriter, r *http.Request, channel string) (string, string, bool) {
	raw := mux.Vars(r)["identity"]
	if raw == "" {
		http.Error(w, "Missing identity", http.StatusBadRequest)
		return "", "", false
	}

	canonical, err := h.normalizer.Normalize(raw)
	if err != nil {
		http.Error(w, "Invalid identity", http.StatusBadRequest)
		return "", "", false
	}

	if channel == "" {
		channel = h.config.DefaultChannel
	}
	return canonical, channel, true
}

// decodeBody tolerates an empty body: panel operations often carry no
// payload at all.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
