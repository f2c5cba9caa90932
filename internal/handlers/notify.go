package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
	"jobnotifier/internal/notify"
	"jobnotifier/internal/queue"
	"jobnotifier/internal/storage"
)

const defaultDeadLetterLimit = 50

// NotificationQueue is the part of the email queue the API needs
type NotificationQueue interface {
	Enqueue(item *models.NotificationItem) error
	Stats() queue.Stats
}

type NotifyHandler struct {
	queue       NotificationQueue
	deadLetters storage.DeadLetterStore
	log         *zap.SugaredLogger
}

func NewNotifyHandler(q NotificationQueue, deadLetters storage.DeadLetterStore, log *zap.SugaredLogger) *NotifyHandler {
	return &NotifyHandler{
		queue:       q,
		deadLetters: deadLetters,
		log:         log,
	}
}

func (h *NotifyHandler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req models.CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Recipient) == "" {
		http.Error(w, "Recipient is required", http.StatusBadRequest)
		return
	}
	if req.Channel != "" && !req.Channel.Valid() {
		http.Error(w, "Unsupported channel", http.StatusBadRequest)
		return
	}
	if req.Message == "" && req.TemplateID == "" {
		http.Error(w, "Message or template_id is required", http.StatusBadRequest)
		return
	}

	item := &models.NotificationItem{
		Channel:    req.Channel,
		Recipient:  req.Recipient,
		Subject:    req.Subject,
		Message:    req.Message,
		TemplateID: req.TemplateID,
		Data:       req.Data,
		Priority:   req.Priority,
	}

	if !enqueue(w, h.queue, h.log, item) {
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": item.ID})
}

func (h *NotifyHandler) SendNewsletter(w http.ResponseWriter, r *http.Request) {
	var req models.NewsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Subject == "" || req.Content == "" {
		http.Error(w, "Subject and content are required", http.StatusBadRequest)
		return
	}
	if len(req.Recipients) == 0 {
		http.Error(w, "At least one recipient is required", http.StatusBadRequest)
		return
	}

	queued := 0
	for _, item := range notify.Newsletter(req.Subject, req.Content, req.Recipients) {
		if strings.TrimSpace(item.Recipient) == "" {
			continue
		}
		if !enqueue(w, h.queue, h.log, item) {
			return
		}
		queued++
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

func (h *NotifyHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Stats())
}

func (h *NotifyHandler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	letters, err := h.deadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.log.Errorw("failed to list dead letters", "error", err)
		http.Error(w, "Failed to get dead letters", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, letters)
}

// enqueue writes the error response itself and reports whether the item was accepted
func enqueue(w http.ResponseWriter, q NotificationQueue, log *zap.SugaredLogger, item *models.NotificationItem) bool {
	err := q.Enqueue(item)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errors.ErrClosed):
		http.Error(w, "Notification queue is shutting down", http.StatusServiceUnavailable)
	default:
		log.Errorw("failed to enqueue notification", "recipient", item.Recipient, "error", err)
		http.Error(w, "Failed to queue notification", http.StatusInternalServerError)
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
