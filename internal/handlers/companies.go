package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
	"jobnotifier/internal/notify"
	"jobnotifier/internal/storage"
)

type CompanyHandler struct {
	companies storage.CompanyRepository
	queue     NotificationQueue
	log       *zap.SugaredLogger
}

func NewCompanyHandler(companies storage.CompanyRepository, q NotificationQueue, log *zap.SugaredLogger) *CompanyHandler {
	return &CompanyHandler{
		companies: companies,
		queue:     q,
		log:       log,
	}
}

func (h *CompanyHandler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	var req models.CreateCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}

	company := &models.Company{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Email:     req.Email,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.companies.CreateCompany(r.Context(), company); err != nil {
		h.log.Errorw("failed to create company", "error", err)
		http.Error(w, "Failed to create company", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, company)
}

func (h *CompanyHandler) ListCompanies(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	companies, err := h.companies.ListCompanies(r.Context(), limit)
	if err != nil {
		h.log.Errorw("failed to list companies", "error", err)
		http.Error(w, "Failed to get companies", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, companies)
}

// SetVerification updates the flag and tells the company about the outcome.
func (h *CompanyHandler) SetVerification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req models.CompanyVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	company, err := h.companies.SetVerified(r.Context(), id, req.Verified)
	if errors.IsNotFound(err) {
		http.Error(w, "Company not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Errorw("failed to update company verification", "company_id", id, "error", err)
		http.Error(w, "Failed to update company", http.StatusInternalServerError)
		return
	}

	if company.Email != "" {
		if !enqueue(w, h.queue, h.log, notify.CompanyVerification(*company, time.Now())) {
			return
		}
	}

	writeJSON(w, http.StatusOK, company)
}

type ConsultationHandler struct {
	queue NotificationQueue
	log   *zap.SugaredLogger
}

func NewConsultationHandler(q NotificationQueue, log *zap.SugaredLogger) *ConsultationHandler {
	return &ConsultationHandler{queue: q, log: log}
}

func (h *ConsultationHandler) RequestConsultation(w http.ResponseWriter, r *http.Request) {
	var req models.ConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ClientName) == "" || !strings.Contains(req.ClientEmail, "@") {
		http.Error(w, "client_name and a valid client_email are required", http.StatusBadRequest)
		return
	}

	consultationID := uuid.NewString()
	item := notify.ConsultationRequestConfirmation(consultationID, req, time.Now())
	if !enqueue(w, h.queue, h.log, item) {
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"consultation_id": consultationID,
		"notification_id": item.ID,
	})
}
